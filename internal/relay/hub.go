package relay

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/clusterdesk/clustercall/internal/models"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 70 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one attached room connection. A connection belongs to exactly
// one room; its presence state is whatever the client last tracked.
type Client struct {
	conn      *websocket.Conn
	send      chan []byte
	room      string
	userID    string
	connID    string
	closeOnce sync.Once

	state    *models.PresenceState
	stateSeq uint64
}

func (c *Client) trySend(payload []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub is the room-scoped presence and broadcast relay. It never interprets
// signaling payloads beyond stamping the sender; filtering by target is the
// receiver's job.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Client // room -> connID -> client
	seq   uint64

	bridge *Bridge
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[string]*Client),
		logger: logger,
	}
}

// SetBridge attaches a cross-instance bridge for ring broadcasts. Presence
// rooms themselves are instance-sticky.
func (h *Hub) SetBridge(b *Bridge) {
	h.bridge = b
	b.onRemote = h.deliverLocal
}

// Serve runs the connection until it drops. It owns registration, the write
// pump, and cleanup; cleanup always re-broadcasts the room snapshot so stale
// peers disappear from every other participant's view.
func (h *Hub) Serve(conn *websocket.Conn, room, userID string) {
	connID, err := gonanoid.New(16)
	if err != nil {
		h.logger.Error("relay conn id", "error", err)
		_ = conn.Close()
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan []byte, 32),
		room:   room,
		userID: userID,
		connID: connID,
	}

	h.add(client)
	h.logger.Debug("relay connected", "room", room, "user_id", userID, "conn_id", connID)

	go h.writePump(client)
	h.readLoop(client)

	h.remove(client)
	h.broadcastSync(room)
	h.logger.Debug("relay disconnected", "room", room, "user_id", userID, "conn_id", connID)
}

// BroadcastRing fans a ring event out to a room and, when a bridge is
// configured, to every other instance.
func (h *Hub) BroadcastRing(room string, envType string, data RingData) {
	payload := MarshalEnvelope(envType, data)
	h.deliverLocal(room, payload)
	if h.bridge != nil {
		h.bridge.Publish(room, payload)
	}
}

// Participants returns the deduplicated presence snapshot of a room.
func (h *Hub) Participants(room string) []models.PresenceState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(room)
}

func (h *Hub) add(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.rooms[client.room]
	if !ok {
		conns = make(map[string]*Client)
		h.rooms[client.room] = conns
	}
	conns[client.connID] = client
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.rooms[client.room]
	if !ok {
		return
	}
	if existing, exists := conns[client.connID]; exists && existing == client {
		client.closeSend()
		delete(conns, client.connID)
	}
	if len(conns) == 0 {
		delete(h.rooms, client.room)
	}
}

func (h *Hub) readLoop(client *Client) {
	defer func() {
		_ = client.conn.Close()
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Debug("relay bad json", "room", client.room, "user_id", client.userID, "error", err)
			continue
		}

		switch env.Type {
		case TypePing:
			continue
		case TypeTrack, TypeUpdate:
			var state models.PresenceState
			if err := json.Unmarshal(env.Data, &state); err != nil {
				h.logger.Debug("relay bad presence payload", "room", client.room, "error", err)
				continue
			}
			// Presence identity cannot be spoofed across users.
			state.UserID = client.userID
			h.setState(client, &state)
			h.broadcastSync(client.room)
		case TypeUntrack:
			h.setState(client, nil)
			h.broadcastSync(client.room)
		case TypeSignal:
			var msg models.SignalMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				h.logger.Debug("relay bad signal payload", "room", client.room, "error", err)
				continue
			}
			msg.Sender = client.userID
			// Avoid logging SDP/candidate bodies (they carry addresses).
			h.logger.Debug("relay signal", "room", client.room, "type", msg.Type,
				"sender", msg.Sender, "target", msg.Target)
			h.fanOutSignal(client, MarshalEnvelope(TypeSignal, msg))
		default:
			h.logger.Debug("relay unknown envelope", "room", client.room, "type", env.Type)
		}
	}
}

func (h *Hub) writePump(client *Client) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) setState(client *Client, state *models.PresenceState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	client.state = state
	client.stateSeq = h.seq
}

// broadcastSync sends the current snapshot to every connection in the room,
// including the one that triggered the change.
func (h *Hub) broadcastSync(room string) {
	h.mu.Lock()
	snapshot := h.snapshotLocked(room)
	targets := h.clientsLocked(room)
	h.mu.Unlock()

	payload := MarshalEnvelope(TypeSync, SyncData{Participants: snapshot})
	for _, c := range targets {
		if !c.trySend(payload) {
			_ = c.conn.Close()
		}
	}
}

// fanOutSignal delivers to every other room member. The relay is fan-out,
// not point-to-point: subscribers that are not the target must discard.
func (h *Hub) fanOutSignal(from *Client, payload []byte) {
	h.mu.Lock()
	targets := h.clientsLocked(from.room)
	h.mu.Unlock()

	for _, c := range targets {
		if c == from {
			continue
		}
		if !c.trySend(payload) {
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) deliverLocal(room string, payload []byte) {
	h.mu.Lock()
	targets := h.clientsLocked(room)
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(payload) {
			_ = c.conn.Close()
		}
	}
}

func (h *Hub) clientsLocked(room string) []*Client {
	conns := h.rooms[room]
	out := make([]*Client, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// snapshotLocked builds the deduplicated participant set. Duplicate presence
// entries for one user (reconnect races) collapse to the most recent write.
func (h *Hub) snapshotLocked(room string) []models.PresenceState {
	type entry struct {
		state models.PresenceState
		seq   uint64
	}
	latest := make(map[string]entry)
	for _, c := range h.rooms[room] {
		if c.state == nil {
			continue
		}
		if prev, ok := latest[c.state.UserID]; ok && prev.seq > c.stateSeq {
			continue
		}
		latest[c.state.UserID] = entry{state: *c.state, seq: c.stateSeq}
	}

	out := make([]models.PresenceState, 0, len(latest))
	for _, e := range latest {
		out = append(out, e.state)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}
