package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/relay"
)

// RealtimeClient is a websocket connection to one relay room. It implements
// Presence and Signaler and additionally surfaces ring events for the
// context the room belongs to.
type RealtimeClient struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	selfMu sync.Mutex
	self   models.PresenceState

	syncCh chan []models.PresenceState
	msgCh  chan models.SignalMessage
	ringCh chan RingEvent

	closeOnce sync.Once
}

// DialRoom connects to the relay room for one call context. baseURL is the
// server origin, e.g. "wss://calls.example.com".
func DialRoom(ctx context.Context, baseURL, room, token string, logger *slog.Logger) (*RealtimeClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(baseURL + "/api/ws")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	c := &RealtimeClient{
		conn:   conn,
		logger: logger.With("component", "realtime", "room", room),
		syncCh: make(chan []models.PresenceState, 8),
		msgCh:  make(chan models.SignalMessage, 32),
		ringCh: make(chan RingEvent, 8),
	}
	go c.readLoop()
	return c, nil
}

func (c *RealtimeClient) Join(_ context.Context, self models.PresenceState) error {
	c.selfMu.Lock()
	c.self = self
	c.selfMu.Unlock()
	return c.write(relay.MarshalEnvelope(relay.TypeTrack, self))
}

func (c *RealtimeClient) Update(mutate func(*models.PresenceState)) error {
	c.selfMu.Lock()
	mutate(&c.self)
	state := c.self
	c.selfMu.Unlock()
	return c.write(relay.MarshalEnvelope(relay.TypeUpdate, state))
}

func (c *RealtimeClient) Leave() error {
	return c.write(relay.MarshalEnvelope(relay.TypeUntrack, nil))
}

func (c *RealtimeClient) Send(msg models.SignalMessage) error {
	return c.write(relay.MarshalEnvelope(relay.TypeSignal, msg))
}

func (c *RealtimeClient) Sync() <-chan []models.PresenceState {
	return c.syncCh
}

func (c *RealtimeClient) Messages() <-chan models.SignalMessage {
	return c.msgCh
}

// Rings delivers ring and ring-cancel events observed on this room.
func (c *RealtimeClient) Rings() <-chan RingEvent {
	return c.ringCh
}

// Close tears down the socket. The sync, message and ring channels close
// once the read loop drains.
func (c *RealtimeClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *RealtimeClient) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *RealtimeClient) readLoop() {
	defer func() {
		c.Close()
		close(c.syncCh)
		close(c.msgCh)
		close(c.ringCh)
	}()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("read", "error", err)
			}
			return
		}
		var env relay.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("bad frame", "error", err)
			continue
		}
		switch env.Type {
		case relay.TypeSync:
			var data relay.SyncData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				c.logger.Debug("bad sync payload", "error", err)
				continue
			}
			c.pushSync(models.DedupPresence(data.Participants))
		case relay.TypeSignal:
			var msg models.SignalMessage
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				c.logger.Debug("bad signal payload", "error", err)
				continue
			}
			select {
			case c.msgCh <- msg:
			default:
				c.logger.Warn("signal buffer full, dropping", "type", msg.Type)
			}
		case relay.TypeRing, relay.TypeRingCancel:
			var data relay.RingData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				c.logger.Debug("bad ring payload", "error", err)
				continue
			}
			ev := RingEvent{
				CallID:      data.CallID,
				ContextType: data.ContextType,
				ContextID:   data.ContextID,
				InitiatorID: data.InitiatorID,
				Cancelled:   env.Type == relay.TypeRingCancel,
			}
			select {
			case c.ringCh <- ev:
			default:
			}
		}
	}
}

// pushSync keeps only the newest snapshot when the consumer lags. Snapshots
// are full state, so dropping a stale one loses nothing.
func (c *RealtimeClient) pushSync(states []models.PresenceState) {
	for {
		select {
		case c.syncCh <- states:
			return
		default:
			select {
			case <-c.syncCh:
			default:
			}
		}
	}
}
