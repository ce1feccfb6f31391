// Package testkit provides in-memory doubles for the realtime layer so
// session and lifecycle logic can be exercised without sockets, media
// devices or a live SFU-less mesh.
package testkit

import (
	"context"
	"sync"

	"github.com/clusterdesk/clustercall/internal/models"
)

// Cluster is an in-memory stand-in for the relay. Conns opened on the same
// room see each other's presence and signals with per-sender FIFO ordering.
type Cluster struct {
	mu    sync.Mutex
	rooms map[string]map[string]*Conn
}

func NewCluster() *Cluster {
	return &Cluster{rooms: make(map[string]map[string]*Conn)}
}

// Open creates a connection handle for one user in one room. The handle
// receives nothing until Join is called, mirroring the real client where
// channels exist before the track frame is sent.
func (c *Cluster) Open(room, userID string) *Conn {
	return &Conn{
		cluster: c,
		room:    room,
		userID:  userID,
		syncCh:  make(chan []models.PresenceState, 64),
		msgCh:   make(chan models.SignalMessage, 256),
	}
}

func (c *Cluster) members(room string) []*Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Conn, 0, len(c.rooms[room]))
	for _, conn := range c.rooms[room] {
		out = append(out, conn)
	}
	return out
}

func (c *Cluster) broadcastSync(room string) {
	c.mu.Lock()
	states := make([]models.PresenceState, 0, len(c.rooms[room]))
	conns := make([]*Conn, 0, len(c.rooms[room]))
	for _, conn := range c.rooms[room] {
		states = append(states, conn.snapshotState())
		conns = append(conns, conn)
	}
	c.mu.Unlock()

	states = models.DedupPresence(states)
	for _, conn := range conns {
		conn.pushSync(states)
	}
}

// Conn implements session.Presence and session.Signaler against the
// in-memory cluster.
type Conn struct {
	cluster *Cluster
	room    string
	userID  string

	mu    sync.Mutex
	state models.PresenceState

	syncCh chan []models.PresenceState
	msgCh  chan models.SignalMessage
}

func (c *Conn) Join(_ context.Context, self models.PresenceState) error {
	c.mu.Lock()
	c.state = self
	c.mu.Unlock()

	c.cluster.mu.Lock()
	room := c.cluster.rooms[c.room]
	if room == nil {
		room = make(map[string]*Conn)
		c.cluster.rooms[c.room] = room
	}
	room[c.userID] = c
	c.cluster.mu.Unlock()

	c.cluster.broadcastSync(c.room)
	return nil
}

func (c *Conn) Update(mutate func(*models.PresenceState)) error {
	c.mu.Lock()
	mutate(&c.state)
	c.mu.Unlock()
	c.cluster.broadcastSync(c.room)
	return nil
}

func (c *Conn) Leave() error {
	c.cluster.mu.Lock()
	delete(c.cluster.rooms[c.room], c.userID)
	c.cluster.mu.Unlock()
	c.cluster.broadcastSync(c.room)
	return nil
}

// Send fans the signal out to every other room member, the way the relay
// does. Receivers filter by Target themselves.
func (c *Conn) Send(msg models.SignalMessage) error {
	msg.Sender = c.userID
	for _, member := range c.cluster.members(c.room) {
		if member.userID == c.userID {
			continue
		}
		select {
		case member.msgCh <- msg:
		default:
		}
	}
	return nil
}

func (c *Conn) Sync() <-chan []models.PresenceState {
	return c.syncCh
}

func (c *Conn) Messages() <-chan models.SignalMessage {
	return c.msgCh
}

func (c *Conn) snapshotState() models.PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// pushSync drops the oldest snapshot when the consumer lags, matching the
// latest-wins behavior of the real client.
func (c *Conn) pushSync(states []models.PresenceState) {
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
