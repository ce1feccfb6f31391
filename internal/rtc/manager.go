package rtc

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/clusterdesk/clustercall/internal/models"
)

// SendFunc delivers a signaling message to the room relay.
type SendFunc func(msg models.SignalMessage) error

// Initiates reports whether localID takes the offering role toward remoteID.
// The comparison is lexicographic, so for any unordered pair exactly one side
// initiates and both sides agree without coordination.
func Initiates(localID, remoteID string) bool {
	return localID > remoteID
}

// ManagerConfig carries the collaborators a Manager needs. Send and Factory
// are mandatory; callbacks are optional.
type ManagerConfig struct {
	LocalUserID string
	Send        SendFunc
	Factory     TransportFactory
	ICEServers  []webrtc.ICEServer
	LocalTracks []webrtc.TrackLocal
	Logger      *slog.Logger

	// OnRemoteTrack fires when a peer's media track arrives.
	OnRemoteTrack func(userID string, track *webrtc.TrackRemote)
	// OnPeerState fires on every peer connection state change.
	OnPeerState func(userID string, state webrtc.PeerConnectionState)
	// OnPeerClosed fires after a peer's transport has been torn down,
	// whether by reconciliation or CloseAll.
	OnPeerClosed func(userID string)
}

// Manager keeps one peer connection per remote participant and reconciles
// that set against presence snapshots. Signaling failures are logged and the
// affected connection is left to ICE restart or the next reconcile pass;
// they never abort the session.
type Manager struct {
	cfg    ManagerConfig
	logger *slog.Logger

	mu    sync.Mutex
	links map[string]*peerLink
}

func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Factory == nil {
		cfg.Factory = PionFactory
	}
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "rtc"),
		links:  make(map[string]*peerLink),
	}
}

// Reconcile diffs the desired peer set from a presence snapshot against the
// current connections. Missing peers get a new transport, vanished peers are
// closed, existing ones are untouched. Applying the same snapshot twice is a
// no-op, so replayed sync messages are harmless.
func (m *Manager) Reconcile(participants []models.PresenceState) {
	desired := make(map[string]struct{}, len(participants))
	for _, p := range participants {
		if p.UserID == "" || p.UserID == m.cfg.LocalUserID {
			continue
		}
		desired[p.UserID] = struct{}{}
	}

	m.mu.Lock()
	var stale []*peerLink
	for id, link := range m.links {
		if _, ok := desired[id]; !ok {
			delete(m.links, id)
			stale = append(stale, link)
		}
	}
	var missing []string
	for id := range desired {
		if _, ok := m.links[id]; !ok {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	m.mu.Unlock()

	for _, link := range stale {
		link.shutdown()
		m.logger.Info("peer removed", "user_id", link.remoteID)
		if m.cfg.OnPeerClosed != nil {
			m.cfg.OnPeerClosed(link.remoteID)
		}
	}
	for _, id := range missing {
		m.addPeer(id)
	}
}

func (m *Manager) addPeer(remoteID string) {
	link, err := newPeerLink(m, remoteID, Initiates(m.cfg.LocalUserID, remoteID))
	if err != nil {
		m.logger.Error("create peer transport", "user_id", remoteID, "error", err)
		return
	}

	m.mu.Lock()
	if _, ok := m.links[remoteID]; ok {
		m.mu.Unlock()
		link.shutdown()
		return
	}
	m.links[remoteID] = link
	m.mu.Unlock()

	m.logger.Info("peer added", "user_id", remoteID, "initiator", link.initiator)
}

// HandleSignal routes one relayed signaling message. Messages addressed to
// other participants or from unknown peers are dropped; the relay fans out
// to the whole room, so both cases are routine.
func (m *Manager) HandleSignal(msg models.SignalMessage) {
	if msg.Target != m.cfg.LocalUserID {
		return
	}

	m.mu.Lock()
	link := m.links[msg.Sender]
	m.mu.Unlock()
	if link == nil {
		// An offer can outrun the presence snapshot that would have
		// created the link; build it on demand so the offer is not
		// lost. Answers and candidates without a link are stale.
		if msg.Type != models.SignalTypeOffer {
			m.logger.Debug("signal from unknown peer", "user_id", msg.Sender, "type", msg.Type)
			return
		}
		m.addPeer(msg.Sender)
		m.mu.Lock()
		link = m.links[msg.Sender]
		m.mu.Unlock()
		if link == nil {
			return
		}
	}

	switch msg.Type {
	case models.SignalTypeOffer:
		link.handleOffer(msg)
	case models.SignalTypeAnswer:
		link.handleAnswer(msg)
	case models.SignalTypeCandidate:
		link.handleCandidate(msg)
	default:
		m.logger.Debug("unknown signal type", "type", msg.Type)
	}
}

// HasPeer reports whether a connection to userID currently exists.
func (m *Manager) HasPeer(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[userID]
	return ok
}

// Peers returns the connected remote user IDs, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// IsInitiator reports whether the local side offers toward userID. The
// second return is false when no link to userID exists.
func (m *Manager) IsInitiator(userID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[userID]
	if !ok {
		return false, false
	}
	return link.initiator, true
}

// CloseAll tears down every peer connection.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	links := make([]*peerLink, 0, len(m.links))
	for id, link := range m.links {
		delete(m.links, id)
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		link.shutdown()
		if m.cfg.OnPeerClosed != nil {
			m.cfg.OnPeerClosed(link.remoteID)
		}
	}
}

func (m *Manager) send(msg models.SignalMessage) {
	msg.Sender = m.cfg.LocalUserID
	if err := m.cfg.Send(msg); err != nil {
		m.logger.Error("send signal", "type", msg.Type, "target", msg.Target, "error", err)
	}
}
