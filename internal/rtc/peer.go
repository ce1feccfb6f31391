package rtc

import (
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/clusterdesk/clustercall/internal/models"
)

// peerLink wraps one transport plus its negotiation state. All SDP and
// candidate handling is serialized on mu, so glare handling sees a
// consistent signaling state.
type peerLink struct {
	remoteID  string
	initiator bool
	manager   *Manager
	logger    *slog.Logger

	mu      sync.Mutex
	pc      PeerTransport
	pending []webrtc.ICECandidateInit
	closed  bool
}

func newPeerLink(m *Manager, remoteID string, initiator bool) (*peerLink, error) {
	pc, err := m.cfg.Factory(remoteID, webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return nil, err
	}

	l := &peerLink{
		remoteID:  remoteID,
		initiator: initiator,
		manager:   m,
		logger:    m.logger.With("peer", remoteID),
		pc:        pc,
	}

	for _, track := range m.cfg.LocalTracks {
		if _, err := pc.AddTrack(track); err != nil {
			pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		m.send(models.SignalMessage{
			Type:      models.SignalTypeCandidate,
			Target:    remoteID,
			Candidate: &init,
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if m.cfg.OnRemoteTrack != nil {
			m.cfg.OnRemoteTrack(remoteID, track)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		l.logger.Info("connection state", "state", state.String())
		if m.cfg.OnPeerState != nil {
			m.cfg.OnPeerState(remoteID, state)
		}
	})
	if initiator {
		pc.OnNegotiationNeeded(func() {
			go l.negotiate()
		})
	}

	return l, nil
}

// negotiate runs the initiator-side offer flow.
func (l *peerLink) negotiate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		l.logger.Error("create offer", "error", err)
		return
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		l.logger.Error("set local offer", "error", err)
		return
	}

	desc := offer
	l.manager.send(models.SignalMessage{
		Type:   models.SignalTypeOffer,
		Target: l.remoteID,
		SDP:    &desc,
	})
}

// handleOffer applies a remote offer and replies with an answer. When the
// offer collides with one of our own, the initiator side ignores the remote
// offer and keeps its own; the responder side rolls back its local offer and
// accepts the remote one. Both sides converge on the initiator's offer.
func (l *peerLink) handleOffer(msg models.SignalMessage) {
	if msg.SDP == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		if l.initiator {
			l.logger.Debug("glare, ignoring remote offer")
			return
		}
		l.logger.Debug("glare, rolling back local offer")
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := l.pc.SetLocalDescription(rollback); err != nil {
			l.logger.Error("rollback", "error", err)
			return
		}
	}

	if err := l.pc.SetRemoteDescription(*msg.SDP); err != nil {
		l.logger.Error("set remote offer", "error", err)
		return
	}
	l.flushPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		l.logger.Error("create answer", "error", err)
		return
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		l.logger.Error("set local answer", "error", err)
		return
	}

	desc := answer
	l.manager.send(models.SignalMessage{
		Type:   models.SignalTypeAnswer,
		Target: l.remoteID,
		SDP:    &desc,
	})
}

func (l *peerLink) handleAnswer(msg models.SignalMessage) {
	if msg.SDP == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if err := l.pc.SetRemoteDescription(*msg.SDP); err != nil {
		l.logger.Error("set remote answer", "error", err)
		return
	}
	l.flushPendingLocked()
}

// handleCandidate applies a remote ICE candidate, queueing it when it
// arrives before the remote description.
func (l *peerLink) handleCandidate(msg models.SignalMessage) {
	if msg.Candidate == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}

	if l.pc.RemoteDescription() == nil {
		l.pending = append(l.pending, *msg.Candidate)
		return
	}
	if err := l.pc.AddICECandidate(*msg.Candidate); err != nil {
		l.logger.Error("add candidate", "error", err)
	}
}

func (l *peerLink) flushPendingLocked() {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Error("add queued candidate", "error", err)
		}
	}
	l.pending = nil
}

func (l *peerLink) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	if err := l.pc.Close(); err != nil {
		l.logger.Error("close transport", "error", err)
	}
}
