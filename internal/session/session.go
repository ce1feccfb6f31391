package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/clusterdesk/clustercall/internal/models"
	"github.com/clusterdesk/clustercall/internal/rtc"
)

// Config assembles one room session. Presence, Signaler and Media are
// mandatory; a single RealtimeClient can serve as both Presence and
// Signaler. Factory defaults to the pion transport.
type Config struct {
	Self     models.PresenceState
	Presence Presence
	Signaler Signaler
	Media    rtc.MediaSource

	Factory    rtc.TransportFactory
	ICEServers []webrtc.ICEServer

	// Decoder enables remote speaking detection. Without one, remote
	// tracks still flow but only the local probe feeds the monitor.
	Decoder rtc.Decoder
	// LocalLevel is the probe for the local capture stream.
	LocalLevel rtc.LevelFunc

	TickInterval      time.Duration
	SpeakingThreshold float64

	Logger *slog.Logger
}

// Session wires presence, signaling, peer connections and activity metering
// into one running call membership. A Session is single-use: after Close it
// cannot be rejoined, build a new one instead.
type Session struct {
	id      string
	cfg     Config
	logger  *slog.Logger
	manager *rtc.Manager
	monitor *rtc.Monitor

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	peerStates map[string]webrtc.PeerConnectionState
	lastSync   []models.PresenceState

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	logger = logger.With("component", "session", "session_id", id, "user_id", cfg.Self.UserID)

	s := &Session{
		id:         id,
		cfg:        cfg,
		logger:     logger,
		peerStates: make(map[string]webrtc.PeerConnectionState),
		done:       make(chan struct{}),
	}
	s.monitor = rtc.NewMonitor(cfg.Self.UserID, cfg.TickInterval, cfg.SpeakingThreshold)

	var tracks []webrtc.TrackLocal
	if cfg.Media != nil {
		tracks = cfg.Media.Tracks()
	}
	s.manager = rtc.NewManager(rtc.ManagerConfig{
		LocalUserID: cfg.Self.UserID,
		Send:        cfg.Signaler.Send,
		Factory:     cfg.Factory,
		ICEServers:  cfg.ICEServers,
		LocalTracks: tracks,
		Logger:      logger,
		OnRemoteTrack: func(userID string, track *webrtc.TrackRemote) {
			s.attachRemoteTrack(userID, track)
		},
		OnPeerState: func(userID string, state webrtc.PeerConnectionState) {
			s.mu.Lock()
			s.peerStates[userID] = state
			s.mu.Unlock()
		},
		OnPeerClosed: func(userID string) {
			s.monitor.RemoveProbe(userID)
			s.mu.Lock()
			delete(s.peerStates, userID)
			s.mu.Unlock()
		},
	})
	return s
}

// Join announces presence and starts the reconcile and metering loops. The
// session runs until Close or until ctx is cancelled.
func (s *Session) Join(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.cfg.Presence.Join(s.ctx, s.cfg.Self); err != nil {
		s.cancel()
		return err
	}
	if s.cfg.LocalLevel != nil {
		s.monitor.SetProbe(s.cfg.Self.UserID, s.cfg.LocalLevel)
	}
	s.monitor.SetLocalMuted(s.cfg.Self.IsMuted)

	go s.monitor.Run(s.ctx)
	go s.run()
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case states, ok := <-s.cfg.Presence.Sync():
			if !ok {
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			s.mu.Lock()
			s.lastSync = states
			s.mu.Unlock()
			s.manager.Reconcile(states)
		case msg, ok := <-s.cfg.Signaler.Messages():
			if !ok {
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			s.manager.HandleSignal(msg)
		}
	}
}

func (s *Session) attachRemoteTrack(userID string, track *webrtc.TrackRemote) {
	s.logger.Info("remote track", "user_id", userID, "codec", track.Codec().MimeType)
	if s.cfg.Decoder == nil {
		return
	}
	tl := &rtc.TrackLevel{}
	s.monitor.SetProbe(userID, tl.Level)
	go rtc.ReadTrackLevels(track, s.cfg.Decoder, tl)
}

// SetMuted silences local capture and republishes presence so other
// participants render the mute state.
func (s *Session) SetMuted(muted bool) error {
	if s.cfg.Media != nil {
		s.cfg.Media.SetMuted(muted)
	}
	s.monitor.SetLocalMuted(muted)
	return s.cfg.Presence.Update(func(st *models.PresenceState) {
		st.IsMuted = muted
	})
}

// ID identifies this session instance, distinguishing reconnects by the
// same user.
func (s *Session) ID() string {
	return s.id
}

// Speaking delivers the set of participants above the speaking threshold
// whenever it changes.
func (s *Session) Speaking() <-chan []string {
	return s.monitor.Updates()
}

// Participants returns the most recent membership snapshot.
func (s *Session) Participants() []models.PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PresenceState, len(s.lastSync))
	copy(out, s.lastSync)
	return out
}

// PeerStates returns the current connection state per remote participant.
func (s *Session) PeerStates() map[string]webrtc.PeerConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]webrtc.PeerConnectionState, len(s.peerStates))
	for id, st := range s.peerStates {
		out[id] = st
	}
	return out
}

// Peers returns the remote user IDs with live connections.
func (s *Session) Peers() []string {
	return s.manager.Peers()
}

// Close tears the session down in a fixed order: stop the loops, close
// every peer connection, release capture, then withdraw presence. It runs
// the full sequence exactly once regardless of how the session exits.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.manager.CloseAll()
		if s.cfg.Media != nil {
			if err := s.cfg.Media.Close(); err != nil {
				s.logger.Error("close media", "error", err)
			}
		}
		if err := s.cfg.Presence.Leave(); err != nil {
			s.logger.Debug("leave presence", "error", err)
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Done closes once the session's run loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
