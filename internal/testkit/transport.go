package testkit

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/clusterdesk/clustercall/internal/rtc"
)

// FakeTransport implements rtc.PeerTransport with an in-memory signaling
// state machine. It produces canned SDP and records every candidate and
// description it is fed, so negotiation flows can be asserted end to end.
type FakeTransport struct {
	mu sync.Mutex

	signaling  webrtc.SignalingState
	connection webrtc.PeerConnectionState
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	tracks     []webrtc.TrackLocal
	closed     bool

	onICECandidate func(*webrtc.ICECandidate)
	onTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onNegotiation  func()
	onConnState    func(webrtc.PeerConnectionState)
}

func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		signaling:  webrtc.SignalingStateStable,
		connection: webrtc.PeerConnectionStateNew,
	}
}

func (t *FakeTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

func (t *FakeTransport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connection
}

func (t *FakeTransport) CreateOffer(_ *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake offer"}, nil
}

func (t *FakeTransport) CreateAnswer(_ *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return webrtc.SessionDescription{}, errors.New("transport closed")
	}
	if t.remoteDesc == nil || t.remoteDesc.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 fake answer"}, nil
}

func (t *FakeTransport) SetLocalDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		if t.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("rollback in state %s", t.signaling)
		}
		t.localDesc = nil
		t.signaling = webrtc.SignalingStateStable
	case webrtc.SDPTypeOffer:
		if t.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("local offer in state %s", t.signaling)
		}
		d := desc
		t.localDesc = &d
		t.signaling = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		if t.signaling != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local answer in state %s", t.signaling)
		}
		d := desc
		t.localDesc = &d
		t.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unexpected local %s", desc.Type)
	}
	return nil
}

func (t *FakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		if t.signaling != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in state %s", t.signaling)
		}
		d := desc
		t.remoteDesc = &d
		t.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if t.signaling != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in state %s", t.signaling)
		}
		d := desc
		t.remoteDesc = &d
		t.signaling = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unexpected remote %s", desc.Type)
	}
	return nil
}

func (t *FakeTransport) LocalDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.localDesc
}

func (t *FakeTransport) RemoteDescription() *webrtc.SessionDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteDesc
}

func (t *FakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.New("transport closed")
	}
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *FakeTransport) AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.New("transport closed")
	}
	t.tracks = append(t.tracks, track)
	return nil, nil
}

func (t *FakeTransport) OnICECandidate(f func(*webrtc.ICECandidate)) {
	t.mu.Lock()
	t.onICECandidate = f
	t.mu.Unlock()
}

func (t *FakeTransport) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	t.mu.Lock()
	t.onTrack = f
	t.mu.Unlock()
}

// OnNegotiationNeeded fires the handler immediately in a goroutine, the way
// a real transport does once tracks are attached.
func (t *FakeTransport) OnNegotiationNeeded(f func()) {
	t.mu.Lock()
	t.onNegotiation = f
	t.mu.Unlock()
	go f()
}

func (t *FakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	t.onConnState = f
	t.mu.Unlock()
}

func (t *FakeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connection = webrtc.PeerConnectionStateClosed
	f := t.onConnState
	t.mu.Unlock()
	if f != nil {
		f(webrtc.PeerConnectionStateClosed)
	}
	return nil
}

// Closed reports whether Close was called.
func (t *FakeTransport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Candidates returns every candidate added so far.
func (t *FakeTransport) Candidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(t.candidates))
	copy(out, t.candidates)
	return out
}

// EmitICECandidate drives the gathering callback from a test.
func (t *FakeTransport) EmitICECandidate(c *webrtc.ICECandidate) {
	t.mu.Lock()
	f := t.onICECandidate
	t.mu.Unlock()
	if f != nil {
		f(c)
	}
}

// EmitConnectionState drives the connection-state callback from a test.
func (t *FakeTransport) EmitConnectionState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	t.connection = state
	f := t.onConnState
	t.mu.Unlock()
	if f != nil {
		f(state)
	}
}

// TriggerNegotiation re-fires negotiation-needed, e.g. after a track change.
func (t *FakeTransport) TriggerNegotiation() {
	t.mu.Lock()
	f := t.onNegotiation
	t.mu.Unlock()
	if f != nil {
		f()
	}
}

// Transports records the fake transports one manager creates, keyed by the
// remote user ID the factory was called for.
type Transports struct {
	mu       sync.Mutex
	byRemote map[string]*FakeTransport
	created  int
}

func NewTransports() *Transports {
	return &Transports{byRemote: make(map[string]*FakeTransport)}
}

// Factory is an rtc.TransportFactory producing FakeTransports.
func (r *Transports) Factory(remoteUserID string, _ webrtc.Configuration) (rtc.PeerTransport, error) {
	t := NewFakeTransport()
	r.mu.Lock()
	r.byRemote[remoteUserID] = t
	r.created++
	r.mu.Unlock()
	return t, nil
}

// For returns the transport created for remoteUserID, or nil.
func (r *Transports) For(remoteUserID string) *FakeTransport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byRemote[remoteUserID]
}

// Created returns how many transports the factory has built.
func (r *Transports) Created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created
}
