package rtc

import (
	"github.com/pion/webrtc/v4"
)

// PeerTransport is the slice of the WebRTC peer-connection surface the
// manager drives. *webrtc.PeerConnection satisfies it; tests substitute a
// fake so negotiation logic runs without sockets or media devices.
type PeerTransport interface {
	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnNegotiationNeeded(f func())
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	Close() error
}

// TransportFactory builds the transport for one remote peer. The remote user
// ID is informational; the pion factory ignores it.
type TransportFactory func(remoteUserID string, config webrtc.Configuration) (PeerTransport, error)

// PionFactory is the production TransportFactory.
func PionFactory(_ string, config webrtc.Configuration) (PeerTransport, error) {
	return webrtc.NewPeerConnection(config)
}

// MediaSource owns the local capture device for the lifetime of one room
// session. Its tracks are shared read-only across every peer connection;
// only the owning session may stop or replace them.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	// SetMuted silences capture at the source. Senders stay attached; a
	// muted source just stops producing audible samples.
	SetMuted(muted bool)
	Close() error
}
