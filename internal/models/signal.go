package models

import "github.com/pion/webrtc/v4"

// SignalType is the kind of negotiation message carried by the relay.
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// SignalMessage is a transient negotiation message between two identified
// peers. The relay fans it out to every room subscriber; receivers must
// discard messages whose Target is not their own identity.
type SignalMessage struct {
	Type      SignalType                 `json:"type"`
	Sender    string                     `json:"sender"`
	Target    string                     `json:"target"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}
