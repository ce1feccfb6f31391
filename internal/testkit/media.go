package testkit

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// FakeMedia implements rtc.MediaSource without touching a capture device.
type FakeMedia struct {
	mu     sync.Mutex
	tracks []webrtc.TrackLocal
	muted  bool
	closed bool
}

func NewFakeMedia(tracks ...webrtc.TrackLocal) *FakeMedia {
	return &FakeMedia{tracks: tracks}
}

func (m *FakeMedia) Tracks() []webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks
}

func (m *FakeMedia) SetMuted(muted bool) {
	m.mu.Lock()
	m.muted = muted
	m.mu.Unlock()
}

func (m *FakeMedia) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *FakeMedia) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *FakeMedia) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
