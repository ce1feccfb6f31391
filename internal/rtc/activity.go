package rtc

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// DefaultTickInterval is how often speaking state is sampled.
	DefaultTickInterval = 200 * time.Millisecond
	// DefaultThreshold is the mean amplitude above which a participant
	// counts as speaking, on the [0,1] scale of Level.
	DefaultThreshold = 0.02
	// levelStaleAfter is how long a pushed frame level stays valid. A
	// probe whose stream went quiet reads as silence after this.
	levelStaleAfter = 500 * time.Millisecond
)

// LevelFunc returns the current audio level of one participant's stream,
// normalized to [0,1].
type LevelFunc func() float64

// Monitor periodically samples per-participant audio levels and emits the
// set of users currently above the speaking threshold. When the local user
// is muted, their own probe is ignored so a hot mic never shows the local
// user as speaking.
type Monitor struct {
	localID   string
	interval  time.Duration
	threshold float64

	mu         sync.Mutex
	probes     map[string]LevelFunc
	localMuted bool
	speaking   map[string]struct{}

	updates chan []string
}

func NewMonitor(localID string, interval time.Duration, threshold float64) *Monitor {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		localID:   localID,
		interval:  interval,
		threshold: threshold,
		probes:    make(map[string]LevelFunc),
		speaking:  make(map[string]struct{}),
		updates:   make(chan []string, 1),
	}
}

// SetProbe registers or replaces the level probe for userID.
func (m *Monitor) SetProbe(userID string, probe LevelFunc) {
	m.mu.Lock()
	m.probes[userID] = probe
	m.mu.Unlock()
}

// RemoveProbe drops the probe for userID, typically when the peer leaves.
func (m *Monitor) RemoveProbe(userID string) {
	m.mu.Lock()
	delete(m.probes, userID)
	delete(m.speaking, userID)
	m.mu.Unlock()
}

// SetLocalMuted toggles suppression of the local user's probe.
func (m *Monitor) SetLocalMuted(muted bool) {
	m.mu.Lock()
	m.localMuted = muted
	m.mu.Unlock()
}

// Updates delivers the sorted speaking set each time it changes. The channel
// holds only the latest snapshot; a slow consumer sees the newest state.
func (m *Monitor) Updates() <-chan []string {
	return m.updates
}

// Run samples until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.mu.Lock()
	next := make(map[string]struct{}, len(m.probes))
	for id, probe := range m.probes {
		if id == m.localID && m.localMuted {
			continue
		}
		if probe() > m.threshold {
			next[id] = struct{}{}
		}
	}
	changed := len(next) != len(m.speaking)
	if !changed {
		for id := range next {
			if _, ok := m.speaking[id]; !ok {
				changed = true
				break
			}
		}
	}
	if !changed {
		m.mu.Unlock()
		return
	}
	m.speaking = next
	list := make([]string, 0, len(next))
	for id := range next {
		list = append(list, id)
	}
	m.mu.Unlock()

	sort.Strings(list)
	select {
	case m.updates <- list:
	default:
		select {
		case <-m.updates:
		default:
		}
		m.updates <- list
	}
}

// Level computes the root-mean-square amplitude of a PCM frame, normalized
// to [0,1].
func Level(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		f := float64(s) / math.MaxInt16
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}

// TrackLevel holds the most recent frame level of one media stream and
// exposes it as a LevelFunc. Levels decay to zero when frames stop arriving.
type TrackLevel struct {
	mu    sync.Mutex
	level float64
	at    time.Time
}

func (t *TrackLevel) Push(pcm []int16) {
	level := Level(pcm)
	t.mu.Lock()
	t.level = level
	t.at = time.Now()
	t.mu.Unlock()
}

func (t *TrackLevel) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Since(t.at) > levelStaleAfter {
		return 0
	}
	return t.level
}

// Decoder turns one RTP payload into PCM samples. Implementations wrap an
// audio codec; sessions without a decoder skip remote activity metering.
type Decoder interface {
	Decode(payload []byte, pcm []int16) (int, error)
}

// ReadTrackLevels drains a remote track, decoding each packet and feeding
// the frame level into tl. It returns when the track read fails, which is
// how pion signals the stream ended.
func ReadTrackLevels(track *webrtc.TrackRemote, dec Decoder, tl *TrackLevel) {
	pcm := make([]int16, 1920)
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, pcm)
		if err != nil || n == 0 {
			continue
		}
		tl.Push(pcm[:n])
	}
}
