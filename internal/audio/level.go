package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// DefaultLevelInterval is the minimum time between two level recomputations
const DefaultLevelInterval = 50 * time.Millisecond

// LevelMeter tracks the RMS level of captured 16-bit PCM, normalized to 0.0-1.0.
// Updates arriving sooner than the interval after the last recomputation are ignored.
type LevelMeter struct {
	interval time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	level   float64
	updated time.Time
}

// NewLevelMeter creates a level meter that recomputes at most once per interval
func NewLevelMeter(interval time.Duration) *LevelMeter {
	if interval <= 0 {
		interval = DefaultLevelInterval
	}
	return &LevelMeter{interval: interval, now: time.Now}
}

// Update recomputes the level from pcm if the interval has elapsed.
// It reports whether a recomputation happened.
func (m *LevelMeter) Update(pcm []byte) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.updated.IsZero() && now.Sub(m.updated) < m.interval {
		return false
	}

	m.level = RMS(pcm)
	m.updated = now
	return true
}

// Level returns the last computed level
func (m *LevelMeter) Level() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level
}

// RMS computes the normalized root-mean-square of signed 16-bit little-endian samples
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sample := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += sample * sample
	}

	rms := math.Sqrt(sum / float64(n))
	if rms > 1 {
		rms = 1
	}
	return rms
}
