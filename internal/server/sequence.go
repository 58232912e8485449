package server

import (
	"sync"

	"github.com/lydbydissing/rew-network-bridge/internal/protocol"
)

// SequenceUpdate describes how one sequence number relates to the previous one
type SequenceUpdate struct {
	First      bool // first packet seen since the last reset
	Gap        int  // packets presumed lost before this one
	OutOfOrder bool // duplicate or late arrival
}

// SequenceTracker estimates packet loss from 16-bit wrapping sequence numbers.
// Only forward jumps count as loss; duplicates and late arrivals are counted
// separately and never inflate the loss estimate. The last seen sequence is
// always updated, so a late arrival moves the reference point back.
type SequenceTracker struct {
	mu          sync.Mutex
	initialized bool
	last        uint16
	lost        uint64
	outOfOrder  uint64
}

// Update records seq and returns its relation to the previous packet
func (t *SequenceTracker) Update(seq uint16) SequenceUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		t.initialized = true
		t.last = seq
		return SequenceUpdate{First: true}
	}

	var u SequenceUpdate
	delta := protocol.SequenceDelta(t.last, seq)
	switch {
	case delta > 1:
		u.Gap = delta - 1
		t.lost += uint64(u.Gap)
	case delta <= 0:
		u.OutOfOrder = true
		t.outOfOrder++
	}

	t.last = seq
	return u
}

// Resync forgets the last sequence number so the next packet is treated as the first.
// Counters are kept.
func (t *SequenceTracker) Resync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.initialized = false
}

// SequenceSnapshot is a consistent view of the tracker state
type SequenceSnapshot struct {
	Last        uint16
	Initialized bool
	Lost        uint64
	OutOfOrder  uint64
}

// Snapshot returns the last sequence and both counters read under one lock
func (t *SequenceTracker) Snapshot() SequenceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SequenceSnapshot{
		Last:        t.last,
		Initialized: t.initialized,
		Lost:        t.lost,
		OutOfOrder:  t.outOfOrder,
	}
}

// Last returns the last sequence number seen and whether there is one
func (t *SequenceTracker) Last() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.initialized
}

// Lost returns the estimated number of lost packets
func (t *SequenceTracker) Lost() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// OutOfOrder returns the number of duplicate or late packets
func (t *SequenceTracker) OutOfOrder() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outOfOrder
}
