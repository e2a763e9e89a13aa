// Package confirm implements the confirm-offset tracker (C3): the
// single 64-bit offset up to which the log is durably replicated on
// enough followers, computed from live follower acknowledgements
// restricted to the local ISR.
package confirm

import (
	"sync"
	"sync/atomic"
)

// AckSource supplies the per-follower acknowledged offsets and the
// leader's current max log offset; it is satisfied by the replication
// channel supervisor (C5).
type AckSource interface {
	// FollowerAck returns the last acknowledged offset for follower, or
	// false if no channel for it exists.
	FollowerAck(follower string) (int64, bool)
	MaxLogOffset() int64
}

// ISRSource supplies the set the tracker's computation binds to: always
// the local ISR, never the effective (local ∪ remote) one, so the
// confirm offset only reflects what the leader actually enforces.
type ISRSource interface {
	GetLocal() map[string]struct{}
}

// Tracker holds the current confirm offset for one leader term.
type Tracker struct {
	offset int64 // atomic; -1 means "not yet computed"
	mu     sync.Mutex

	acks ISRSourceAckPair
}

// ISRSourceAckPair bundles the two collaborators the tracker reads from.
type ISRSourceAckPair struct {
	ISR  ISRSource
	Acks AckSource
}

// New constructs a Tracker seeded to -1, per spec §4.3.
func New(pair ISRSourceAckPair) *Tracker {
	t := &Tracker{acks: pair}
	atomic.StoreInt64(&t.offset, -1)
	return t
}

// Get returns maxLogOffset when the local ISR holds no followers (the
// leader alone); otherwise returns the cached value unless it is still
// unset (<= 0), in which case it computes lazily. The leader-alone case
// always reads maxLogOffset directly rather than trusting a stale
// cache, so a shrink down to the leader alone is never masked.
func (t *Tracker) Get() int64 {
	local := t.acks.ISR.GetLocal()
	if len(local) == 0 {
		return t.acks.Acks.MaxLogOffset()
	}
	cur := atomic.LoadInt64(&t.offset)
	if cur > 0 {
		return cur
	}
	return t.compute(local)
}

func (t *Tracker) compute(local map[string]struct{}) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	maxOffset := t.acks.Acks.MaxLogOffset()
	if len(local) == 0 {
		atomic.StoreInt64(&t.offset, maxOffset)
		return maxOffset
	}

	min := maxOffset
	any := false
	for f := range local {
		ack, ok := t.acks.Acks.FollowerAck(f)
		if !ok {
			continue
		}
		any = true
		if ack < min {
			min = ack
		}
	}
	if !any {
		min = maxOffset
	}
	atomic.StoreInt64(&t.offset, min)
	return min
}

// OnFollowerAck recomputes only if follower is a member of local, a
// cheap membership gate before paying for a full recompute.
func (t *Tracker) OnFollowerAck(follower string) {
	local := t.acks.ISR.GetLocal()
	if _, ok := local[follower]; !ok {
		return
	}
	t.compute(local)
}

// OnISRCommit recomputes unconditionally, called after the ISR registry
// commits a new local set.
func (t *Tracker) OnISRCommit() {
	t.compute(t.acks.ISR.GetLocal())
}

// OnRoleChangeToLeader sets the confirm offset to the freshly computed
// value immediately, before the node accepts writes as leader.
func (t *Tracker) OnRoleChangeToLeader() int64 {
	v := t.compute(t.acks.ISR.GetLocal())
	return v
}

// Reset clears the cached value, used across a leader handoff so a new
// term starts from an explicit recompute rather than a stale cache.
func (t *Tracker) Reset() {
	atomic.StoreInt64(&t.offset, -1)
}
