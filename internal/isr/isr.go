// Package isr implements the in-sync replica set registry (C2): the
// dual-set (local/remote) reconfiguration protocol, the lock-free
// caught-up timestamp map, and a bounded single-consumer listener
// notification queue.
//
// The locking discipline here is the one piece of the design the
// specification calls out as load-bearing (spec §9: "do not collapse
// into a single set") and is preserved literally from the teacher's
// metadataAPI, which guards its ISR-adjacent broker/partition load maps
// with exactly one sync.RWMutex per registry.
package isr

import (
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/coreha/harep/internal/logger"
)

// Listener is invoked, serially and in proposal order, whenever
// MaybeExpand or RemoveOnDisconnect proposes a new ISR set, or Notify
// is called. MaybeShrink and Commit do not notify.
type Listener func(proposed map[string]struct{})

// Registry holds local, remote, synchronizing, the caught-up timestamp
// map, and registered listeners for a single partition.
type Registry struct {
	mu            sync.RWMutex
	local         map[string]struct{}
	remote        map[string]struct{}
	synchronizing bool

	caughtUp sync.Map // follower -> int64 (unix millis), lock-free per-key max

	log              logger.Logger
	maxNotCatchup    time.Duration

	notifyQ   *queue.Queue
	listeners []Listener
	listenMu  sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
}

// Options configures a Registry.
type Options struct {
	Logger                  logger.Logger
	MaxTimeSlaveNotCatchup  time.Duration
}

// New constructs a Registry whose local ISR initially contains only the
// caller (i.e. empty follower set) and starts its notification worker.
func New(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	r := &Registry{
		local:         map[string]struct{}{},
		remote:        map[string]struct{}{},
		log:           opts.Logger,
		maxNotCatchup: opts.MaxTimeSlaveNotCatchup,
		notifyQ:       queue.New(1024),
		done:          make(chan struct{}),
	}
	go r.notifyLoop()
	return r
}

// Close stops the notification worker. Safe to call multiple times.
func (r *Registry) Close() {
	r.stopOnce.Do(func() {
		r.notifyQ.Dispose()
		close(r.done)
	})
}

func (r *Registry) notifyLoop() {
	for {
		items, err := r.notifyQ.Get(1)
		if err != nil {
			return // disposed
		}
		set, ok := items[0].(map[string]struct{})
		if !ok {
			continue
		}
		r.listenMu.Lock()
		listeners := append([]Listener(nil), r.listeners...)
		r.listenMu.Unlock()
		for _, fn := range listeners {
			func() {
				defer func() {
					if p := recover(); p != nil {
						r.log.Errorf("isr: listener panic: %v", p)
					}
				}()
				fn(set)
			}()
		}
	}
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// MaybeExpandArgs carries the dual condition required before a follower
// can be proposed into the ISR: it must have replicated up to the
// confirm offset AND into the leader's current epoch.
type MaybeExpandArgs struct {
	Follower             string
	FollowerMaxOffset    int64
	ConfirmOffset        int64
	CurrentEpochStart    int64
}

// MaybeExpand proposes adding Follower to the ISR when it is not
// already a member and has replicated at least ConfirmOffset and
// CurrentEpochStart bytes. Returns true if a proposal was made.
func (r *Registry) MaybeExpand(a MaybeExpandArgs) bool {
	r.mu.RLock()
	_, already := r.local[a.Follower]
	r.mu.RUnlock()
	if already {
		return false
	}
	if a.FollowerMaxOffset < a.ConfirmOffset || a.FollowerMaxOffset < a.CurrentEpochStart {
		return false
	}

	r.mu.Lock()
	newSet := cloneSet(r.local)
	newSet[a.Follower] = struct{}{}
	r.remote = newSet
	r.synchronizing = true
	r.mu.Unlock()

	r.enqueueNotify(newSet)
	return true
}

// MaybeShrink evicts followers whose caught-up timestamp is older than
// maxNotCatchup. It proposes (sets remote/synchronizing) but does not
// notify listeners; the caller decides whether/when to notify.
func (r *Registry) MaybeShrink(now time.Time) (proposed map[string]struct{}, changed bool) {
	r.mu.RLock()
	current := cloneSet(r.local)
	r.mu.RUnlock()

	next := map[string]struct{}{}
	removedAny := false
	for f := range current {
		ts, ok := r.caughtUp.Load(f)
		if ok && now.Sub(time.UnixMilli(ts.(int64))) > r.maxNotCatchup {
			removedAny = true
			continue
		}
		next[f] = struct{}{}
	}
	if !removedAny {
		return current, false
	}

	r.mu.Lock()
	r.remote = next
	r.synchronizing = true
	r.mu.Unlock()

	return next, true
}

// Commit is called when the supervisor confirms a new ISR: local is
// replaced, synchronizing clears, remote becomes irrelevant.
func (r *Registry) Commit(newSet map[string]struct{}) {
	r.mu.Lock()
	r.local = cloneSet(newSet)
	r.synchronizing = false
	r.mu.Unlock()
}

// RemoveOnDisconnect atomically removes follower from the working set
// and proposes the result, notifying listeners (same path as shrink +
// notify, per the leader-side channel-teardown contract).
func (r *Registry) RemoveOnDisconnect(follower string) {
	r.mu.Lock()
	if _, ok := r.local[follower]; !ok {
		r.mu.Unlock()
		return
	}
	next := cloneSet(r.local)
	delete(next, follower)
	r.remote = next
	r.synchronizing = true
	r.mu.Unlock()

	r.caughtUp.Delete(follower)
	r.enqueueNotify(next)
}

// GetEffective returns local ∪ remote while synchronizing, else local.
func (r *Registry) GetEffective() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.synchronizing {
		return cloneSet(r.local)
	}
	out := cloneSet(r.local)
	for f := range r.remote {
		out[f] = struct{}{}
	}
	return out
}

// GetLocal returns a snapshot of local only, the set internal
// confirm-offset math binds to.
func (r *Registry) GetLocal() map[string]struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSet(r.local)
}

// InSyncReplicaCount returns max(|local|, |remote|) while synchronizing,
// else |local|. Safety-over-liveness: at least as strict as either
// endpoint of an in-flight transition.
func (r *Registry) InSyncReplicaCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.synchronizing {
		return len(r.local)
	}
	if len(r.remote) > len(r.local) {
		return len(r.remote)
	}
	return len(r.local)
}

// IsSynchronizing reports whether a proposal is currently outstanding.
func (r *Registry) IsSynchronizing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.synchronizing
}

// UpdateCaughtUp merges tsMs into the follower's caught-up timestamp by
// monotonic max, lock-free.
func (r *Registry) UpdateCaughtUp(follower string, tsMs int64) {
	for {
		v, loaded := r.caughtUp.Load(follower)
		if !loaded {
			if _, stored := r.caughtUp.LoadOrStore(follower, tsMs); stored {
				continue // lost race, retry
			}
			return
		}
		existing := v.(int64)
		if tsMs <= existing {
			return
		}
		if r.caughtUp.CompareAndSwap(follower, existing, tsMs) {
			return
		}
	}
}

// RegisterListener adds fn to the serial notification chain.
func (r *Registry) RegisterListener(fn Listener) {
	r.listenMu.Lock()
	defer r.listenMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Notify enqueues set for serial, ordered delivery to all listeners.
func (r *Registry) Notify(set map[string]struct{}) {
	r.enqueueNotify(cloneSet(set))
}

func (r *Registry) enqueueNotify(set map[string]struct{}) {
	if err := r.notifyQ.Put(set); err != nil {
		r.log.Warnf("isr: notify queue disposed, dropping proposal")
	}
}
