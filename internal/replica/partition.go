// Package replica implements the role state machine (C4): the
// leader/follower transition procedures, tail validation orchestration,
// and the single owning value (per spec §9: "no ambient globals") that
// threads the epoch cache, ISR registry, confirm-offset tracker, log
// store, and replication channels together for one partition.
package replica

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/confirm"
	"github.com/coreha/harep/internal/epoch"
	"github.com/coreha/harep/internal/isr"
	"github.com/coreha/harep/internal/logger"
	"github.com/coreha/harep/internal/logstore"
)

// Role identifies which side of the wire protocol a partition is
// currently playing.
type Role int

const (
	RoleUninitialized Role = iota
	RoleLeader
	RoleFollower
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "LEADER"
	case RoleFollower:
		return "FOLLOWER"
	default:
		return "UNINITIALIZED"
	}
}

// Channels is the contract this package depends on for C5 (the
// replication channel supervisor), kept deliberately narrow so the
// wire-level implementation (internal/replication) stays swappable.
type Channels interface {
	// StopAll tears down every channel: inbound follower channels on a
	// leader, the single outbound channel on a follower.
	StopAll()
	// StartFollowing begins the upstream catch-up protocol against
	// leaderAddress, consulting the epoch cache to negotiate a resume
	// offset.
	StartFollowing(leaderAddress string, followerID string) error
	// DispatchBehindBytes reports how far derived-index dispatch lags
	// the physical log; 0 once caught up.
	DispatchBehindBytes() int64
}

var (
	ErrInvalidEpochOrder  = errors.New("replica: invalid epoch order")
	ErrLogTruncation      = errors.New("replica: log truncation failed")
	ErrStartFollowerFail  = errors.New("replica: start follower failed")
	ErrAlreadyTransitioning = errors.New("replica: role transition already in progress")
)

// Options constructs a Partition.
type Options struct {
	Name                   string
	Log                    logstore.Log
	Epoch                  *epoch.Cache
	ISR                    *isr.Registry
	Channels               Channels
	Logger                 logger.Logger
	DispatchDrainPoll      time.Duration
	DispatchDrainCeiling   time.Duration
	TransientStorePoolEnable bool
}

// Partition is the single owning value for one replicated partition's
// HA state, composed (not inherited) from C1-C5, per spec §9.
type Partition struct {
	name     string
	log      logstore.Log
	epochs   *epoch.Cache
	isr      *isr.Registry
	channels Channels
	logger   logger.Logger
	confirm  *confirm.Tracker

	drainPoll    time.Duration
	drainCeiling time.Duration
	transientPool bool

	mu               sync.Mutex // serializes role transitions
	role             Role
	stateMachineVer  uint64
	leaderAddress    string
	followerID       string

	ackSource *partitionAckSource
}

// partitionAckSource adapts the replication channel supervisor into the
// confirm.AckSource interface.
type partitionAckSource struct {
	log      logstore.Log
	ackByFollower sync.Map // follower -> int64
}

func (a *partitionAckSource) FollowerAck(follower string) (int64, bool) {
	v, ok := a.ackByFollower.Load(follower)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}
func (a *partitionAckSource) MaxLogOffset() int64 { return a.log.NewestOffset() }

// RecordFollowerAck is called by the replication channel supervisor (C5)
// whenever it processes an ack from a follower.
func (p *Partition) RecordFollowerAck(follower string, offset int64) {
	p.ackSource.ackByFollower.Store(follower, offset)
	// Per the data model, caught-up timestamps only advance when the
	// follower's ack reaches the leader's current max log offset, not on
	// every ack.
	if offset >= p.log.NewestOffset() {
		p.isr.UpdateCaughtUp(follower, time.Now().UnixMilli())
	}
	p.confirm.OnFollowerAck(follower)

	if last, ok := p.epochs.LastEntry(); ok {
		p.isr.MaybeExpand(isr.MaybeExpandArgs{
			Follower:          follower,
			FollowerMaxOffset: offset,
			ConfirmOffset:     p.confirm.Get(),
			CurrentEpochStart: last.StartOffset,
		})
	}
}

// New constructs a Partition in the UNINITIALIZED role.
func New(opts Options) *Partition {
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if opts.DispatchDrainPoll == 0 {
		opts.DispatchDrainPoll = 100 * time.Millisecond
	}
	if opts.DispatchDrainCeiling == 0 {
		opts.DispatchDrainCeiling = 30 * time.Second
	}

	ackSrc := &partitionAckSource{log: opts.Log}
	p := &Partition{
		name:          opts.Name,
		log:           opts.Log,
		epochs:        opts.Epoch,
		isr:           opts.ISR,
		channels:      opts.Channels,
		logger:        opts.Logger,
		drainPoll:     opts.DispatchDrainPoll,
		drainCeiling:  opts.DispatchDrainCeiling,
		transientPool: opts.TransientStorePoolEnable,
		role:          RoleUninitialized,
		ackSource:     ackSrc,
	}
	p.confirm = confirm.New(confirm.ISRSourceAckPair{ISR: opts.ISR, Acks: ackSrc})
	return p
}

// Init is a no-op placeholder for symmetry with the exposed-operations
// list in spec §6; construction already opens the log store and epoch
// cache, and there is no extra setup to perform. Shutdown tears down
// all replication channels and stops the ISR notification worker.
func (p *Partition) Init() error { return nil }

func (p *Partition) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels.StopAll()
	p.isr.Close()
	return nil
}

// ChangeToLeader implements the §4.4.1 procedure.
func (p *Partition) ChangeToLeader(newEpoch uint32) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newEpoch < p.epochs.LastEpoch() {
		return false, ErrInvalidEpochOrder
	}

	// 1. Tear down existing replication channels.
	p.channels.StopAll()

	// 2. (stop follower channel) folded into StopAll for this channel
	// abstraction; StopAll is idempotent whether the prior role held
	// inbound or outbound channels.

	// 3. Truncate dirty tail.
	behind := p.channels.DispatchBehindBytes()
	truncateFrom := p.log.NewestOffset() - behind
	if behind <= 0 {
		truncateFrom = -1
	}
	truncatedTo := int64(-1)
	if truncateFrom >= 0 {
		t, err := p.log.ValidateTail(truncateFrom)
		if err != nil {
			return false, errors.Wrap(ErrLogTruncation, err.Error())
		}
		truncatedTo = t
		if truncatedTo >= 0 {
			if err := p.log.Truncate(truncatedTo); err != nil {
				return false, errors.Wrap(ErrLogTruncation, err.Error())
			}
		}
	}

	// 4. Reset the ISR to the leader alone and reseed the confirm
	// offset from the post-truncation log: with no followers it
	// collapses to maxLogOffset.
	p.isr.Commit(map[string]struct{}{})
	p.confirm.Reset()
	p.confirm.OnRoleChangeToLeader()

	// 5. Reconcile epoch cache.
	if truncatedTo >= 0 {
		if err := p.epochs.TruncateSuffixByOffset(truncatedTo); err != nil {
			return false, err
		}
	}
	if p.epochs.LastEpoch() >= newEpoch {
		if err := p.epochs.TruncateSuffixByEpoch(newEpoch); err != nil {
			return false, err
		}
	}

	// 6. Append new epoch entry starting at the next offset to be
	// written after truncation (NewestOffset()+1).
	if err := p.epochs.Append(epoch.Entry{Epoch: newEpoch, StartOffset: p.log.NewestOffset() + 1}); err != nil {
		return false, err
	}

	// 7. Drain dispatcher: bounded-sleep poll until dispatch has caught
	// up, per spec §9 (replaceable with a condition variable when the
	// dispatcher can supply one; this core doesn't own a dispatcher, so
	// the bounded poll is preserved as documented fallback behavior).
	deadline := time.Now().Add(p.drainCeiling)
	for p.channels.DispatchBehindBytes() != 0 {
		if time.Now().After(deadline) {
			p.logger.Warnf("replica %s: dispatch drain exceeded %s, proceeding anyway", p.name, p.drainCeiling)
			break
		}
		time.Sleep(p.drainPoll)
	}

	// 8. Commit transient buffers: switch the pool to real-commit mode.
	if p.transientPool {
		p.log.SetReadonly(false)
	}

	// 9. Rebuild topic-queue metadata: out of scope for this core (the
	// log store's dispatcher owns derived indexes); nothing to do here.

	// 10. Publish state-machine version.
	p.role = RoleLeader
	p.stateMachineVer = uint64(newEpoch)
	p.leaderAddress = ""
	p.followerID = ""

	return true, nil
}

// ChangeToFollower implements the §4.4.2 procedure.
func (p *Partition) ChangeToFollower(leaderAddress string, newEpoch uint32, followerID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newEpoch < p.epochs.LastEpoch() {
		return false, ErrInvalidEpochOrder
	}

	// 1. Tear down existing replication channels.
	p.channels.StopAll()

	// 2 & 3. Ensure a follower client exists and start it; it negotiates
	// a truncation point against the leader using the epoch cache.
	if err := p.channels.StartFollowing(leaderAddress, followerID); err != nil {
		return false, errors.Wrap(ErrStartFollowerFail, err.Error())
	}

	// 4. Transient buffer pool: switch to buffered mode on a follower.
	if p.transientPool {
		p.log.SetReadonly(true)
	}

	// 5. Publish state-machine version.
	p.role = RoleFollower
	p.stateMachineVer = uint64(newEpoch)
	p.leaderAddress = leaderAddress
	p.followerID = followerID

	return true, nil
}

func (p *Partition) UpdateConnectionLastCaughtUpTime(follower string, ts time.Time) {
	p.isr.UpdateCaughtUp(follower, ts.UnixMilli())
}

// RemoveFollowerOnDisconnect is called by the replication channel
// supervisor (C5) when a follower channel is judged disconnected (no
// fetch request within its timeout), dropping it from the ISR the same
// way a clean teardown would per §4.5.
func (p *Partition) RemoveFollowerOnDisconnect(follower string) {
	p.isr.RemoveOnDisconnect(follower)
	p.ackSource.ackByFollower.Delete(follower)
}

func (p *Partition) MaybeExpandISR(follower string, followerOffset int64) {
	last, ok := p.epochs.LastEntry()
	var epochStart int64
	if ok {
		epochStart = last.StartOffset
	}
	p.isr.MaybeExpand(isr.MaybeExpandArgs{
		Follower:          follower,
		FollowerMaxOffset: followerOffset,
		ConfirmOffset:     p.confirm.Get(),
		CurrentEpochStart: epochStart,
	})
}

func (p *Partition) MaybeShrinkISR() map[string]struct{} {
	proposed, _ := p.isr.MaybeShrink(time.Now())
	return proposed
}

func (p *Partition) SetSyncStateSet(set map[string]struct{}) {
	p.isr.Commit(set)
	p.confirm.OnISRCommit()
}

func (p *Partition) GetSyncStateSet() map[string]struct{}      { return p.isr.GetEffective() }
func (p *Partition) GetLocalSyncStateSet() map[string]struct{} { return p.isr.GetLocal() }
// InSyncReplicasNums counts the leader itself plus the registry's
// follower count, so a leader alone reports 1.
func (p *Partition) InSyncReplicasNums() int { return p.isr.InSyncReplicaCount() + 1 }

func (p *Partition) GetConfirmOffset() int64     { return p.confirm.Get() }
// UpdateConfirmOffset forces a recompute on the next read; the spec
// exposes this operation without prescribing that callers can pin an
// arbitrary value (confirm offset is always derived from follower acks
// restricted to the local ISR), so it is implemented as a cache
// invalidation rather than a direct setter.
func (p *Partition) UpdateConfirmOffset(int64) { p.confirm.Reset() }

func (p *Partition) GetLastEpoch() uint32        { return p.epochs.LastEpoch() }
func (p *Partition) GetEpochEntries() []epoch.Entry { return p.epochs.AllEntries() }

func (p *Partition) TruncateEpochFilePrefix(offset int64) error {
	return p.epochs.TruncatePrefixByOffset(offset)
}

func (p *Partition) TruncateEpochFileSuffix(offset int64) error {
	return p.epochs.TruncateSuffixByOffset(offset)
}

func (p *Partition) RegisterSyncStateSetChangedListener(fn func(map[string]struct{})) {
	p.isr.RegisterListener(isr.Listener(fn))
}

func (p *Partition) Role() Role { return p.role }

// RuntimeInfo is the diagnostic snapshot described in spec §6.
type RuntimeInfo struct {
	IsLeader        bool
	MasterAddress   string
	MaxOffset       int64
	InSyncSlaveNums int
	Connections     []ConnectionInfo
}

// ConnectionInfo describes one leader-side follower channel.
type ConnectionInfo struct {
	FollowerAddress   string
	SlaveAckOffset    int64
	Diff              int64
	InSync            bool
}

func (p *Partition) GetRuntimeInfo(masterPutWhere int64) RuntimeInfo {
	info := RuntimeInfo{
		IsLeader:      p.role == RoleLeader,
		MasterAddress: p.leaderAddress,
		MaxOffset:     p.log.NewestOffset(),
	}
	if p.role == RoleLeader {
		local := p.isr.GetLocal()
		info.InSyncSlaveNums = len(local)
		for f := range local {
			ack, _ := p.ackSource.FollowerAck(f)
			info.Connections = append(info.Connections, ConnectionInfo{
				FollowerAddress: f,
				SlaveAckOffset:  ack,
				Diff:            masterPutWhere - ack,
				InSync:          true,
			})
		}
	}
	return info
}
