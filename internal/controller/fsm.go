// Package controller implements the external supervisor referenced
// throughout spec.md (§1 "cluster controller that authorizes role
// changes"): a Raft-replicated FSM that accepts ExpandISR/ShrinkISR/
// ChangeLeader/ReportLeader operations and, once committed, invokes the
// corresponding internal/replica operations locally.
//
// Grounded on the teacher's server/metadata.go (propose-then-apply
// pattern, leaderReport witness quorum) and server/fsm.go (idempotency
// checks, raft.FSM wiring) from the sdrees-liftbridge reference.
package controller

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/logger"
)

// OpType enumerates the Raft-replicated operations, the hand-rolled
// equivalent of the teacher's proto.Op enum.
type OpType int

const (
	OpExpandISR OpType = iota
	OpShrinkISR
	OpChangeLeader
	OpReportLeader
)

// Op is one Raft log entry.
type Op struct {
	Type      OpType
	Partition string
	Epoch     uint32
	ISR       []string
	Leader    string
}

// PartitionHandle is the subset of *replica.Partition the FSM mutates.
type PartitionHandle interface {
	SetSyncStateSet(set map[string]struct{})
	GetLastEpoch() uint32
	ChangeToLeader(epoch uint32) (bool, error)
}

// PartitionLookup resolves a partition name to its local handle, nil if
// this node does not host it.
type PartitionLookup func(partition string) (PartitionHandle, bool)

// FSM applies committed Raft log entries to local partition state.
type FSM struct {
	mu      sync.Mutex
	lookup  PartitionLookup
	log     logger.Logger
	epochs  map[string]uint32 // idempotency: last applied epoch per partition
}

// NewFSM constructs an FSM that resolves partitions via lookup.
func NewFSM(lookup PartitionLookup, log logger.Logger) *FSM {
	if log == nil {
		log = logger.NewSilentLogger()
	}
	return &FSM{lookup: lookup, log: log, epochs: map[string]uint32{}}
}

// Apply implements raft.FSM.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var op Op
	if err := json.Unmarshal(l.Data, &op); err != nil {
		f.log.Errorf("controller: corrupt raft log entry: %v", err)
		return err
	}
	return f.apply(op)
}

func (f *FSM) apply(op Op) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Idempotency check mirrored from the teacher's applyShrinkISR/
	// applyExpandISR/applyChangeStreamLeader: a stale replay of an
	// already-applied epoch is a no-op.
	if last, ok := f.epochs[op.Partition]; ok && last >= op.Epoch && op.Type != OpReportLeader {
		return nil
	}

	handle, ok := f.lookup(op.Partition)
	if !ok {
		return nil // not hosted locally, nothing to apply
	}

	switch op.Type {
	case OpExpandISR, OpShrinkISR:
		set := make(map[string]struct{}, len(op.ISR))
		for _, r := range op.ISR {
			set[r] = struct{}{}
		}
		handle.SetSyncStateSet(set)
		f.epochs[op.Partition] = op.Epoch
	case OpChangeLeader:
		if _, err := handle.ChangeToLeader(op.Epoch); err != nil {
			return err
		}
		f.epochs[op.Partition] = op.Epoch
	case OpReportLeader:
		// Leader-unresponsive witness reports do not themselves mutate
		// partition state; the controller layer above tallies quorum
		// and issues a follow-up OpChangeLeader once reached.
	}
	return nil
}

type fsmSnapshot struct {
	Epochs map[string]uint32
}

// Snapshot implements raft.FSM.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make(map[string]uint32, len(f.epochs))
	for k, v := range f.epochs {
		cp[k] = v
	}
	return &fsmSnapshot{Epochs: cp}, nil
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := json.Marshal(s)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}

// Restore implements raft.FSM.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return errors.Wrap(err, "read snapshot")
	}
	var snap fsmSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return errors.Wrap(err, "unmarshal snapshot")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.epochs = snap.Epochs
	return nil
}
