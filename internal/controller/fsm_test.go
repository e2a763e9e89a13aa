package controller

import (
	"encoding/json"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/require"
)

type fakePartitionHandle struct {
	isr   map[string]struct{}
	epoch uint32
}

func (h *fakePartitionHandle) SetSyncStateSet(set map[string]struct{}) { h.isr = set }
func (h *fakePartitionHandle) GetLastEpoch() uint32                    { return h.epoch }
func (h *fakePartitionHandle) ChangeToLeader(epoch uint32) (bool, error) {
	h.epoch = epoch
	return true, nil
}

func applyOp(t *testing.T, fsm *FSM, op Op, index uint64) {
	data, err := json.Marshal(op)
	require.NoError(t, err)
	res := fsm.Apply(&raft.Log{Data: data, Index: index})
	if err, ok := res.(error); ok {
		require.NoError(t, err)
	}
}

func TestFSMAppliesExpandISR(t *testing.T) {
	handle := &fakePartitionHandle{}
	fsm := NewFSM(func(p string) (PartitionHandle, bool) {
		if p == "part-1" {
			return handle, true
		}
		return nil, false
	}, nil)

	applyOp(t, fsm, Op{Type: OpExpandISR, Partition: "part-1", Epoch: 1, ISR: []string{"a", "b"}}, 1)
	require.Equal(t, map[string]struct{}{"a": {}, "b": {}}, handle.isr)
}

func TestFSMIdempotentUnderStaleReplay(t *testing.T) {
	handle := &fakePartitionHandle{}
	fsm := NewFSM(func(p string) (PartitionHandle, bool) { return handle, true }, nil)

	applyOp(t, fsm, Op{Type: OpExpandISR, Partition: "p", Epoch: 5, ISR: []string{"a"}}, 1)
	require.Equal(t, map[string]struct{}{"a": {}}, handle.isr)

	// a stale replay at a lower epoch must not mutate state
	applyOp(t, fsm, Op{Type: OpExpandISR, Partition: "p", Epoch: 3, ISR: []string{"b"}}, 2)
	require.Equal(t, map[string]struct{}{"a": {}}, handle.isr)
}

func TestFSMSkipsUnhostedPartition(t *testing.T) {
	fsm := NewFSM(func(p string) (PartitionHandle, bool) { return nil, false }, nil)
	applyOp(t, fsm, Op{Type: OpExpandISR, Partition: "elsewhere", Epoch: 1, ISR: []string{"a"}}, 1)
	// no panic, no error: not hosted locally
}

func TestSelectLeaderCandidatePicksLeastLoaded(t *testing.T) {
	loads := map[string]int{"a": 5, "b": 1, "c": 3}
	require.Equal(t, "b", SelectLeaderCandidate([]string{"a", "b", "c"}, loads))
}

func TestSelectLeaderCandidateEmpty(t *testing.T) {
	require.Equal(t, "", SelectLeaderCandidate(nil, nil))
}
