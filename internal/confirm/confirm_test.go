package confirm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeISR struct{ local map[string]struct{} }

func (f *fakeISR) GetLocal() map[string]struct{} { return f.local }

type fakeAcks struct {
	max  int64
	acks map[string]int64
}

func (f *fakeAcks) FollowerAck(follower string) (int64, bool) {
	v, ok := f.acks[follower]
	return v, ok
}
func (f *fakeAcks) MaxLogOffset() int64 { return f.max }

func TestGetReturnsMaxOffsetWhenAlone(t *testing.T) {
	isr := &fakeISR{local: map[string]struct{}{}}
	acks := &fakeAcks{max: 1000}
	tr := New(ISRSourceAckPair{ISR: isr, Acks: acks})
	require.Equal(t, int64(1000), tr.Get())
}

func TestGetMinOfFollowerAcks(t *testing.T) {
	isr := &fakeISR{local: map[string]struct{}{"a": {}, "b": {}}}
	acks := &fakeAcks{max: 1000, acks: map[string]int64{"a": 800, "b": 900}}
	tr := New(ISRSourceAckPair{ISR: isr, Acks: acks})
	require.Equal(t, int64(800), tr.Get())
}

func TestOnFollowerAckGatedByMembership(t *testing.T) {
	isr := &fakeISR{local: map[string]struct{}{"a": {}}}
	acks := &fakeAcks{max: 1000, acks: map[string]int64{"a": 500}}
	tr := New(ISRSourceAckPair{ISR: isr, Acks: acks})

	tr.OnFollowerAck("not-in-isr") // no-op, no panic
	tr.Get()                       // one follower in local: min of its ack and maxLogOffset
	require.Equal(t, int64(500), tr.Get())
}

func TestResetForcesRecompute(t *testing.T) {
	isr := &fakeISR{local: map[string]struct{}{"a": {}, "b": {}}}
	acks := &fakeAcks{max: 1000, acks: map[string]int64{"a": 200, "b": 900}}
	tr := New(ISRSourceAckPair{ISR: isr, Acks: acks})
	require.Equal(t, int64(200), tr.Get())

	acks.acks["a"] = 999
	tr.Reset()
	require.Equal(t, int64(900), tr.Get())
}

func TestOnRoleChangeToLeaderSeeds(t *testing.T) {
	isr := &fakeISR{local: map[string]struct{}{}}
	acks := &fakeAcks{max: 42}
	tr := New(ISRSourceAckPair{ISR: isr, Acks: acks})
	require.Equal(t, int64(42), tr.OnRoleChangeToLeader())
}
