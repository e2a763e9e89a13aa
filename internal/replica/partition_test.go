package replica

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreha/harep/internal/epoch"
	"github.com/coreha/harep/internal/isr"
	"github.com/coreha/harep/internal/logstore"
)

type fakeChannels struct {
	behind        int64
	followed      string
	followerID    string
	stopped       bool
}

func (f *fakeChannels) StopAll()                                      { f.stopped = true }
func (f *fakeChannels) StartFollowing(leaderAddress, followerID string) error {
	f.followed = leaderAddress
	f.followerID = followerID
	return nil
}
func (f *fakeChannels) DispatchBehindBytes() int64 { return f.behind }

func newTestPartition(t *testing.T) (*Partition, *fakeChannels) {
	dir := t.TempDir()
	store, err := logstore.Open(logstore.Options{Path: filepath.Join(dir, "log")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	epochCache, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "epochCheckpoint")})
	require.NoError(t, err)

	registry := isr.New(isr.Options{})
	t.Cleanup(registry.Close)

	channels := &fakeChannels{}
	p := New(Options{
		Name:     "test-partition",
		Log:      store,
		Epoch:    epochCache,
		ISR:      registry,
		Channels: channels,
	})
	return p, channels
}

func TestChangeToLeaderFreshPromotion(t *testing.T) {
	p, _ := newTestPartition(t)

	ok, err := p.ChangeToLeader(1)
	require.NoError(t, err)
	require.True(t, ok)

	entries := p.GetEpochEntries()
	require.Len(t, entries, 1)
	require.Equal(t, uint32(1), entries[0].Epoch)
	require.Equal(t, RoleLeader, p.Role())
	require.Equal(t, 1, p.InSyncReplicasNums())
}

func TestChangeToLeaderRejectsStaleEpoch(t *testing.T) {
	p, _ := newTestPartition(t)
	ok, err := p.ChangeToLeader(5)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = p.ChangeToLeader(3)
	require.ErrorIs(t, err, ErrInvalidEpochOrder)
}

func TestChangeToFollowerStartsChannel(t *testing.T) {
	p, channels := newTestPartition(t)

	ok, err := p.ChangeToFollower("leader-1", 1, "follower-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "leader-1", channels.followed)
	require.Equal(t, "follower-a", channels.followerID)
	require.Equal(t, RoleFollower, p.Role())
}

func TestISRExpansionFlowsThroughPartition(t *testing.T) {
	p, _ := newTestPartition(t)
	_, err := p.ChangeToLeader(1)
	require.NoError(t, err)

	p.RecordFollowerAck("a", 0)
	p.SetSyncStateSet(map[string]struct{}{"a": {}})
	require.Equal(t, map[string]struct{}{"a": {}}, p.GetLocalSyncStateSet())
}
