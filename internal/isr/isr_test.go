package isr

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaybeExpandRespectsDualCondition(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()

	require.False(t, r.MaybeExpand(MaybeExpandArgs{
		Follower: "a", FollowerMaxOffset: 850, ConfirmOffset: 1000, CurrentEpochStart: 900,
	}))
	require.False(t, r.IsSynchronizing())

	require.True(t, r.MaybeExpand(MaybeExpandArgs{
		Follower: "a", FollowerMaxOffset: 1200, ConfirmOffset: 1000, CurrentEpochStart: 900,
	}))
	require.True(t, r.IsSynchronizing())
	require.Equal(t, map[string]struct{}{"a": {}}, r.GetEffective())
}

func TestExpandNotifiesListener(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{}, 2)
	r.RegisterListener(func(set map[string]struct{}) {
		mu.Lock()
		for f := range set {
			seen = append(seen, f)
		}
		mu.Unlock()
		done <- struct{}{}
	})

	r.MaybeExpand(MaybeExpandArgs{Follower: "a", FollowerMaxOffset: 10, ConfirmOffset: 0, CurrentEpochStart: 0})
	<-done
	r.Commit(map[string]struct{}{"a": {}})

	mu.Lock()
	require.Contains(t, seen, "a")
	mu.Unlock()
}

func TestCommitClearsSynchronizing(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()

	r.MaybeExpand(MaybeExpandArgs{Follower: "a", FollowerMaxOffset: 10, ConfirmOffset: 0, CurrentEpochStart: 0})
	require.True(t, r.IsSynchronizing())

	r.Commit(map[string]struct{}{"a": {}})
	require.False(t, r.IsSynchronizing())
	require.Equal(t, map[string]struct{}{"a": {}}, r.GetLocal())
}

func TestMaybeShrinkByStaleness(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: 5 * time.Second})
	defer r.Close()
	r.Commit(map[string]struct{}{"a": {}, "b": {}})

	now := time.Now()
	r.UpdateCaughtUp("a", now.UnixMilli())
	r.UpdateCaughtUp("b", now.Add(-6*time.Second).UnixMilli())

	proposed, changed := r.MaybeShrink(now)
	require.True(t, changed)
	require.Equal(t, map[string]struct{}{"a": {}}, proposed)
	require.Equal(t, 2, r.InSyncReplicaCount()) // safety: still max(before,after) while synchronizing
}

func TestInSyncReplicaCountSafety(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()
	r.Commit(map[string]struct{}{"a": {}})
	require.Equal(t, 1, r.InSyncReplicaCount())

	r.MaybeExpand(MaybeExpandArgs{Follower: "b", FollowerMaxOffset: 100, ConfirmOffset: 0, CurrentEpochStart: 0})
	require.Equal(t, 2, r.InSyncReplicaCount()) // max(|local|=1, |remote|=2)
}

func TestRemoveOnDisconnect(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()
	r.Commit(map[string]struct{}{"a": {}, "b": {}})

	r.RemoveOnDisconnect("a")
	require.True(t, r.IsSynchronizing())
	// while synchronizing the effective set is local ∪ remote ({a,b} ∪ {b})
	require.Equal(t, map[string]struct{}{"a": {}, "b": {}}, r.GetEffective())
}

func TestUpdateCaughtUpMonotonicMax(t *testing.T) {
	r := New(Options{MaxTimeSlaveNotCatchup: time.Second})
	defer r.Close()
	r.UpdateCaughtUp("a", 100)
	r.UpdateCaughtUp("a", 50) // should not regress
	v, _ := r.caughtUp.Load("a")
	require.Equal(t, int64(100), v.(int64))
}
