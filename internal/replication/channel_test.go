package replication

import (
	"path/filepath"
	"testing"
	"time"

	natsdTest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/coreha/harep/internal/epoch"
	"github.com/coreha/harep/internal/logstore"
)

func TestLeaderHandshakeResponseNoDivergence(t *testing.T) {
	dir := t.TempDir()
	epochs, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "epochCheckpoint")})
	require.NoError(t, err)
	require.NoError(t, epochs.Append(epoch.Entry{Epoch: 1, StartOffset: 0}))

	resp := leaderHandshakeResponse(epochs, nil, HandshakeRequest{LastEpoch: 1, OffsetInEpoch: 5})
	require.Equal(t, int64(-1), resp.TruncateTo)
	require.Equal(t, uint32(1), resp.LeaderEpoch)
}

func TestLeaderHandshakeResponseDivergedEpoch(t *testing.T) {
	dir := t.TempDir()
	epochs, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "epochCheckpoint")})
	require.NoError(t, err)
	require.NoError(t, epochs.Append(epoch.Entry{Epoch: 1, StartOffset: 0}))
	require.NoError(t, epochs.Append(epoch.Entry{Epoch: 3, StartOffset: 100}))

	// the follower thinks offset 150 was produced under epoch 2, but the
	// leader's history says epoch 3 owns that offset: the follower must
	// discard its suffix back to where epoch 3 actually began.
	resp := leaderHandshakeResponse(epochs, nil, HandshakeRequest{LastEpoch: 2, OffsetInEpoch: 150})
	require.Equal(t, int64(100), resp.TruncateTo)
}

func TestLeaderHandshakeResponseFollowerAheadOfLeader(t *testing.T) {
	dir := t.TempDir()
	epochs, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "epochCheckpoint")})
	require.NoError(t, err)
	require.NoError(t, epochs.Append(epoch.Entry{Epoch: 1, StartOffset: 0}))

	store, err := logstore.Open(logstore.Options{Path: filepath.Join(dir, "log")})
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Append([][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	// the follower claims it already has offset 50 under epoch 1, but the
	// leader's own log only extends to offset 1 (newest+1 == 2).
	resp := leaderHandshakeResponse(epochs, store, HandshakeRequest{LastEpoch: 1, OffsetInEpoch: 50})
	require.Equal(t, int64(2), resp.TruncateTo)
}

func newTestNATSConn(t *testing.T) *nats.Conn {
	ns := natsdTest.RunDefaultServer()
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(nats.DefaultURL)
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// TestFollowerHandshakeTruncatesOnDivergence drives the full wire path:
// a leader whose only epoch (5) began at offset 0 answers a diverged
// follower's handshake, and the follower truncates its own log and
// epoch cache before StartFollowing returns.
func TestFollowerHandshakeTruncatesOnDivergence(t *testing.T) {
	nc := newTestNATSConn(t)
	dir := t.TempDir()

	leaderLog, err := logstore.Open(logstore.Options{Path: filepath.Join(dir, "leader-log")})
	require.NoError(t, err)
	defer leaderLog.Close()
	_, err = leaderLog.Append([][]byte{[]byte("r0")})
	require.NoError(t, err)

	leaderEpochs, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "leader-epoch")})
	require.NoError(t, err)
	require.NoError(t, leaderEpochs.Append(epoch.Entry{Epoch: 5, StartOffset: 0}))

	leader := New(Options{Partition: "p1", NC: nc, Log: leaderLog, Epoch: leaderEpochs})
	require.NoError(t, leader.ServeAsLeader())
	defer leader.StopAll()

	followerLog, err := logstore.Open(logstore.Options{Path: filepath.Join(dir, "follower-log")})
	require.NoError(t, err)
	defer followerLog.Close()
	_, err = followerLog.Append([][]byte{[]byte("stale0"), []byte("stale1"), []byte("stale2")})
	require.NoError(t, err)

	followerEpochs, err := epoch.Open(epoch.Options{Path: filepath.Join(dir, "follower-epoch")})
	require.NoError(t, err)
	require.NoError(t, followerEpochs.Append(epoch.Entry{Epoch: 2, StartOffset: 0}))

	follower := New(Options{Partition: "p1", NC: nc, Log: followerLog, Epoch: followerEpochs})
	require.NoError(t, follower.StartFollowing("p1", "follower-a"))
	defer follower.StopAll()

	// the follower claimed epoch 2 at offset 3, but the leader's only
	// known epoch (5) started at offset 0, so the follower's entire
	// divergent tail must have been discarded during the handshake.
	require.Eventually(t, func() bool {
		return followerLog.NewestOffset() == -1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, uint32(0), followerEpochs.LastEpoch())
}
