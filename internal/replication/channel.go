// Package replication implements the replication channel supervisor
// (C5): on a leader, the collection of inbound follower channels; on a
// follower, the single outbound channel. The wire protocol itself is a
// NATS request/reply exchange, grounded on the teacher's use of NATS
// for both its Raft transport (nats-on-a-log) and its partition
// notification inboxes (server/replicator_test.go's
// getPartitionNotificationInbox), since the original protobuf/grpc wire
// codec cannot be hand-authored without running protoc.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/epoch"
	"github.com/coreha/harep/internal/logger"
	"github.com/coreha/harep/internal/logstore"
)

// FetchRequest is what a follower publishes to ask its leader for more
// data, the hand-defined JSON equivalent of the dropped protobuf
// FetchRequest message.
type FetchRequest struct {
	FollowerID string `json:"followerId"`
	Offset     int64  `json:"offset"`
	MaxBytes   int    `json:"maxBytes"`
}

// FetchResponse carries a batch of records and the leader's current
// high watermark back to the follower.
type FetchResponse struct {
	Records       [][]byte `json:"records"`
	HighWatermark int64    `json:"highWatermark"`
	LeaderEpoch   uint32   `json:"leaderEpoch"`
	Error         string   `json:"error,omitempty"`
}

// HandshakeRequest is sent once by a follower, before it starts its
// steady-state fetch loop, declaring its own (lastEpoch, offsetInEpoch)
// per §4.5's handshake contract so the leader can detect a divergent
// tail left over from a stale leader epoch.
type HandshakeRequest struct {
	FollowerID    string `json:"followerId"`
	LastEpoch     uint32 `json:"lastEpoch"`
	OffsetInEpoch int64  `json:"offsetInEpoch"`
}

// HandshakeResponse answers a HandshakeRequest with either TruncateTo
// -1 (the follower's tail agrees with the leader's epoch history) or
// the offset the follower must discard at and above, derived from the
// leader's own epoch cache, before it may resume fetching.
type HandshakeResponse struct {
	TruncateTo  int64  `json:"truncateTo"`
	LeaderEpoch uint32 `json:"leaderEpoch"`
	Error       string `json:"error,omitempty"`
}

// NotifyNewData is the payload Supervisor.NotifyNewData publishes on a
// partition's notify subject, grounded on TestReplicatorNotifyNewData's
// subscription pattern.
type NotifyNewData struct {
	Partition string `json:"partition"`
}

func fetchSubject(partition string) string     { return fmt.Sprintf("harep.replicate.%s.fetch", partition) }
func notifySubject(partition string) string    { return fmt.Sprintf("harep.replicate.%s.notify", partition) }
func handshakeSubject(partition string) string { return fmt.Sprintf("harep.replicate.%s.handshake", partition) }

// AckHandler is invoked whenever a follower's ack is processed, feeding
// C2/C3 per the §4.5 contract.
type AckHandler func(follower string, offset int64)

// Options configures a Supervisor.
type Options struct {
	Partition         string
	NC                *nats.Conn
	Log               logstore.Log
	Epoch             *epoch.Cache
	Logger            logger.Logger
	OnAck             AckHandler
	OnDisconnect      func(follower string)
	DisconnectTimeout time.Duration
}

// Supervisor implements replica.Channels over NATS.
type Supervisor struct {
	opts Options
	log  logger.Logger

	mu           sync.Mutex
	leaderSub    *nats.Subscription
	handshakeSub *nats.Subscription
	sweepCancel  context.CancelFunc

	followerCancel context.CancelFunc
	followerWG     sync.WaitGroup

	lastSeen sync.Map // follower -> time.Time, swept for OnDisconnect

	ackLatency *hdrhistogram.Histogram
}

// New constructs a Supervisor bound to a NATS connection.
func New(opts Options) *Supervisor {
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if opts.DisconnectTimeout == 0 {
		opts.DisconnectTimeout = 2 * time.Second
	}
	return &Supervisor{
		opts:       opts,
		log:        opts.Logger,
		ackLatency: hdrhistogram.New(1, 10_000, 3),
	}
}

// ServeAsLeader subscribes to this partition's fetch and handshake
// subjects and starts the disconnect sweep, answering follower fetch
// requests out of the log store and updating ack bookkeeping on every
// request (a fetch request's Offset implicitly acknowledges everything
// below it).
func (s *Supervisor) ServeAsLeader() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fetchSub, err := s.opts.NC.Subscribe(fetchSubject(s.opts.Partition), s.handleFetch)
	if err != nil {
		return errors.Wrap(err, "subscribe fetch subject")
	}
	handshakeSub, err := s.opts.NC.Subscribe(handshakeSubject(s.opts.Partition), s.handleHandshake)
	if err != nil {
		fetchSub.Unsubscribe()
		return errors.Wrap(err, "subscribe handshake subject")
	}
	s.leaderSub = fetchSub
	s.handshakeSub = handshakeSub

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.sweepDisconnected(sweepCtx)
	return nil
}

func (s *Supervisor) handleFetch(msg *nats.Msg) {
	start := time.Now()
	var req FetchRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warnf("replication: bad fetch request: %v", err)
		return
	}
	s.lastSeen.Store(req.FollowerID, time.Now())

	if s.opts.OnAck != nil {
		s.opts.OnAck(req.FollowerID, req.Offset-1)
	}

	resp := FetchResponse{HighWatermark: s.opts.Log.HighWatermark()}
	if s.opts.Epoch != nil {
		resp.LeaderEpoch = s.opts.Epoch.LastEpoch()
	}
	newest := s.opts.Log.NewestOffset()
	for off := req.Offset; off <= newest && len(resp.Records) < 256; off++ {
		rec, err := s.opts.Log.Read(off, req.MaxBytes)
		if err != nil {
			break
		}
		resp.Records = append(resp.Records, rec)
	}

	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		s.log.Warnf("replication: respond failed: %v", err)
	}
	s.ackLatency.RecordValue(time.Since(start).Milliseconds())
}

// handleHandshake answers a follower's declared (lastEpoch,
// offsetInEpoch) with a truncation instruction derived from the
// leader's own epoch cache.
func (s *Supervisor) handleHandshake(msg *nats.Msg) {
	var req HandshakeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.log.Warnf("replication: bad handshake request: %v", err)
		return
	}
	resp := leaderHandshakeResponse(s.opts.Epoch, s.opts.Log, req)
	data, _ := json.Marshal(resp)
	if err := msg.Respond(data); err != nil {
		s.log.Warnf("replication: handshake respond failed: %v", err)
	}
}

// leaderHandshakeResponse computes the truncation instruction for a
// follower's declared epoch position, consulting the epoch cache's
// FindEpochAtOffset the way §4.5 requires: if the leader's history
// disagrees about which epoch produced the follower's last offset, the
// follower must discard its suffix back to the start of the epoch the
// leader actually recorded there. Otherwise, when the follower claims
// data beyond the leader's own log end (e.g. after a stale-leader write
// during a split-brain window), the follower is truncated back to the
// leader's own tail.
func leaderHandshakeResponse(epochs *epoch.Cache, log logstore.Log, req HandshakeRequest) HandshakeResponse {
	resp := HandshakeResponse{TruncateTo: -1}
	if epochs == nil {
		return resp
	}
	resp.LeaderEpoch = epochs.LastEpoch()

	if owner, ok := epochs.FindEpochAtOffset(req.OffsetInEpoch); ok && owner.Epoch != req.LastEpoch {
		resp.TruncateTo = owner.StartOffset
		return resp
	}
	if log != nil {
		if leaderEnd := log.NewestOffset() + 1; req.OffsetInEpoch > leaderEnd {
			resp.TruncateTo = leaderEnd
		}
	}
	return resp
}

// NotifyNewData publishes a wake-up on the partition's notify subject.
// Nothing in this package calls it on append, and the follower loop
// started by StartFollowing subscribes to that subject without reading
// from it: followers fetch on a fixed 200ms tick either way.
func (s *Supervisor) NotifyNewData() {
	data, _ := json.Marshal(NotifyNewData{Partition: s.opts.Partition})
	_ = s.opts.NC.Publish(notifySubject(s.opts.Partition), data)
}

// StopAll tears down inbound (leader) or outbound (follower) channels.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leaderSub != nil {
		s.leaderSub.Unsubscribe()
		s.leaderSub = nil
	}
	if s.handshakeSub != nil {
		s.handshakeSub.Unsubscribe()
		s.handshakeSub = nil
	}
	if s.sweepCancel != nil {
		s.sweepCancel()
		s.sweepCancel = nil
	}
	if s.followerCancel != nil {
		s.followerCancel()
		s.followerCancel = nil
	}
	s.followerWG.Wait()
}

// sweepDisconnected periodically evicts followers that have not sent a
// fetch request within DisconnectTimeout, invoking OnDisconnect so C2
// can drop them from the ISR the same way a clean channel teardown
// would, per the §4.5 "on channel close, removeOnDisconnect" contract.
func (s *Supervisor) sweepDisconnected(ctx context.Context) {
	ticker := time.NewTicker(s.opts.DisconnectTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.opts.OnDisconnect == nil {
			continue
		}
		now := time.Now()
		s.lastSeen.Range(func(k, v interface{}) bool {
			if now.Sub(v.(time.Time)) > s.opts.DisconnectTimeout {
				s.lastSeen.Delete(k)
				s.opts.OnDisconnect(k.(string))
			}
			return true
		})
	}
}

// StartFollowing negotiates a resume point against leaderAddress (a
// NATS subject prefix identifying the leader's partition, supplied by
// the caller) and begins the upstream catch-up loop.
func (s *Supervisor) StartFollowing(leaderAddress string, followerID string) error {
	if err := s.followerHandshake(leaderAddress, followerID); err != nil {
		return err
	}

	s.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	s.followerCancel = cancel
	s.mu.Unlock()

	sub, err := s.opts.NC.SubscribeSync(notifySubject(leaderAddress))
	if err != nil {
		return errors.Wrap(err, "subscribe notify subject")
	}

	s.followerWG.Add(1)
	go func() {
		defer s.followerWG.Done()
		defer sub.Unsubscribe()
		s.followLoop(ctx, leaderAddress, followerID)
	}()
	return nil
}

// followerHandshake declares this follower's own (lastEpoch,
// offsetInEpoch) to the leader and truncates the local log and epoch
// cache down to whatever resume point the leader's response demands,
// before any steady-state fetching resumes.
func (s *Supervisor) followerHandshake(leaderAddress, followerID string) error {
	var lastEpoch uint32
	if s.opts.Epoch != nil {
		lastEpoch = s.opts.Epoch.LastEpoch()
	}
	offsetInEpoch := s.opts.Log.NewestOffset() + 1

	req := HandshakeRequest{FollowerID: followerID, LastEpoch: lastEpoch, OffsetInEpoch: offsetInEpoch}
	data, _ := json.Marshal(req)
	msg, err := s.opts.NC.Request(handshakeSubject(leaderAddress), data, 5*time.Second)
	if err != nil {
		return errors.Wrap(err, "handshake request")
	}
	var resp HandshakeResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return errors.Wrap(err, "unmarshal handshake response")
	}
	if resp.Error != "" {
		return errors.New("replication: leader handshake error: " + resp.Error)
	}
	if resp.TruncateTo < 0 || resp.TruncateTo >= offsetInEpoch {
		return nil
	}

	s.log.Warnf("replication: follower %s diverged, truncating to offset %d per leader epoch negotiation", followerID, resp.TruncateTo)
	if err := s.opts.Log.Truncate(resp.TruncateTo); err != nil {
		return errors.Wrap(err, "truncate log for epoch negotiation")
	}
	if s.opts.Epoch != nil {
		if err := s.opts.Epoch.TruncateSuffixByOffset(resp.TruncateTo); err != nil {
			return errors.Wrap(err, "truncate epoch cache for epoch negotiation")
		}
	}
	return nil
}

func (s *Supervisor) followLoop(ctx context.Context, leaderAddress, followerID string) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		req := FetchRequest{
			FollowerID: followerID,
			Offset:     s.opts.Log.NewestOffset() + 1,
			MaxBytes:   1 << 20,
		}
		data, _ := json.Marshal(req)
		msg, err := s.opts.NC.Request(fetchSubject(leaderAddress), data, 5*time.Second)
		if err != nil {
			continue
		}
		var resp FetchResponse
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			continue
		}
		if len(resp.Records) > 0 {
			if _, err := appendRecords(s.opts.Log, resp.Records); err != nil {
				s.log.Errorf("replication: follower append failed: %v", err)
				continue
			}
		}
		s.opts.Log.SetHighWatermark(resp.HighWatermark)
	}
}

func appendRecords(log logstore.Log, records [][]byte) (int64, error) {
	return log.Append(records)
}

// DispatchBehindBytes reports how far derived-index dispatch lags the
// physical log. This core has no dispatcher of its own (out of scope
// per spec §1), so it always reports caught up; a real deployment wires
// this to its log store's dispatcher.
func (s *Supervisor) DispatchBehindBytes() int64 {
	return 0
}

// AckLatencySnapshot returns p99 fetch-handling latency in
// milliseconds. RuntimeInfo does not include it.
func (s *Supervisor) AckLatencySnapshot() int64 {
	return s.ackLatency.ValueAtQuantile(99)
}
