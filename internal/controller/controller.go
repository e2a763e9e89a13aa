package controller

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	lru "github.com/hashicorp/golang-lru"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	natslog "github.com/liftbridge-io/nats-on-a-log"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"

	"github.com/coreha/harep/internal/logger"
)

const defaultPropagateTimeout = 5 * time.Second

// leaderReport tracks witnesses of a suspected-unresponsive leader for
// one partition, grounded on the teacher's metadataAPI.leaderReport:
// once a majority of the ISR (excluding the leader) report within the
// expiry window, a leader change is triggered.
type leaderReport struct {
	mu        sync.Mutex
	witnesses map[string]struct{}
	timer     *time.Timer
}

func (r *leaderReport) addWitness(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.witnesses[id] = struct{}{}
	return len(r.witnesses)
}

func (r *leaderReport) cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
}

// Options configures a Controller.
type Options struct {
	NodeID       string
	RaftBindAddr string
	DataDir      string
	NC           *nats.Conn
	Bootstrap    bool
	Logger       logger.Logger

	Lookup PartitionLookup

	// ReportExpiry bounds how long a leaderReport accumulates witnesses
	// before it is discarded.
	ReportExpiry time.Duration
}

// Controller is the Raft-backed external supervisor: it owns the FSM,
// the Raft instance, and the quorum-witness bookkeeping for
// leader-unresponsive detection.
type Controller struct {
	opts Options
	log  logger.Logger

	raft *raft.Raft
	fsm  *FSM

	mu      sync.Mutex
	reports map[string]*leaderReport

	// snapshotCache is a 4096-entry LRU, the generalization of the
	// teacher's single cachedBrokers/lastCached pair. It is created in
	// New; no code in this package stores or reads snapshots in it.
	snapshotCache *lru.Cache
}

// New builds and starts a Controller's Raft instance.
func New(opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = logger.NewSilentLogger()
	}
	if opts.ReportExpiry == 0 {
		opts.ReportExpiry = 10 * time.Second
	}

	c := &Controller{opts: opts, log: opts.Logger, reports: map[string]*leaderReport{}}
	c.fsm = NewFSM(opts.Lookup, opts.Logger)

	cache, err := lru.New(4096)
	if err != nil {
		return nil, err
	}
	c.snapshotCache = cache

	raftConf := raft.DefaultConfig()
	raftConf.LocalID = raft.ServerID(opts.NodeID)

	transport, err := natslog.NewNATSTransport(opts.RaftBindAddr, opts.NC, 5*time.Second, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create nats raft transport")
	}

	snapshots, err := raft.NewFileSnapshotStore(opts.DataDir, 2, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create snapshot store")
	}

	boltStore, err := raftboltdb.New(raftboltdb.Options{Path: opts.DataDir + "/raft.db"})
	if err != nil {
		return nil, errors.Wrap(err, "create raft log store")
	}

	r, err := raft.NewRaft(raftConf, c.fsm, boltStore, boltStore, snapshots, transport)
	if err != nil {
		return nil, errors.Wrap(err, "create raft instance")
	}
	c.raft = r

	if opts.Bootstrap {
		cfg := raft.Configuration{Servers: []raft.Server{{ID: raftConf.LocalID, Address: transport.LocalAddr()}}}
		r.BootstrapCluster(cfg)
	}

	return c, nil
}

func (c *Controller) IsLeader() bool { return c.raft.State() == raft.Leader }

func (c *Controller) propose(op Op) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	future := c.raft.Apply(data, defaultPropagateTimeout)
	if err := future.Error(); err != nil {
		return errors.Wrap(err, "raft apply")
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

// ExpandISR proposes the Raft-replicated equivalent of C2.maybeExpand's
// proposal once it has been validated against the partition's current
// epoch.
func (c *Controller) ExpandISR(partition string, epoch uint32, isrSet map[string]struct{}) error {
	return c.propose(Op{Type: OpExpandISR, Partition: partition, Epoch: epoch, ISR: setToSlice(isrSet)})
}

// ShrinkISR proposes an ISR shrink.
func (c *Controller) ShrinkISR(partition string, epoch uint32, isrSet map[string]struct{}) error {
	return c.propose(Op{Type: OpShrinkISR, Partition: partition, Epoch: epoch, ISR: setToSlice(isrSet)})
}

// ChangeLeader proposes a new leader for partition at epoch.
func (c *Controller) ChangeLeader(partition string, epoch uint32, newLeader string) error {
	return c.propose(Op{Type: OpChangeLeader, Partition: partition, Epoch: epoch, Leader: newLeader})
}

// ReportLeader records a witness report that replicaID believes
// partition's leader is unresponsive. Once a majority of isrSize (the
// partition's ISR, excluding the leader) report within ReportExpiry, a
// ChangeLeader is proposed automatically, selecting the
// least-loaded remaining ISR member (see SelectLeaderCandidate).
func (c *Controller) ReportLeader(partition, replicaID string, epoch uint32, isrSize int, candidates []string, loads map[string]int) error {
	c.mu.Lock()
	rep, ok := c.reports[partition]
	if !ok {
		rep = &leaderReport{witnesses: map[string]struct{}{}}
		rep.timer = time.AfterFunc(c.opts.ReportExpiry, func() {
			c.mu.Lock()
			delete(c.reports, partition)
			c.mu.Unlock()
		})
		c.reports[partition] = rep
	}
	c.mu.Unlock()

	count := rep.addWitness(replicaID)
	if count <= isrSize/2 {
		return nil
	}

	rep.cancel()
	c.mu.Lock()
	delete(c.reports, partition)
	c.mu.Unlock()

	candidate := SelectLeaderCandidate(candidates, loads)
	if candidate == "" {
		return errors.New("controller: no leader candidate available")
	}
	c.log.Infof("controller: %d witnesses agree leader of %s is down, electing %s", count, partition, candidate)
	return c.ChangeLeader(partition, epoch+1, candidate)
}

// SelectLeaderCandidate picks the least-loaded candidate, resolving the
// Open Question spec.md leaves implicit (which ISR member becomes
// leader) the way the teacher's selectPartitionLeader does: sort by
// load, ascending.
func SelectLeaderCandidate(candidates []string, loads map[string]int) string {
	best := ""
	bestLoad := int(^uint(0) >> 1)
	for _, c := range candidates {
		l := loads[c]
		if l < bestLoad {
			best = c
			bestLoad = l
		}
	}
	return best
}

func setToSlice(s map[string]struct{}) []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// DiagnosticSummary renders a human-readable one-liner for a partition's
// replication lag. The runtime-info HTTP endpoint does not use it.
func DiagnosticSummary(partition string, lagBytes int64, since time.Duration) string {
	return fmt.Sprintf("%s lag=%s age=%s", partition, humanize.Bytes(uint64(lagBytes)), durafmt.Parse(since).LimitFirstN(2).String())
}
