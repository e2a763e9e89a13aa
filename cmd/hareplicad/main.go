// Command hareplicad runs the harep replication core as a standalone
// node: it loads configuration, wires the five core components and the
// Raft-backed controller together, and serves a diagnostic runtime-info
// endpoint, the way the teacher's cmd/liftbridge wires its Server.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/urfave/cli"

	"github.com/coreha/harep/internal/config"
	"github.com/coreha/harep/internal/controller"
	"github.com/coreha/harep/internal/epoch"
	"github.com/coreha/harep/internal/isr"
	"github.com/coreha/harep/internal/logger"
	"github.com/coreha/harep/internal/logstore"
	"github.com/coreha/harep/internal/replica"
	"github.com/coreha/harep/internal/replication"
)

func main() {
	app := cli.NewApp()
	app.Name = "hareplicad"
	app.Usage = "auto-switching HA replication node"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML/JSON config file"},
		cli.StringFlag{Name: "diagnostic-addr", Value: ":0", Usage: "HTTP address for the runtime-info endpoint"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.NewLogger(cfg.LogLevel)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}

	store, err := logstore.Open(logstore.Options{
		Path:   cfg.DataDir + "/log",
		Logger: log,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	cipher, err := loadEpochCipher(cfg)
	if err != nil {
		return err
	}

	epochCache, err := epoch.Open(epoch.Options{
		Path:   cfg.DataDir + "/" + cfg.StorePathEpochFile,
		Logger: log,
		Cipher: cipher,
	})
	if err != nil {
		return err
	}

	isrRegistry := isr.New(isr.Options{
		Logger:                 log,
		MaxTimeSlaveNotCatchup: cfg.HAMaxTimeSlaveNotCatchup,
	})

	nc, err := nats.Connect(natsServersOrDefault(cfg))
	if err != nil {
		return err
	}
	defer nc.Close()

	// partitionHandle is assigned once replica.New returns below; OnAck
	// and OnDisconnect close over it by pointer so the replication
	// supervisor (constructed first, since the partition needs it as
	// its Channels dependency) can still reach C2/C3 on every ack and
	// disconnect, per §4.5's "on each ack processed, C5 calls
	// C2.updateCaughtUp and C2.maybeExpand, and C3.onFollowerAck".
	var partitionHandle *replica.Partition

	sup := replication.New(replication.Options{
		Partition: cfg.Clustering.Identifier,
		NC:        nc,
		Log:       store,
		Epoch:     epochCache,
		Logger:    log,
		OnAck: func(follower string, offset int64) {
			if partitionHandle != nil {
				partitionHandle.RecordFollowerAck(follower, offset)
			}
		},
		OnDisconnect: func(follower string) {
			if partitionHandle != nil {
				partitionHandle.RemoveFollowerOnDisconnect(follower)
			}
		},
	})

	partition := replica.New(replica.Options{
		Name:                     cfg.Clustering.Identifier,
		Log:                      store,
		Epoch:                    epochCache,
		ISR:                      isrRegistry,
		Channels:                 sup,
		Logger:                   log,
		TransientStorePoolEnable: cfg.TransientStorePoolEnable,
	})
	partitionHandle = partition

	ctrl, err := controller.New(controller.Options{
		NodeID:       cfg.Clustering.Identifier,
		RaftBindAddr: cfg.Clustering.RaftBindAddr,
		DataDir:      cfg.DataDir + "/raft",
		NC:           nc,
		Bootstrap:    cfg.BrokerRole == config.RoleLeader,
		Logger:       log,
		Lookup: func(name string) (controller.PartitionHandle, bool) {
			if name != cfg.Clustering.Identifier {
				return nil, false
			}
			return partition, true
		},
	})
	if err != nil {
		return err
	}

	// Drive the bootstrap role transition: a freshly started node must
	// assume a role immediately rather than waiting on a Raft-committed
	// ChangeLeader it will never see if it's the one meant to propose
	// it. Later transitions flow through ctrl's FSM (internal/controller)
	// applying OpChangeLeader/OpExpandISR against the same partition.
	switch cfg.BrokerRole {
	case config.RoleLeader:
		// ChangeToLeader tears down all channels first, so serving
		// starts only after the transition.
		if _, err := partition.ChangeToLeader(epochCache.LastEpoch() + 1); err != nil {
			return err
		}
		if err := sup.ServeAsLeader(); err != nil {
			return err
		}
	case config.RoleFollower:
		if cfg.Clustering.BootstrapLeaderAddress != "" {
			if _, err := partition.ChangeToFollower(cfg.Clustering.BootstrapLeaderAddress, epochCache.LastEpoch(), cfg.Clustering.Identifier); err != nil {
				return err
			}
		} else {
			log.Warnf("hareplicad: starting as FOLLOWER with no bootstrap-leader-address configured; waiting for a controller-driven role transition")
		}
	}

	http.HandleFunc("/runtime-info", func(w http.ResponseWriter, r *http.Request) {
		info := partition.GetRuntimeInfo(store.NewestOffset())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	})
	http.HandleFunc("/raft-status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"isRaftLeader": ctrl.IsLeader()})
	})

	log.Infof("hareplicad starting on %s as %s", cfg.Clustering.Identifier, cfg.BrokerRole)
	return http.ListenAndServe(c.String("diagnostic-addr"), nil)
}

// loadEpochCipher builds the optional at-rest cipher for the epoch
// file from cfg.EpochFileEncryptionKeyset, a path to a cleartext Tink
// AEAD keyset. Returns a nil AEAD (cleartext records) when unset.
func loadEpochCipher(cfg config.Config) (epoch.AEAD, error) {
	if cfg.EpochFileEncryptionKeyset == "" {
		return nil, nil
	}
	keysetJSON, err := os.ReadFile(cfg.EpochFileEncryptionKeyset)
	if err != nil {
		return nil, fmt.Errorf("read epoch file encryption keyset: %w", err)
	}
	cipher, err := epoch.NewCipherFromCleartextKeyset(keysetJSON)
	if err != nil {
		return nil, fmt.Errorf("build epoch file cipher: %w", err)
	}
	return cipher, nil
}

func natsServersOrDefault(cfg config.Config) string {
	if len(cfg.Clustering.NATSServers) == 0 {
		return nats.DefaultURL
	}
	url := ""
	for i, s := range cfg.Clustering.NATSServers {
		if i > 0 {
			url += ","
		}
		url += s
	}
	return url
}
