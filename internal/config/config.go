// Package config loads harep's configuration with viper, mirroring the
// options table the replication core recognizes.
package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// BrokerRole is an externally observed hint; the role state machine
// stamps its own state-machine version but never mutates this field.
type BrokerRole string

const (
	RoleLeader   BrokerRole = "LEADER"
	RoleFollower BrokerRole = "FOLLOWER"
)

// Clustering holds the identity and addressing this node advertises to
// the rest of the cluster and its controller.
type Clustering struct {
	Identifier       string `mapstructure:"identifier"`
	InBrokerContainer bool  `mapstructure:"in-broker-container"`
	RaftBindAddr     string `mapstructure:"raft-bind-addr"`
	NATSServers      []string `mapstructure:"nats-servers"`
	MinISR           int    `mapstructure:"min-isr"`
	// BootstrapLeaderAddress is the NATS subject prefix of this
	// partition's leader, consulted on startup so a node booting in the
	// FOLLOWER role knows who to follow without waiting on a controller
	// round trip. Empty on the node that bootstraps as LEADER.
	BootstrapLeaderAddress string `mapstructure:"bootstrap-leader-address"`
}

// Config is the root configuration object, loaded via viper from a file
// (whose path cmd/hareplicad takes as a flag) and environment variables
// (HAREP_ prefix).
type Config struct {
	DataDir                    string        `mapstructure:"data-dir"`
	StorePathEpochFile         string        `mapstructure:"store-path-epoch-file"`
	HAMaxTimeSlaveNotCatchup   time.Duration `mapstructure:"ha-max-time-slave-not-catchup"`
	BrokerRole                 BrokerRole    `mapstructure:"broker-role"`
	TransientStorePoolEnable   bool          `mapstructure:"transient-store-pool-enable"`
	LogLevel                   string        `mapstructure:"log-level"`
	// EpochFileEncryptionKeyset, when set, is a path to a cleartext Tink
	// AEAD keyset (JSON) used to encrypt epoch file records at rest.
	EpochFileEncryptionKeyset  string        `mapstructure:"epoch-file-encryption-keyset"`
	Clustering                 Clustering    `mapstructure:"clustering"`
}

// Default returns a Config with the same defaults the teacher's
// commitlog.New applies to its Options: conservative timeouts, no
// encryption, transient buffering disabled.
func Default() Config {
	return Config{
		DataDir:                  "./data",
		StorePathEpochFile:       "epochCheckpoint",
		HAMaxTimeSlaveNotCatchup: 15 * time.Second,
		BrokerRole:               RoleFollower,
		TransientStorePoolEnable: false,
		LogLevel:                 "info",
		Clustering: Clustering{
			MinISR: 1,
		},
	}
}

// Load reads configuration from path (if non-empty) layered over
// Default(), with HAREP_-prefixed environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("HAREP")
	v.AutomaticEnv()
	bind(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "load config %s", path)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "unmarshal config")
	}
	return cfg, nil
}

func bind(v *viper.Viper, cfg Config) {
	v.SetDefault("data-dir", cfg.DataDir)
	v.SetDefault("store-path-epoch-file", cfg.StorePathEpochFile)
	v.SetDefault("ha-max-time-slave-not-catchup", cfg.HAMaxTimeSlaveNotCatchup)
	v.SetDefault("broker-role", cfg.BrokerRole)
	v.SetDefault("transient-store-pool-enable", cfg.TransientStorePoolEnable)
	v.SetDefault("log-level", cfg.LogLevel)
	v.SetDefault("clustering.min-isr", cfg.Clustering.MinISR)
}
