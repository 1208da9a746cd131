// Package config loads the top-level node configuration, assembling the
// per-component configs every other package exposes. Loaded from YAML via
// gopkg.in/yaml.v3, the same library the teacher's lineage of proglog
// descendants uses for node config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lipandr/dlog/internal/discovery"
	"github.com/lipandr/dlog/internal/log"
	"github.com/lipandr/dlog/internal/replication"
	"github.com/lipandr/dlog/internal/session"
)

// Config is one partition node's full configuration.
type Config struct {
	NodeName   string `yaml:"node_name"`
	DataDir    string `yaml:"data_dir"`
	BindAddr   string `yaml:"bind_addr"`
	RPCAddr    string `yaml:"rpc_addr"`
	SeedAddrs  []string `yaml:"seed_addrs"`

	ElectionPollInterval time.Duration `yaml:"election_poll_interval"`

	Journal     JournalConfig     `yaml:"journal"`
	Replication ReplicationConfig `yaml:"replication"`
	Session     SessionConfig     `yaml:"session"`
}

// JournalConfig mirrors log.Config in YAML-friendly form.
type JournalConfig struct {
	MaxSegmentBytes uint64 `yaml:"max_segment_bytes"`
	MaxIndexBytes   uint64 `yaml:"max_index_bytes"`
	InitialIndex    uint64 `yaml:"initial_index"`
	MaxLogBytes     uint64 `yaml:"max_log_bytes"`
	MaxLogAgeMs     int64  `yaml:"max_log_age_ms"`
}

func (j JournalConfig) toLogConfig() log.Config {
	var c log.Config
	c.Segment.MaxSegmentBytes = j.MaxSegmentBytes
	c.Segment.MaxIndexBytes = j.MaxIndexBytes
	c.Segment.InitialIndex = j.InitialIndex
	c.MaxLogBytes = j.MaxLogBytes
	c.MaxLogAgeMs = j.MaxLogAgeMs
	return c
}

// ReplicationConfig mirrors replication.Config in YAML-friendly form.
type ReplicationConfig struct {
	ReplicationFactor   int           `yaml:"replication_factor"`
	Mode                string        `yaml:"mode"` // "sync" or "async"
	CommitTimeout       time.Duration `yaml:"commit_timeout"`
	PrimaryTimeout      time.Duration `yaml:"primary_timeout"`
	BackoffBase         time.Duration `yaml:"backoff_base"`
	BackoffMax          time.Duration `yaml:"backoff_max"`
	BackpressureBytes   uint64        `yaml:"backpressure_bytes"`
	DurabilityBeforeAck bool          `yaml:"durability_before_ack"`
}

func (r ReplicationConfig) toReplicationConfig() replication.Config {
	mode := replication.Synchronous
	if r.Mode == "async" {
		mode = replication.Asynchronous
	}
	return replication.Config{
		ReplicationFactor:   r.ReplicationFactor,
		Mode:                mode,
		CommitTimeout:       r.CommitTimeout,
		PrimaryTimeout:      r.PrimaryTimeout,
		BackoffBase:         r.BackoffBase,
		BackoffMax:          r.BackoffMax,
		BackpressureBytes:   r.BackpressureBytes,
		DurabilityBeforeAck: r.DurabilityBeforeAck,
	}
}

// SessionConfig mirrors session.Config in YAML-friendly form.
type SessionConfig struct {
	SessionTimeout time.Duration `yaml:"session_timeout"`
	ExpireInterval time.Duration `yaml:"expire_interval"`
	MaxPushBytes   int           `yaml:"max_push_bytes"`
}

func (s SessionConfig) toSessionConfig() session.Config {
	return session.Config{
		SessionTimeout: s.SessionTimeout,
		ExpireInterval: s.ExpireInterval,
		MaxPushBytes:   s.MaxPushBytes,
	}
}

// Load reads and parses a node config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.setDefaults()
	return &c, nil
}

func (c *Config) setDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.BindAddr == "" {
		c.BindAddr = "127.0.0.1:8401"
	}
	if c.RPCAddr == "" {
		c.RPCAddr = "127.0.0.1:8400"
	}
	if c.ElectionPollInterval == 0 {
		c.ElectionPollInterval = time.Second
	}
}

// LogConfig returns the journal configuration in internal/log's form.
func (c *Config) LogConfig() log.Config {
	return c.Journal.toLogConfig()
}

// ReplicationEngineConfig returns the replication configuration in
// internal/replication's form.
func (c *Config) ReplicationEngineConfig() replication.Config {
	return c.Replication.toReplicationConfig()
}

// SessionRegistryConfig returns the session configuration in
// internal/session's form.
func (c *Config) SessionRegistryConfig() session.Config {
	return c.Session.toSessionConfig()
}

// DiscoveryConfig builds a discovery.Config for this node.
func (c *Config) DiscoveryConfig(tags map[string]string) discovery.Config {
	return discovery.Config{
		NodeName:       c.NodeName,
		BindAddr:       c.BindAddr,
		Tags:           tags,
		StartJoinAddrs: c.SeedAddrs,
	}
}
