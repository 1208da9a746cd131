package replication

import "time"

// Mode selects whether a write commits after a quorum of backups ack it,
// or immediately after the primary's own append.
type Mode int

const (
	// Synchronous requires ReplicationFactor-1 backup acks before commit.
	Synchronous Mode = iota
	// Asynchronous commits immediately after the primary's local append.
	Asynchronous
)

// Config controls replication timing and durability per spec §6.
type Config struct {
	ReplicationFactor int
	Mode              Mode

	CommitTimeout    time.Duration
	PrimaryTimeout   time.Duration
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	BackpressureBytes uint64

	// DurabilityBeforeAck is carried from configuration but the engine
	// does not read it, so the flush policy is not configurable. In both
	// modes a write is acked only after the journal's Commit, which
	// fsyncs the active segment and the meta sidecar; segment files are
	// also fsynced on seal.
	DurabilityBeforeAck bool
}

func (c *Config) setDefaults() {
	if c.ReplicationFactor == 0 {
		c.ReplicationFactor = 3
	}
	if c.CommitTimeout == 0 {
		c.CommitTimeout = 2 * time.Second
	}
	if c.PrimaryTimeout == 0 {
		c.PrimaryTimeout = 5 * time.Second
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = 50 * time.Millisecond
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 2 * time.Second
	}
	if c.BackpressureBytes == 0 {
		c.BackpressureBytes = 4 << 20
	}
}
