package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Peer describes one remote member of the cluster as known at startup.
type Peer struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	// Voting controls whether the peer counts toward quorum. Non-voting
	// peers still receive replicated entries.
	Voting bool `yaml:"voting"`
}

// Config carries every tunable the consensus engine recognizes. All
// durations are wall-clock. Zero values are filled in by Default before
// validation, so a partially specified YAML file is fine.
type Config struct {
	// NodeID is the unique identity of this node. Generated (UUID) when empty.
	NodeID string `yaml:"node_id"`
	// BindAddress is the host:port the transport listens on.
	BindAddress string `yaml:"bind_address"`
	// Peers is the initial cluster membership, excluding this node.
	Peers []Peer `yaml:"peers"`

	// ElectionTimeoutMin/Max bound the randomized election timeout. The
	// 150-300ms defaults follow Section 9.3 of the Raft paper.
	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	// AdaptiveElectionTimeout recomputes the timeout as 3x the measured
	// average network latency, clamped to [Min, Max].
	AdaptiveElectionTimeout bool `yaml:"adaptive_election_timeout"`

	// HeartbeatInterval is how often a leader sends empty AppendEntries.
	// Must be strictly smaller than ElectionTimeoutMin.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// AdaptiveHeartbeat halves the interval under low replication load and
	// doubles it under high load, with a cooldown between adjustments.
	AdaptiveHeartbeat bool `yaml:"adaptive_heartbeat"`

	// BatchSize is the initial number of proposals flushed together.
	BatchSize int `yaml:"batch_size"`
	// BatchSizeMin/Max bound the adaptive batch sizing loop.
	BatchSizeMin int `yaml:"batch_size_min"`
	BatchSizeMax int `yaml:"batch_size_max"`
	// BatchLatencyBound flushes a partial batch once its oldest proposal
	// has waited this long.
	BatchLatencyBound time.Duration `yaml:"batch_latency_bound"`
	// TargetThroughput is the commands/sec the adaptive sizing loop aims for.
	TargetThroughput float64 `yaml:"target_throughput"`

	// ReplicationTimeout bounds how long a proposal waits for quorum.
	ReplicationTimeout time.Duration `yaml:"replication_timeout"`

	// SnapshotThreshold is the log length that triggers compaction.
	SnapshotThreshold uint64 `yaml:"snapshot_threshold"`

	// DataDir is where the bbolt store lives. Empty means in-memory only
	// (state does not survive a restart).
	DataDir string `yaml:"data_dir"`

	// MetricsInterval is how often the engine logs a metrics report.
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// Default returns the standard configuration tuned for a LAN cluster.
func Default() Config {
	return Config{
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		BatchSize:          64,
		BatchSizeMin:       16,
		BatchSizeMax:       4096,
		BatchLatencyBound:  10 * time.Millisecond,
		TargetThroughput:   10000,
		ReplicationTimeout: 2 * time.Second,
		SnapshotThreshold:  10000,
		MetricsInterval:    5 * time.Second,
	}
}

// Load reads a YAML file, layers it over Default, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for fields the YAML file zeroed out.
func (c *Config) fillDefaults() {
	d := Default()
	if c.ElectionTimeoutMin <= 0 {
		c.ElectionTimeoutMin = d.ElectionTimeoutMin
	}
	if c.ElectionTimeoutMax <= 0 {
		c.ElectionTimeoutMax = d.ElectionTimeoutMax
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.BatchSizeMin <= 0 {
		c.BatchSizeMin = d.BatchSizeMin
	}
	if c.BatchSizeMax <= 0 {
		c.BatchSizeMax = d.BatchSizeMax
	}
	if c.BatchLatencyBound <= 0 {
		c.BatchLatencyBound = d.BatchLatencyBound
	}
	if c.TargetThroughput <= 0 {
		c.TargetThroughput = d.TargetThroughput
	}
	if c.ReplicationTimeout <= 0 {
		c.ReplicationTimeout = d.ReplicationTimeout
	}
	if c.SnapshotThreshold == 0 {
		c.SnapshotThreshold = d.SnapshotThreshold
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = d.MetricsInterval
	}
}

// Validate rejects configurations that would break liveness or safety.
func (c *Config) Validate() error {
	if c.ElectionTimeoutMin >= c.ElectionTimeoutMax {
		return fmt.Errorf("election timeout min (%v) must be below max (%v)",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax)
	}
	// A heartbeat interval at or above the election timeout would make
	// healthy followers start elections against a live leader.
	if c.HeartbeatInterval >= c.ElectionTimeoutMin {
		return fmt.Errorf("heartbeat interval (%v) must be strictly below election timeout min (%v)",
			c.HeartbeatInterval, c.ElectionTimeoutMin)
	}
	if c.BatchSizeMin > c.BatchSizeMax {
		return fmt.Errorf("batch size min (%d) must not exceed max (%d)", c.BatchSizeMin, c.BatchSizeMax)
	}
	if c.BatchSize < c.BatchSizeMin || c.BatchSize > c.BatchSizeMax {
		return fmt.Errorf("batch size (%d) must be within [%d, %d]", c.BatchSize, c.BatchSizeMin, c.BatchSizeMax)
	}
	for i, p := range c.Peers {
		if p.ID == "" {
			return fmt.Errorf("peer %d has no id", i)
		}
		if p.Address == "" {
			return fmt.Errorf("peer %s has no address", p.ID)
		}
	}
	return nil
}
