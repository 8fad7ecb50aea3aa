package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
node_id: node-1
bind_address: 127.0.0.1:7420
election_timeout_min: 200ms
election_timeout_max: 400ms
heartbeat_interval: 60ms
adaptive_heartbeat: true
batch_size: 32
target_throughput: 5000
data_dir: /var/lib/hyperraft
peers:
  - id: node-2
    address: 127.0.0.1:7421
    voting: true
  - id: node-3
    address: 127.0.0.1:7422
    voting: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, 200*time.Millisecond, cfg.ElectionTimeoutMin)
	assert.Equal(t, 400*time.Millisecond, cfg.ElectionTimeoutMax)
	assert.Equal(t, 60*time.Millisecond, cfg.HeartbeatInterval)
	assert.True(t, cfg.AdaptiveHeartbeat)
	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, float64(5000), cfg.TargetThroughput)

	require.Len(t, cfg.Peers, 2)
	assert.True(t, cfg.Peers[0].Voting)
	assert.False(t, cfg.Peers[1].Voting)

	t.Run("unspecified fields keep defaults", func(t *testing.T) {
		d := Default()
		assert.Equal(t, d.ReplicationTimeout, cfg.ReplicationTimeout)
		assert.Equal(t, d.SnapshotThreshold, cfg.SnapshotThreshold)
		assert.Equal(t, d.BatchLatencyBound, cfg.BatchLatencyBound)
	})
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"election min above max", func(c *Config) {
			c.ElectionTimeoutMin = 500 * time.Millisecond
		}},
		{"heartbeat not below election timeout", func(c *Config) {
			c.HeartbeatInterval = c.ElectionTimeoutMin
		}},
		{"batch min above batch max", func(c *Config) {
			c.BatchSizeMin = c.BatchSizeMax + 1
			c.BatchSize = c.BatchSizeMax
		}},
		{"batch size out of bounds", func(c *Config) {
			c.BatchSize = c.BatchSizeMax + 1
		}},
		{"peer without id", func(c *Config) {
			c.Peers = []Peer{{Address: "127.0.0.1:7421"}}
		}},
		{"peer without address", func(c *Config) {
			c.Peers = []Peer{{ID: "node-2"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
