package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
node:
  id: master-7
  listen: ":7700"
  metrics_port: 9191

cluster:
  replicas: 3
  workers: 8
  worker_slots: 16
  replication_factor: 2
  failover_factor: 1
  broadcast_timeout_ms: 2500

records:
  path: /tmp/records.json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "master-7", cfg.Node.ID)
	assert.Equal(t, 9191, cfg.Node.MetricsPort)
	assert.Equal(t, 3, cfg.Cluster.Replicas)
	assert.Equal(t, 8, cfg.Cluster.Workers)
	assert.Equal(t, 2, cfg.Cluster.ReplicationFactor)
	assert.Equal(t, 2500, cfg.Cluster.BroadcastTimeoutMs)
	assert.Equal(t, "/tmp/records.json", cfg.Records.Path)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig("does/not/exist.yaml")
	assert.Error(t, err)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: ["), 0o644))
	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestBuildCLIStructure(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "mbraced", root.Use)

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["kill"])
}

func TestClusterDefaults(t *testing.T) {
	c, err := NewCluster(ClusterConfig{})
	require.NoError(t, err)
	c.Start()
	defer c.Stop()

	assert.Equal(t, 4, c.Pool.GetAvailableWorkerCount())
	assert.Equal(t, 0, c.Log.GetCount())
	assert.Len(t, c.LogReplicaStores(), 2)
}
