package runtime

import (
	"crypto/tls"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/InsulaLabs/depot/badge"
	"github.com/InsulaLabs/depot/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteGeneratedConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "cluster.yaml")
	require.NoError(t, writeGeneratedConfig(path))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Nodes, 3)
	assert.Equal(t, []string{"node0", "node1", "node2"}, getMapKeys(cfg.Nodes))
}

func TestLoadOrCreateBadge(t *testing.T) {
	dir := t.TempDir()

	created, err := loadOrCreateBadge("node0", dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "node0", created.GetID())

	loaded, err := loadOrCreateBadge("node0", dir, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, badge.EncodePublicKey(created), badge.EncodePublicKey(loaded))

	_, err = loadOrCreateBadge("node0", dir, "wrong")
	assert.Error(t, err)
}

func TestClusterCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.GenerateConfig()
	cfg.TLS = config.TLS{
		Cert: filepath.Join(dir, "keys", "server.crt"),
		Key:  filepath.Join(dir, "keys", "server.key"),
	}
	r := &Runtime{
		logger:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn})),
		clusterCfg: cfg,
	}

	require.NoError(t, r.ensureClusterCertificate())
	_, err := tls.LoadX509KeyPair(cfg.TLS.Cert, cfg.TLS.Key)
	require.NoError(t, err)

	client, err := r.peerClient()
	require.NoError(t, err)
	assert.NotNil(t, client.Transport)

	for _, url := range r.peerBaseURLs() {
		assert.Contains(t, url, "https://")
	}
}
