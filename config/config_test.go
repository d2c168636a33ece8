package config

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

const validConfig = `
home: data/depot
nodes:
  node0:
    httpBinding: 127.0.0.1:7100
  node1:
    httpBinding: 127.0.0.1:7101
uploads:
  extensions: [png]
  mimeTypes: [image/png]
licenses:
  ttl: 1h
  require: true
registry:
  node: node0
rateLimiters:
  public: {limit: 10, burst: 20}
  internal: {limit: 10, burst: 20}
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "data/depot", cfg.Home)
	assert.Len(t, cfg.Nodes, 2)
	assert.Equal(t, time.Hour, cfg.Licenses.TTL)
	assert.True(t, cfg.Licenses.Require)

	// defaults
	assert.Equal(t, int64(256*1024), cfg.Limits.MaxUploadBytes)
	assert.Equal(t, 10*time.Second, cfg.Replication.FetchTimeout)
	assert.Equal(t, 3, cfg.Replication.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Replication.ClockSkew)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantErr error
	}{
		{"no home", func(s string) string { return strings.Replace(s, "home: data/depot", "", 1) }, ErrHomeMissing},
		{"bad binding", func(s string) string { return strings.Replace(s, "127.0.0.1:7101", "nowhere", 1) }, ErrNodeBindingInvalid},
		{"same binding", func(s string) string { return strings.Replace(s, "127.0.0.1:7101", "127.0.0.1:7100", 1) }, ErrDuplicateBinding},
		{"no extensions", func(s string) string { return strings.Replace(s, "extensions: [png]", "", 1) }, ErrUploadsExtensionsMissing},
		{"unknown registry node", func(s string) string { return strings.Replace(s, "node: node0", "node: node9", 1) }, ErrRegistryNodeUnknown},
		{"not yaml", func(string) string { return "home: [" }, ErrConfigFileUnmarshallable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.mutate(validConfig)))
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfigFileUnreadable)
}

func TestGeneratedConfigLoads(t *testing.T) {
	raw, err := yaml.Marshal(GenerateConfig())
	require.NoError(t, err)

	cfg, err := LoadConfig(writeConfig(t, string(raw)))
	require.NoError(t, err)
	assert.Len(t, cfg.Nodes, 3)
	assert.Equal(t, "node0", cfg.Registry.Node)
}

func TestParseSecrets(t *testing.T) {
	key := strings.Repeat("ab", 32)

	s, err := ParseSecrets(map[string]string{
		"DEPOT_MASTER_KEY":  strings.Repeat("01", 64),
		"DEPOT_AUTH_KEY":    key,
		"DEPOT_NODE_SECRET": "hunter2",
	})
	require.NoError(t, err)
	assert.Len(t, s.MasterKey, 64)
	want, _ := hex.DecodeString(key)
	assert.Equal(t, HexKey(want), s.AuthKey)
	assert.Equal(t, "hunter2", s.NodeSecret)

	_, err = ParseSecrets(map[string]string{
		"DEPOT_MASTER_KEY":  strings.Repeat("01", 8),
		"DEPOT_AUTH_KEY":    key,
		"DEPOT_NODE_SECRET": "hunter2",
	})
	assert.ErrorIs(t, err, ErrMasterKeyTooShort)

	_, err = ParseSecrets(map[string]string{
		"DEPOT_MASTER_KEY":  strings.Repeat("01", 64),
		"DEPOT_AUTH_KEY":    "zz",
		"DEPOT_NODE_SECRET": "hunter2",
	})
	assert.Error(t, err)

	_, err = ParseSecrets(map[string]string{})
	assert.Error(t, err, "all secrets are required")
}
