package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, 0.82, cfg.Cluster.AttachThreshold)
	assert.Equal(t, 0.65, cfg.Cluster.TriageThreshold)
	assert.Equal(t, 3, cfg.Classify.MinMembers)
	assert.Equal(t, 5, cfg.Tasks.MaxRetries)
	assert.Equal(t, 1536, cfg.Embedding.VectorSize)
	assert.Equal(t, 3, cfg.FixMemory.FewShotK)

	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"attach threshold above one", func(c *Config) { c.Cluster.AttachThreshold = 1.5 }},
		{"triage above attach", func(c *Config) { c.Cluster.TriageThreshold = 0.9 }},
		{"negative epsilon", func(c *Config) { c.Cluster.TieEpsilon = -0.1 }},
		{"zero min members", func(c *Config) { c.Classify.MinMembers = 0 }},
		{"negative max retries", func(c *Config) { c.Tasks.MaxRetries = -1 }},
		{"zero vector size", func(c *Config) { c.Embedding.VectorSize = 0 }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Cluster.AttachThreshold, cfg.Cluster.AttachThreshold)
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8200
cluster:
  attach_threshold: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("FEEDBACKD_SERVER_PORT", "8300")

	cfg, err := Load(path)
	require.NoError(t, err)

	// Env beats file, file beats default.
	assert.Equal(t, 8300, cfg.Server.Port)
	assert.Equal(t, 0.9, cfg.Cluster.AttachThreshold)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoad_InvalidOverrideRejected(t *testing.T) {
	t.Setenv("FEEDBACKD_CLASSIFY_MIN_MEMBERS", "0")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "min members")
}

func TestEnvTransform(t *testing.T) {
	assert.Equal(t, "server.port", envTransform("FEEDBACKD_SERVER_PORT"))
	assert.Equal(t, "cluster.attach_threshold", envTransform("FEEDBACKD_CLUSTER_ATTACH_THRESHOLD"))
	assert.Equal(t, "github.webhook_secret", envTransform("FEEDBACKD_GITHUB_WEBHOOK_SECRET"))
}
