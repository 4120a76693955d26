package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServerConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := NewServerConfig()
	assert.Equal(t, 8084, cfg.Port)
	assert.False(t, cfg.Debug)
	assert.Equal(t, ".", cfg.WorkspaceDir)
	assert.Equal(t, "~/.rollguard/state", cfg.StateDir)
	assert.Equal(t, 2, cfg.CheckpointWorkers)
	assert.Empty(t, cfg.RouterEndpoint)
	assert.False(t, cfg.Archive.Enabled)
}

func TestServerConfig_LoadFromEnv(t *testing.T) {
	// t.Setenv forbids t.Parallel.
	t.Setenv("ROLLGUARD_PORT", "9090")
	t.Setenv("ROLLGUARD_DEBUG", "true")
	t.Setenv("ROLLGUARD_WORKSPACE_DIR", "/srv/app")
	t.Setenv("ROLLGUARD_STATE_DIR", "/var/lib/rollguard")
	t.Setenv("ROLLGUARD_CHECKPOINT_WORKERS", "8")
	t.Setenv("ROLLGUARD_ROUTER_ENDPOINT", "http://router.internal/split")
	t.Setenv("ROLLGUARD_ARCHIVE_ENABLED", "yes")
	t.Setenv("ROLLGUARD_ARCHIVE_BUCKET", "rollguard-archive")
	t.Setenv("ROLLGUARD_ARCHIVE_REGION", "us-west-2")

	cfg := NewServerConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/srv/app", cfg.WorkspaceDir)
	assert.Equal(t, "/var/lib/rollguard", cfg.StateDir)
	assert.Equal(t, 8, cfg.CheckpointWorkers)
	assert.Equal(t, "http://router.internal/split", cfg.RouterEndpoint)
	assert.True(t, cfg.Archive.Enabled)
	assert.Equal(t, "rollguard-archive", cfg.Archive.Bucket)
	assert.Equal(t, "us-west-2", cfg.Archive.Region)
}

func TestServerConfig_LoadFromEnvRejectsBadValues(t *testing.T) {
	t.Run("BadPort", func(t *testing.T) {
		t.Setenv("ROLLGUARD_PORT", "not-a-number")
		cfg := NewServerConfig()
		require.Error(t, cfg.LoadFromEnv())
	})

	t.Run("BadDebug", func(t *testing.T) {
		t.Setenv("ROLLGUARD_DEBUG", "maybe")
		cfg := NewServerConfig()
		require.Error(t, cfg.LoadFromEnv())
	})

	t.Run("BadWorkers", func(t *testing.T) {
		t.Setenv("ROLLGUARD_CHECKPOINT_WORKERS", "many")
		cfg := NewServerConfig()
		require.Error(t, cfg.LoadFromEnv())
	})
}

func TestServerConfig_LoadFromFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"port": 7070,
		"workspace_dir": "/srv/app",
		"archive": {"enabled": true, "bucket": "b", "region": "r"}
	}`), 0o600))

	cfg := NewServerConfig()
	require.NoError(t, cfg.LoadFromFile(path))

	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, "/srv/app", cfg.WorkspaceDir)
	assert.Equal(t, 2, cfg.CheckpointWorkers, "unset fields keep their defaults")
	assert.True(t, cfg.Archive.Enabled)

	t.Run("MissingFile", func(t *testing.T) {
		require.Error(t, NewServerConfig().LoadFromFile(filepath.Join(t.TempDir(), "missing.json")))
	})

	t.Run("MalformedFile", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte("{nope"), 0o600))
		require.Error(t, NewServerConfig().LoadFromFile(bad))
	})
}

func TestServerConfig_ExpandPaths(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := NewServerConfig()
	cfg.StateDir = "~/.rollguard/state"
	cfg.LogFile = "~/logs/rollguard.log"
	require.NoError(t, cfg.ExpandPaths())

	assert.Equal(t, filepath.Join(home, ".rollguard/state"), cfg.StateDir)
	assert.Equal(t, filepath.Join(home, "logs/rollguard.log"), cfg.LogFile)
	assert.Equal(t, ".", cfg.WorkspaceDir, "paths without ~ pass through")
}

func TestServerConfig_Validate(t *testing.T) {
	t.Parallel()

	valid := func() *ServerConfig {
		cfg := NewServerConfig()
		cfg.StateDir = "/var/lib/rollguard"
		return cfg
	}

	assert.NoError(t, valid().Validate())

	t.Run("PortOutOfRange", func(t *testing.T) {
		cfg := valid()
		cfg.Port = 0
		assert.Error(t, cfg.Validate())
		cfg.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("EmptyWorkspace", func(t *testing.T) {
		cfg := valid()
		cfg.WorkspaceDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("EmptyStateDir", func(t *testing.T) {
		cfg := valid()
		cfg.StateDir = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("NonPositiveWorkers", func(t *testing.T) {
		cfg := valid()
		cfg.CheckpointWorkers = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("ArchiveNeedsBucketAndRegion", func(t *testing.T) {
		cfg := valid()
		cfg.Archive.Enabled = true
		assert.Error(t, cfg.Validate())

		cfg.Archive.Bucket = "b"
		assert.Error(t, cfg.Validate())

		cfg.Archive.Region = "r"
		assert.NoError(t, cfg.Validate())
	})
}

func TestServerConfig_StorePath(t *testing.T) {
	t.Parallel()

	cfg := NewServerConfig()
	cfg.StateDir = "/var/lib/rollguard"
	assert.Equal(t, "/var/lib/rollguard/deployments.json", cfg.StorePath("deployments"))
}

func TestServerConfig_GetSanitized(t *testing.T) {
	t.Parallel()

	cfg := NewServerConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.Bucket = "b"
	cfg.Archive.Region = "r"
	cfg.Archive.SecretKey = "super-secret"

	sanitized := cfg.GetSanitized()
	assert.Equal(t, "b", sanitized["archive_bucket"])
	for key := range sanitized {
		assert.NotContains(t, key, "secret")
	}
}
