package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestLoadWritesDefaultWithServiceIdentity confirms Load's write-default-if-missing
// path (mirroring the teacher's config.Load) stamps ServiceName/Environment so
// observability/logging.Setup always has a non-empty service label to attach to
// every JSON log line.
func TestLoadWritesDefaultWithServiceIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lendcore.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "lendcored", cfg.ServiceName)
	require.Equal(t, "production", cfg.Environment)

	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.ServiceName, reloaded.ServiceName)
	require.Equal(t, cfg.Environment, reloaded.Environment)
}
