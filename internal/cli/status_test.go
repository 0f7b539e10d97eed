package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, mutate func(map[string]interface{})) string {
	t.Helper()

	dir := t.TempDir()
	cfg := map[string]interface{}{
		"data_dir": dir,
		"stream": map[string]interface{}{
			"enabled": true,
			"host":    "127.0.0.1",
			"port":    1, // nothing listens here
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "clipflow.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestStatusCommand(t *testing.T) {
	t.Run("reports stopped when nothing listens", func(t *testing.T) {
		path := writeTestConfig(t, nil)

		out, err := runCommand(t, "status", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("requires stream server", func(t *testing.T) {
		path := writeTestConfig(t, func(cfg map[string]interface{}) {
			cfg["stream"].(map[string]interface{})["enabled"] = false
		})

		_, err := runCommand(t, "status", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stream server")
	})
}
