package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	cmd.SetArgs(args)

	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)

	err := cmd.Execute()
	return output.String(), err
}

func TestConfigureCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clipflow.json")

	t.Run("writes default config", func(t *testing.T) {
		out, err := runCommand(t, "configure", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "sessions")
	})

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := runCommand(t, "configure", "--config", path, "--force=false")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("force overwrites", func(t *testing.T) {
		_, err := runCommand(t, "configure", "--config", path, "--force")
		require.NoError(t, err)
	})
}
