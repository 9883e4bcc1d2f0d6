package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/config"
)

func TestValidate_Text(t *testing.T) {
	out, err := execute(t, "validate", quarryConfig)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Configuration valid")
	assert.Contains(t, out, "Backend: memory (change log: backend)")
	assert.Contains(t, out, "  Customer: key id, 2 properties\n")
	assert.Contains(t, out, "  Order: key id, 3 properties, references Customer\n")
}

func TestValidate_ConfigFlag(t *testing.T) {
	out, err := execute(t, "validate", "--config", quarryConfig, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
	assert.False(t, resp.Data.Relay)
	assert.Equal(t, []EntitySummary{
		{Name: "Customer", Key: "id", Properties: 2},
		{Name: "Order", Key: "id", Properties: 3, References: []string{"Customer"}},
	}, resp.Data.Entities)
}

func TestValidate_Errors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
		return path
	}

	tests := []struct {
		name string
		path string
		code string
	}{
		{"schema", write("schema.cue", "backend: kind: \"oracle\"\n"), config.ErrCodeSchema},
		{"entity", write("entity.cue", "entities: A: properties: [{name: \"id\"}, {name: \"b\", ref: \"B\"}]\n"), config.ErrCodeEntity},
		{"backend", write("backend.cue", "backend: kind: \"postgres\"\n"), config.ErrCodeBackend},
		{"missing", filepath.Join(dir, "missing.cue"), config.ErrCodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, "validate", "--format", "json", tt.path)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}

	t.Run("text", func(t *testing.T) {
		out, err := execute(t, "validate", filepath.Join(dir, "missing.cue"))
		require.Error(t, err)
		assert.Contains(t, out, "✗ Validation failed")
		assert.Contains(t, out, "Error [E005]: config not found")
	})
}
