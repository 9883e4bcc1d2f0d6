package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quarry/internal/config"
	"github.com/roach88/quarry/internal/ir"
)

// sqliteConfig writes a sqlite configuration into a temporary directory,
// stores one order in it, updates it once and returns the config path.
func sqliteConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := fmt.Sprintf("backend: {kind: \"sqlite\", path: %q}\n", filepath.Join(dir, "quarry.db"))
	cue, err := os.ReadFile(quarryConfig)
	require.NoError(t, err)
	path := filepath.Join(dir, "quarry.cue")
	require.NoError(t, os.WriteFile(path, append([]byte(src), cue...), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	ctx := context.Background()
	inst, err := cfg.Open(ctx)
	require.NoError(t, err)
	defer inst.Close()

	desc, ok := inst.Registry.Lookup("Order")
	require.True(t, ok)
	for _, total := range []int64{5, 12} {
		_, err := inst.InsertOrUpdate(ctx, desc, ir.Int(1), func(cur ir.Object) (ir.Object, error) {
			return ir.Object{"id": ir.Int(1), "total": ir.Int(total)}, nil
		})
		require.NoError(t, err)
	}
	return path
}

func TestReplay(t *testing.T) {
	path := sqliteConfig(t)

	out, err := execute(t, "replay", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Replayed 2 change(s), sequences 1 to 2")
	assert.Contains(t, out, "  Order: 1 insert(s), 1 update(s), 0 delete(s)\n")
	assert.Contains(t, out, "✓ Change log is ordered")
}

func TestReplay_JSON(t *testing.T) {
	path := sqliteConfig(t)

	tests := []struct {
		name     string
		args     []string
		changes  int
		entities []ReplayEntityResult
	}{
		{"all", nil, 2, []ReplayEntityResult{{Entity: "Order", Inserts: 1, Updates: 1}}},
		{"after", []string{"--after", "1"}, 1, []ReplayEntityResult{{Entity: "Order", Updates: 1}}},
		{"other entity", []string{"--entity", "Customer"}, 2, []ReplayEntityResult{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"replay", "-c", path, "--format", "json"}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			var resp struct {
				Data ReplayResult `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
			assert.True(t, resp.Data.Ordered)
			assert.Equal(t, tt.changes, resp.Data.Changes)
			assert.Equal(t, int64(2), resp.Data.LastSeq)
			assert.Equal(t, tt.entities, resp.Data.Entities)
		})
	}
}

func TestReplay_NoChangeLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quarry.cue")
	require.NoError(t, os.WriteFile(path, []byte("changelog: kind: \"none\"\n"), 0o644))

	out, err := execute(t, "replay", "-c", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "keeps no change log")
}
