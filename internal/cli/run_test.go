package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingScenario = `name: wrong_total
config: quarry.cue
steps:
  - upsert: {entity: Order, record: {id: 1, total: 5}}
assertions:
  - record: {entity: Order, key: 1, expect: {total: 6}}
`

// scenarioDir writes the test configuration and the given scenarios into a
// temporary scenarios directory and returns it.
func scenarioDir(t *testing.T, scenarios map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	cue, err := os.ReadFile(quarryConfig)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "quarry.cue"), cue, 0o644))
	for name, src := range scenarios {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644))
	}
	return dir
}

func TestRun_Pass(t *testing.T) {
	out, err := execute(t, "run", "testdata/scenarios/increment.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, `"type":"upsert"`)
	assert.Contains(t, out, "✓ increment passed (2 events)")
}

func TestRun_JSON(t *testing.T) {
	out, err := execute(t, "run", "--format", "json", "testdata/scenarios/increment.yaml")
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		Data   struct {
			Scenario string            `json:"scenario"`
			Pass     bool              `json:"pass"`
			Trace    []json.RawMessage `json:"trace"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "increment", resp.Data.Scenario)
	assert.True(t, resp.Data.Pass)
	assert.Len(t, resp.Data.Trace, 2)
}

func TestRun_Fail(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"wrong_total.yaml": failingScenario})

	out, err := execute(t, "run", filepath.Join(dir, "wrong_total.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_total failed")
	assert.Contains(t, out, "record assertion failed")
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("name: invalid\nsteps: []\n"), 0o644))

	tests := []struct {
		name string
		args []string
	}{
		{"missing file", []string{"run", filepath.Join(dir, "none.yaml")}},
		{"invalid scenario", []string{"run", invalid}},
		{"missing config flag", []string{"run", "--config", filepath.Join(dir, "none.cue"), "testdata/scenarios/increment.yaml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestTest_Golden(t *testing.T) {
	out, err := execute(t, "test", "testdata/scenarios")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ increment\n")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTest_Update(t *testing.T) {
	golden := filepath.Join(t.TempDir(), "golden")
	out, err := execute(t, "test", "testdata/scenarios", "--update", "--golden", golden)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ increment (golden updated)")

	written, err := os.ReadFile(filepath.Join(golden, "increment.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join("testdata", "golden", "increment.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))
}

func TestTest_Mismatch(t *testing.T) {
	golden := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(golden, "increment.golden"), []byte(`{"scenario":"increment","trace":[]}`), 0o644))

	out, err := execute(t, "test", "testdata/scenarios", "--golden", golden)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ increment")
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_Filter(t *testing.T) {
	increment, err := os.ReadFile("testdata/scenarios/increment.yaml")
	require.NoError(t, err)
	dir := scenarioDir(t, map[string]string{
		"wrong_total.yaml": failingScenario,
		"increment.yaml":   strings.Replace(string(increment), "../quarry.cue", "quarry.cue", 1),
	})

	out, err := execute(t, "test", dir, "--filter", "inc*", "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Data TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Passed)

	out, err = execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, 2, resp.Data.Total)
	assert.Equal(t, 1, resp.Data.Failed)
}

func TestTest_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "none"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}
