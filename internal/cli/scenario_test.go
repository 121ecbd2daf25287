package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func TestScenario_AllPass(t *testing.T) {
	out, err := execute(t, "", "scenario", harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err, out)

	assert.Contains(t, out, "✓ checkout_retry (golden)")
	assert.Contains(t, out, "✓ crash_recovery\n")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestScenario_FilterJSON(t *testing.T) {
	out, err := execute(t, "", "scenario", harnessScenarios, "--filter", "crash_*", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string          `json:"status"`
		Data   ScenarioSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Total)
	assert.Equal(t, "crash_recovery", resp.Data.Scenarios[0].Name)
}

func TestScenario_Failure(t *testing.T) {
	dir := t.TempDir()
	failing := `
name: wrong_total
description: Expects the wrong total.
flow:
  - invoke: AddItem
    args: { sku: COFFEE-12 }
assertions:
  - type: inventory
    expect: { COFFEE-12: 1 }
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong_total.yaml"), []byte(failing), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: [\n"), 0o644))

	out, err := execute(t, "", "scenario", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_total")
	assert.Contains(t, out, "Assertion failed: inventory")
	assert.Contains(t, out, "✗ broken.yml")
	assert.Contains(t, out, "0 passed, 2 failed, 2 total")
}

func TestScenario_UpdateWritesGolden(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join(harnessScenarios, "checkout_retry.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "checkout_retry.yaml"), src, 0o644))

	out, err := execute(t, "", "scenario", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ checkout_retry (golden updated)")

	written, err := os.ReadFile(filepath.Join(dir, "golden", "checkout_retry.golden"))
	require.NoError(t, err)
	want, err := os.ReadFile(filepath.Join(harnessGolden, "checkout_retry.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(written))

	// The freshly written golden now matches.
	out, err = execute(t, "", "scenario", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ checkout_retry (golden)")
}

func TestScenario_GoldenMismatch(t *testing.T) {
	dir := t.TempDir()
	src, err := os.ReadFile(filepath.Join(harnessScenarios, "max_retries.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "max_retries.yaml"), src, 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "golden"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "max_retries.golden"), []byte("scenario: max_retries\n"), 0o644))

	out, err := execute(t, "", "scenario", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestScenario_MissingPath(t *testing.T) {
	_, err := execute(t, "", "scenario", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
