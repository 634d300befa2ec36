package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: two-peers
description: "Two rollback peers on an instant network stay in sync"
strategy: rollback
steps: 6
players:
  - id: 0
    host: true
    script: [1, 2]
  - id: 1
    script: [3]
assertions:
  - type: converged
  - type: frame
    player: 1
    equals: 6
`

const failingScenario = `
name: wrong-frame
description: "Expects a frame the run never reaches"
strategy: lockstep
steps: 4
players:
  - id: 0
    host: true
    script: [1]
  - id: 1
    script: [1]
assertions:
  - type: frame
    player: 0
    min: 100
`

func scenarioDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return dir
}

func TestTest_Passing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"two-peers.yaml": passingScenario})

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ two-peers")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTest_Failing(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"two-peers.yaml":   passingScenario,
		"wrong-frame.yaml": failingScenario,
	})

	out, err := execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result TestResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)

	require.Len(t, result.Scenarios, 2)
	passed := result.Scenarios[0]
	assert.Equal(t, "two-peers", passed.Name)
	assert.Equal(t, "rollback", passed.Strategy)
	assert.Equal(t, []int64{6, 6}, passed.Frames)
	assert.Greater(t, passed.Messages, 0)
	assert.False(t, result.Scenarios[1].Pass)
	assert.NotEmpty(t, result.Scenarios[1].Errors)
}

func TestTest_Filter(t *testing.T) {
	dir := scenarioDir(t, map[string]string{
		"two-peers.yaml":   passingScenario,
		"wrong-frame.yaml": failingScenario,
	})

	out, err := execute(t, "test", dir, "--filter", "two-*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 total")

	out, err = execute(t, "test", dir, "--filter", "nothing-*")
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_Golden(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"two-peers.yaml": passingScenario})
	golden := filepath.Join(dir, "golden", "two-peers.golden")

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "golden updated")
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name":"two-peers"`)

	_, err = execute(t, "test", dir)
	require.NoError(t, err, "trace matches the golden file it just wrote")

	require.NoError(t, os.WriteFile(golden, []byte(`{"trace":[]}`), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "Golden file mismatch")
}

func TestTest_InvalidScenario(t *testing.T) {
	dir := scenarioDir(t, map[string]string{"broken.yaml": "name: broken\nsteps: -1\n"})

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ broken.yaml")
}

func TestTest_MissingDirectory(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_HarnessFixtures(t *testing.T) {
	out, err := execute(t, "test", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ All scenarios passed")
}
