package cli

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Valid(t *testing.T) {
	path := writeFile(t, "match.cue", `strategy: "lockstep"`+"\n"+`state_sync_period: 10`)

	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Config valid")
	assert.Contains(t, out, "strategy: lockstep, 2 players, timestep 16ms")
}

func TestValidate_ValidJSON(t *testing.T) {
	path := writeFile(t, "match.json", `{"frames": 120, "players": 4}`)

	out, err := execute(t, "--format", "json", "validate", path)
	require.NoError(t, err)

	var result ValidationResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, result.Valid)
	require.NotNil(t, result.Config)
	assert.Equal(t, 120, result.Config.Frames)
	assert.Equal(t, 4, result.Config.Players)
	assert.Equal(t, StrategyRollback, result.Config.Strategy)
}

func TestValidate_Invalid(t *testing.T) {
	path := writeFile(t, "bad.cue", "timestep_ms: 0\nwarp: true\n")

	out, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, ErrCodeConfig)
}

func TestValidate_InvalidJSON(t *testing.T) {
	path := writeFile(t, "bad.cue", `strategy: "telepathy"`)

	out, err := execute(t, "--format", "json", "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var result ValidationResult
	resp := decodeData(t, out, &result)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
	assert.False(t, result.Valid)
	assert.NotEmpty(t, result.Problems)
}

func TestValidate_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", filepath.Join(t.TempDir(), "nope.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "config not found")
}

func TestValidate_RequiresArgument(t *testing.T) {
	_, err := execute(t, "validate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
