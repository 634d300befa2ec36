package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rewind/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
// All fields use canonical JSON serialization for deterministic comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Strategy     string       `json:"strategy"`
	Trace        []TraceEvent `json:"trace"`
	Peers        []PeerResult `json:"peers"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical JSON serialization.
// Peer stats are left out: they carry session IDs and ping timings.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		trace[i] = map[string]any{
			"step":      ev.Step,
			"player":    int(ev.Player),
			"frame":     int64(ev.Frame),
			"advanced":  ev.Advanced,
			"predicted": ev.Predicted,
			"hash":      ev.Hash,
		}
	}
	peers := make([]any, len(s.Peers))
	for i, p := range s.Peers {
		peers[i] = map[string]any{
			"player": int(p.Player),
			"frame":  int64(p.Frame),
			"hash":   p.Hash,
			"stalls": p.Stalls,
		}
	}
	return map[string]any{
		"scenario_name": s.ScenarioName,
		"strategy":      s.Strategy,
		"trace":         trace,
		"peers":         peers,
	}
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, scenario.Strategy, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, name, strategy string, result *Result) error {
	t.Helper()

	traceJSON, err := GoldenTrace(name, strategy, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)
	return nil
}

// GoldenTrace encodes a result the way golden files store it: canonical
// JSON of the scenario name, strategy, trace and final peer positions.
func GoldenTrace(name, strategy string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Strategy:     strategy,
		Trace:        result.Trace,
		Peers:        result.Peers,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}
