package harness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/rewind/internal/ir"
)

// traceContext is how many trailing trace events an AssertionError shows.
const traceContext = 5

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Trailing trace events for context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nLast steps:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [step %d] player %d frame %d predicted %d hash %s\n",
				ev.Step, ev.Player, ev.Frame, ev.Predicted, ev.Hash)
		}
	}
	return buf.String()
}

// tail returns the last traceContext events of player.
func tail(trace []TraceEvent, player ir.PlayerID) []TraceEvent {
	var out []TraceEvent
	for _, ev := range trace {
		if ev.Player == player {
			out = append(out, ev)
		}
	}
	if len(out) > traceContext {
		out = out[len(out)-traceContext:]
	}
	return out
}

// assertBounds checks a number against equals, min and max.
func assertBounds(kind string, actual float64, a Assertion, trace []TraceEvent) error {
	var want []string
	ok := true
	if a.Equals != nil {
		eq, _ := toFloat(a.Equals)
		want = append(want, fmt.Sprintf("= %v", a.Equals))
		ok = ok && actual == eq
	}
	if a.Min != nil {
		want = append(want, fmt.Sprintf(">= %v", *a.Min))
		ok = ok && actual >= *a.Min
	}
	if a.Max != nil {
		want = append(want, fmt.Sprintf("<= %v", *a.Max))
		ok = ok && actual <= *a.Max
	}
	if ok {
		return nil
	}
	return &AssertionError{
		Type:     kind,
		Expected: fmt.Sprintf("player %d %s %s", a.Player, kind, strings.Join(want, " and ")),
		Actual:   fmt.Sprintf("%v", actual),
		Trace:    tail(trace, a.Player),
	}
}

// assertFrame checks a player's final frame.
func assertFrame(result *Result, a Assertion) error {
	p, ok := result.Peer(a.Player)
	if !ok {
		return fmt.Errorf("frame: no result for player %d", a.Player)
	}
	return assertBounds(AssertFrame, float64(p.Frame), a, result.Trace)
}

// assertStalls checks how many steps a player advanced no frame.
func assertStalls(result *Result, a Assertion) error {
	p, ok := result.Peer(a.Player)
	if !ok {
		return fmt.Errorf("stalls: no result for player %d", a.Player)
	}
	return assertBounds(AssertStalls, float64(p.Stalls), a, result.Trace)
}

// assertStat looks up a dotted path in a player's stats. Numbers are
// bounded like frames; anything else must equal Equals.
func assertStat(result *Result, a Assertion) error {
	p, ok := result.Peer(a.Player)
	if !ok {
		return fmt.Errorf("stat: no result for player %d", a.Player)
	}
	value, found := lookup(p.Stats, a.Path)
	if !found {
		return &AssertionError{
			Type:     AssertStat,
			Expected: fmt.Sprintf("player %d stat %s", a.Player, a.Path),
			Actual:   "not present",
		}
	}

	if n, isNum := toFloat(value); isNum {
		return assertBounds(AssertStat+" "+a.Path, n, a, result.Trace)
	}
	if a.Equals == nil || !valuesEqual(value, a.Equals) {
		return &AssertionError{
			Type:     AssertStat,
			Expected: fmt.Sprintf("player %d %s = %v", a.Player, a.Path, a.Equals),
			Actual:   fmt.Sprintf("%v", value),
			Trace:    tail(result.Trace, a.Player),
		}
	}
	return nil
}

// assertConverged checks that every peer holds the same snapshot at the
// newest frame all of them have reached.
func assertConverged(h *Harness, result *Result) error {
	if h == nil || len(h.peers) == 0 {
		return fmt.Errorf("converged: no peers")
	}
	frame := h.peers[0].session.Frame()
	for _, p := range h.peers[1:] {
		if f := p.session.Frame(); f < frame {
			frame = f
		}
	}

	var (
		want  string
		owner ir.PlayerID
	)
	for i, p := range h.peers {
		hash, ok := h.hashAt(p, frame)
		if !ok {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("player %d holds a snapshot for frame %d", p.spec.ID, frame),
				Actual:   "frame no longer or not yet retained",
				Trace:    tail(result.Trace, p.spec.ID),
			}
		}
		if i == 0 {
			want, owner = hash, p.spec.ID
			continue
		}
		if hash != want {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("frame %d hash %s (player %d)", frame, want, owner),
				Actual:   fmt.Sprintf("hash %s (player %d)", hash, p.spec.ID),
				Trace:    tail(result.Trace, p.spec.ID),
			}
		}
	}
	return nil
}

// lookup follows a dotted path through nested JSON objects. Array
// elements are addressed by index, e.g. "peers.0.ping_samples".
func lookup(v any, path string) (any, bool) {
	cur := v
	for _, key := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// toFloat converts YAML and JSON numbers to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// valuesEqual compares non-numeric scalars by their printed form, so a
// YAML "true" matches a JSON true.
func valuesEqual(actual, expected any) bool {
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

// EvaluateAssertions evaluates all assertions against a scenario result.
// Returns a list of error messages (empty if all pass).
func EvaluateAssertions(result *Result, assertions []Assertion, h *Harness) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFrame:
			err = assertFrame(result, assertion)
		case AssertStalls:
			err = assertStalls(result, assertion)
		case AssertStat:
			err = assertStat(result, assertion)
		case AssertConverged:
			err = assertConverged(h, result)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
