package engine

// DefaultMaxPredictedFrames is the default prediction depth at which a peer
// stops ticking and waits for remote input.
const DefaultMaxPredictedFrames = 10

// CatchUp controls when a peer runs extra ticks per timestep.
//
// When any remote player's future queue holds at least Threshold inputs,
// that player is ahead of us and we are forcing them to predict. Running
// Multiplier ticks for one timestep lets us catch up instead.
type CatchUp struct {
	Threshold         int  `json:"threshold"`
	Multiplier        int  `json:"multiplier"`
	AuthoritativeOnly bool `json:"authoritative_only"`
}

// DefaultCatchUp doubles the tick rate on the authoritative peer while any
// remote input is queued.
func DefaultCatchUp() CatchUp {
	return CatchUp{Threshold: 1, Multiplier: 2, AuthoritativeOnly: true}
}

// StallController gates ticks on prediction depth and decides how many
// ticks a timestep should run.
//
// The catch-up curve is a heuristic; both the threshold and the multiplier
// are configuration, not protocol.
type StallController struct {
	maxPredicted int
	catchUp      CatchUp
}

// NewStallController creates a controller with the given prediction limit
// and catch-up policy.
func NewStallController(maxPredicted int, catchUp CatchUp) *StallController {
	return &StallController{maxPredicted: maxPredicted, catchUp: catchUp}
}

// ShouldStall reports whether a tick must be withheld at the given depth.
//
// A tick at depth maxPredicted would produce maxPredicted+1 predicted
// frames, so the gate closes once the limit is reached.
func (s *StallController) ShouldStall(predicted int) bool {
	return predicted >= s.maxPredicted
}

// TicksDue returns how many ticks to run this timestep.
func (s *StallController) TicksDue(largestFuture int, authoritative bool) int {
	if s.catchUp.Multiplier <= 1 {
		return 1
	}
	if s.catchUp.AuthoritativeOnly && !authoritative {
		return 1
	}
	threshold := s.catchUp.Threshold
	if threshold < 1 {
		threshold = 1
	}
	if largestFuture >= threshold {
		return s.catchUp.Multiplier
	}
	return 1
}

// MaxPredicted returns the configured prediction limit.
func (s *StallController) MaxPredicted() int { return s.maxPredicted }
