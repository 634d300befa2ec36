package latency

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/wire"
)

// DefaultPingInterval is how often a session pings each peer.
const DefaultPingInterval = 100 * time.Millisecond

// Clock supplies wall-clock time for RTT measurement.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Pinger measures round trips to one peer.
//
// Request stamps a ping-req with the local clock; the peer answers with
// Respond; Handle folds the echoed stamp into the estimator. Pings run on
// their own cadence, independent of simulation ticks.
//
// The estimate is advisory. A response whose stamp lies ahead of the local
// clock (the wall clock stepped back, or the peer echoed garbage) is
// dropped and counted, never reported as an error.
type Pinger struct {
	clock     Clock
	logger    *slog.Logger
	estimator *Estimator
	last      time.Duration
	dropped   int
}

// NewPinger creates a pinger. A nil clock means SystemClock and a nil
// logger means slog.Default().
func NewPinger(clock Clock, discount float64, logger *slog.Logger) *Pinger {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pinger{clock: clock, logger: logger, estimator: NewEstimator(discount)}
}

// Request builds a ping request stamped now.
func (p *Pinger) Request() wire.Message {
	return wire.NewPingReq(p.clock.Now())
}

// Respond answers a peer's ping request.
func Respond(req wire.Message) (wire.Message, error) {
	if req.Type != wire.TypePingReq {
		return wire.Message{}, fmt.Errorf("respond to %s: not a ping request", req.Type)
	}
	return wire.NewPingResp(req), nil
}

// Handle records the round trip of a ping response. Only a message that is
// not a ping response is an error.
func (p *Pinger) Handle(resp wire.Message) error {
	if resp.Type != wire.TypePingResp {
		return fmt.Errorf("handle %s: not a ping response", resp.Type)
	}
	rtt := p.clock.Now().Sub(time.Unix(0, resp.SentTime))
	if rtt < 0 {
		p.dropped++
		p.logger.Debug("ping sample dropped", "rtt", rtt, "dropped", p.dropped)
		return nil
	}
	p.last = rtt
	p.estimator.Observe(rtt)
	return nil
}

// Estimator returns the underlying RTT estimator (milliseconds).
func (p *Pinger) Estimator() *Estimator { return p.estimator }

// Dropped returns how many responses were discarded as unusable.
func (p *Pinger) Dropped() int { return p.dropped }

// Last returns the most recent round trip.
func (p *Pinger) Last() time.Duration { return p.last }

// Summary formats the estimate as "avg ± stddev ms".
func (p *Pinger) Summary() string {
	if p.estimator.Samples() == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f ± %.1f ms", p.estimator.Average(), p.estimator.StdDev())
}
