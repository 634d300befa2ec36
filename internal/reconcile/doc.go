// Package reconcile implements backwards reconciliation.
//
// The host never waits: it ticks at a fixed rate, uses each client's input
// if it arrived in time and a prediction otherwise, and broadcasts every new
// state together with the inputs that produced it. Each input is answered
// with a latency report saying how early (positive) or late (negative) it
// arrived relative to the tick that needed it.
//
// Clients predict every other player, rewind to each host state update and
// resimulate their own unacknowledged inputs on top. They speed up or slow
// down their tick rate to keep their inputs arriving a little ahead of the
// host.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/roach88/rewind/internal/latency"
)

// Defaults.
const (
	DefaultFrameTimeBuffer = 128
	DefaultLatencyBuffer   = 16 * time.Millisecond
	DefaultSpeedUp         = 1.1
	DefaultSlowDown        = 0.9
)

type options struct {
	clock         latency.Clock
	logger        *slog.Logger
	frameTimes    int
	latencyBuffer time.Duration
	speedUp       float64
	slowDown      float64
	discount      float64
}

func defaultOptions() options {
	return options{
		clock:         latency.SystemClock{},
		logger:        slog.Default(),
		frameTimes:    DefaultFrameTimeBuffer,
		latencyBuffer: DefaultLatencyBuffer,
		speedUp:       DefaultSpeedUp,
		slowDown:      DefaultSlowDown,
		discount:      latency.DefaultDiscount,
	}
}

// Option configures a Host or a Client.
type Option func(*options)

// WithClock sets the clock used for input arrival and tick timestamps.
func WithClock(c latency.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFrameTimeBuffer sets how many past tick timestamps the host keeps for
// measuring late inputs.
func WithFrameTimeBuffer(n int) Option {
	return func(o *options) {
		o.frameTimes = n
	}
}

// WithLatencyBuffer sets the margin a client tries to keep between its
// input arriving and the host ticking that frame.
func WithLatencyBuffer(d time.Duration) Option {
	return func(o *options) {
		o.latencyBuffer = d
	}
}

// WithTimescale sets the client's speed-up and slow-down tick ratios.
func WithTimescale(speedUp, slowDown float64) Option {
	return func(o *options) {
		o.speedUp = speedUp
		o.slowDown = slowDown
	}
}

// WithDiscount sets the EWMA discount of the client's latency estimate.
func WithDiscount(a float64) Option {
	return func(o *options) {
		o.discount = a
	}
}
