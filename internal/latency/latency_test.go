package latency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rewind/internal/testutil"
	"github.com/roach88/rewind/internal/wire"
)

func TestEstimatorFirstSampleInitializes(t *testing.T) {
	e := NewEstimator(0.2)
	e.Update(50)

	assert.Equal(t, 50.0, e.Average())
	assert.Equal(t, 0.0, e.Variance())
	assert.Equal(t, 1, e.Samples())
}

func TestEstimatorUpdates(t *testing.T) {
	e := NewEstimator(0.5)
	e.Update(10)
	e.Update(20)

	// delta=10, variance=0.5*(0+0.5*100)=25, average=0.5*20+0.5*10=15
	assert.InDelta(t, 15.0, e.Average(), 1e-9)
	assert.InDelta(t, 25.0, e.Variance(), 1e-9)
	assert.InDelta(t, 5.0, e.StdDev(), 1e-9)

	e.Update(15)
	// delta=0, variance=0.5*25=12.5, average unchanged
	assert.InDelta(t, 15.0, e.Average(), 1e-9)
	assert.InDelta(t, 12.5, e.Variance(), 1e-9)
}

func TestEstimatorDiscountFallback(t *testing.T) {
	assert.Equal(t, DefaultDiscount, NewEstimator(0).discount)
	assert.Equal(t, DefaultDiscount, NewEstimator(1.5).discount)
	assert.Equal(t, 1.0, NewEstimator(1).discount)
}

func TestEstimatorObserveMilliseconds(t *testing.T) {
	e := NewEstimator(DefaultDiscount)
	e.Observe(1500 * time.Microsecond)
	assert.InDelta(t, 1.5, e.Average(), 1e-9)
}

func TestPingRoundTrip(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	p := NewPinger(clock, DefaultDiscount, nil)

	req := p.Request()
	assert.Equal(t, wire.TypePingReq, req.Type)

	resp, err := Respond(req)
	require.NoError(t, err)
	assert.Equal(t, req.SentTime, resp.SentTime)

	clock.Advance(40 * time.Millisecond)
	require.NoError(t, p.Handle(resp))

	assert.Equal(t, 40*time.Millisecond, p.Last())
	assert.InDelta(t, 40.0, p.Estimator().Average(), 1e-9)
	assert.Equal(t, "40.0 ± 0.0 ms", p.Summary())
}

func TestPingRejectsWrongTypes(t *testing.T) {
	p := NewPinger(nil, DefaultDiscount, nil)
	assert.Equal(t, "n/a", p.Summary())

	_, err := Respond(wire.NewPingResp(wire.NewPingReq(time.Now())))
	assert.Error(t, err)
	assert.Error(t, p.Handle(wire.NewPingReq(time.Now())))
}

func TestPingDropsFutureStamp(t *testing.T) {
	clock := testutil.NewManualClock(time.Unix(1000, 0))
	p := NewPinger(clock, DefaultDiscount, nil)
	resp := wire.NewPingResp(wire.NewPingReq(time.Unix(2000, 0)))
	require.NoError(t, p.Handle(resp))
	assert.Equal(t, 0, p.Estimator().Samples())
	assert.Equal(t, 1, p.Dropped())
	assert.Equal(t, "n/a", p.Summary())

	clock.Advance(time.Hour)
	require.NoError(t, p.Handle(resp))
	assert.Equal(t, 1, p.Estimator().Samples(), "a later valid sample is still taken")
	assert.Equal(t, 1, p.Dropped())
}
