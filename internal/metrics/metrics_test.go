package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowAggregation(t *testing.T) {
	r := NewRecorder(nil)
	base := time.Now().Add(-time.Hour)

	r.RecordLatency(base.Add(1*time.Minute), 10*time.Millisecond, 5)
	r.RecordLatency(base.Add(2*time.Minute), 30*time.Millisecond, 15)
	r.RecordLatency(base.Add(30*time.Minute), 50*time.Millisecond, 25)

	win := r.Window(base, base.Add(10*time.Minute))
	assert.Equal(t, 2, win.Count)
	assert.InDelta(t, 0.020, win.MeanLatency, 1e-9)
	assert.InDelta(t, 0.030, win.MaxLatency, 1e-9)
	assert.InDelta(t, 10.0, win.MeanCandidates, 1e-9)

	all := r.Window(base, base.Add(time.Hour))
	assert.Equal(t, 3, all.Count)

	empty := r.Window(base.Add(40*time.Minute), base.Add(50*time.Minute))
	assert.Zero(t, empty.Count)
	assert.Zero(t, empty.MeanLatency)
}

func TestWindowBoundsAreHalfOpen(t *testing.T) {
	r := NewRecorder(nil)
	at := time.Now().Add(-time.Minute)
	r.RecordLatency(at, 10*time.Millisecond, 1)

	assert.Equal(t, 1, r.Window(at, at.Add(time.Second)).Count)
	assert.Equal(t, 0, r.Window(at.Add(-time.Second), at).Count, "to bound must be exclusive")
}

func TestObserveQueryFeedsWindow(t *testing.T) {
	r := NewRecorder(nil)
	r.ObserveQuery(5*time.Millisecond, 12)
	now := time.Now()
	win := r.Window(now.Add(-time.Minute), now.Add(time.Minute))
	assert.Equal(t, 1, win.Count)
}
