package state

import (
	"math"
	"sync/atomic"
)

// Float is a float64 that can be read and written from any goroutine.
// Only single-field atomicity is provided; callers that read two Floats
// may observe them a few microseconds apart.
type Float struct {
	bits atomic.Uint64
}

func (f *Float) Load() float64 {
	return math.Float64frombits(f.bits.Load())
}

func (f *Float) Store(v float64) {
	f.bits.Store(math.Float64bits(v))
}

// Add adds delta and returns the new value
func (f *Float) Add(delta float64) float64 {
	for {
		old := f.bits.Load()
		next := math.Float64frombits(old) + delta
		if f.bits.CompareAndSwap(old, math.Float64bits(next)) {
			return next
		}
	}
}

// Metric is one controlled quantity: the last decoded value, the
// user/app requested target and a simulate flag. While simulate is set the
// value is owned by whoever forced it and decoded updates are discarded.
type Metric struct {
	value    Float
	target   Float
	simulate atomic.Bool
}

func (m *Metric) Value() float64 {
	return m.value.Load()
}

func (m *Metric) SetValue(v float64) {
	m.value.Store(v)
}

func (m *Metric) Target() float64 {
	return m.target.Load()
}

func (m *Metric) SetTarget(v float64) {
	m.target.Store(v)
}

func (m *Metric) Simulate() bool {
	return m.simulate.Load()
}

func (m *Metric) SetSimulate(sim bool) {
	m.simulate.Store(sim)
}

// MetricSnapshot is a plain copy of a Metric
type MetricSnapshot struct {
	Value    float64
	Target   float64
	Simulate bool
}

func (m *Metric) snapshot() MetricSnapshot {
	return MetricSnapshot{
		Value:    m.Value(),
		Target:   m.Target(),
		Simulate: m.Simulate(),
	}
}
