package state

import (
	"fmt"
	"sync/atomic"
)

// ControlMode selects how shifter input and the motion target are interpreted
type ControlMode uint32

const (
	ModeSimulation       ControlMode = iota // Virtual incline plus shifter offset (default)
	ModeTargetPower                         // ERG: track a target power in watts
	ModeTargetResistance                    // Track a target resistance level
)

func (m ControlMode) String() string {
	switch m {
	case ModeSimulation:
		return "Simulation"
	case ModeTargetPower:
		return "ERG"
	case ModeTargetResistance:
		return "Resistance"
	default:
		return fmt.Sprintf("ControlMode(%d)", uint32(m))
	}
}

// Default bounds used until a resistance source or calibration narrows them
const (
	DefaultResistanceRange = 2000
	DefaultStepperTravel   = 200000000
)

// Native resistance ranges of the two resistance sources. The sources are
// mutually exclusive; a MaxResistance equal to AuxLinkMaxResistance means the
// aux link currently owns resistance.
const (
	AuxLinkMinResistance = 5
	AuxLinkMaxResistance = 100
	DialMinResistance    = 5
	DialMaxResistance    = 98
)

// Source identifies which kind of sensor last delivered a metric
type Source int

const (
	SourcePower Source = iota
	SourceHeartRate
	SourceCadence
	SourceSpeed
	numSources
)

func (s Source) String() string {
	switch s {
	case SourcePower:
		return "power"
	case SourceHeartRate:
		return "heart_rate"
	case SourceCadence:
		return "cadence"
	case SourceSpeed:
		return "speed"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Runtime is the canonical runtime state shared by every component.
//
// It is created once at startup and passed by pointer. All fields are
// individually atomic: the shifter interrupt path, the aux-link receive
// callback, wireless notification callbacks and the control tick may all
// touch it concurrently, and last-writer-wins is acceptable because the tick
// re-derives every decision from scratch.
type Runtime struct {
	HeartRate  Metric
	Cadence    Metric
	Power      Metric
	Resistance Metric

	speed Float

	minResistance atomic.Int64
	maxResistance atomic.Int64
	minStep       atomic.Int64
	maxStep       atomic.Int64

	shifterPosition     atomic.Int64
	lastShifterPosition atomic.Int64
	targetPosition      atomic.Int64

	controlMode    atomic.Uint32
	targetIncline  Float
	currentIncline Float

	syncMode        atomic.Bool
	externalControl atomic.Bool

	connected        [numSources]atomic.Bool
	auxLinkConnected atomic.Bool
}

// New returns a Runtime in simulation mode with the default bounds
func New() *Runtime {
	r := &Runtime{}
	r.ResetResistanceBounds()
	r.minStep.Store(-DefaultStepperTravel)
	r.maxStep.Store(DefaultStepperTravel)
	return r
}

func (r *Runtime) Speed() float64 { return r.speed.Load() }
func (r *Runtime) SetSpeed(kmh float64) { r.speed.Store(kmh) }

func (r *Runtime) MinResistance() int64 { return r.minResistance.Load() }
func (r *Runtime) MaxResistance() int64 { return r.maxResistance.Load() }

func (r *Runtime) SetResistanceBounds(min, max int64) {
	r.minResistance.Store(min)
	r.maxResistance.Store(max)
}

// ResetResistanceBounds restores the default symmetric resistance range
func (r *Runtime) ResetResistanceBounds() {
	r.SetResistanceBounds(-DefaultResistanceRange, DefaultResistanceRange)
}

func (r *Runtime) MinStep() int64 { return r.minStep.Load() }
func (r *Runtime) MaxStep() int64 { return r.maxStep.Load() }

func (r *Runtime) SetStepBounds(min, max int64) {
	r.minStep.Store(min)
	r.maxStep.Store(max)
}

func (r *Runtime) ShifterPosition() int64 { return r.shifterPosition.Load() }
func (r *Runtime) SetShifterPosition(pos int64) { r.shifterPosition.Store(pos) }
func (r *Runtime) AddShifterPosition(d int64) int64 { return r.shifterPosition.Add(d) }

func (r *Runtime) LastShifterPosition() int64 { return r.lastShifterPosition.Load() }
func (r *Runtime) SetLastShifterPosition(pos int64) { r.lastShifterPosition.Store(pos) }

// TargetPosition is the actuator target computed by the last motion step
func (r *Runtime) TargetPosition() int64 { return r.targetPosition.Load() }
func (r *Runtime) SetTargetPosition(pos int64) { r.targetPosition.Store(pos) }

func (r *Runtime) ControlMode() ControlMode {
	return ControlMode(r.controlMode.Load())
}

func (r *Runtime) SetControlMode(mode ControlMode) {
	r.controlMode.Store(uint32(mode))
}

func (r *Runtime) TargetIncline() float64 { return r.targetIncline.Load() }
func (r *Runtime) SetTargetIncline(v float64) { r.targetIncline.Store(v) }

func (r *Runtime) CurrentIncline() float64 { return r.currentIncline.Load() }
func (r *Runtime) SetCurrentIncline(v float64) { r.currentIncline.Store(v) }

func (r *Runtime) SyncMode() bool { return r.syncMode.Load() }
func (r *Runtime) SetSyncMode(sync bool) { r.syncMode.Store(sync) }

func (r *Runtime) ExternalControl() bool { return r.externalControl.Load() }
func (r *Runtime) SetExternalControl(ext bool) { r.externalControl.Store(ext) }

func (r *Runtime) Connected(src Source) bool {
	if src < 0 || src >= numSources {
		return false
	}
	return r.connected[src].Load()
}

func (r *Runtime) SetConnected(src Source, connected bool) {
	if src < 0 || src >= numSources {
		return
	}
	r.connected[src].Store(connected)
}

func (r *Runtime) AuxLinkConnected() bool { return r.auxLinkConnected.Load() }
func (r *Runtime) SetAuxLinkConnected(connected bool) { r.auxLinkConnected.Store(connected) }

// Snapshot is a point-in-time copy of Runtime for logging and display.
// Fields are read one at a time so cross-field consistency is not guaranteed.
type Snapshot struct {
	HeartRate           MetricSnapshot
	Cadence             MetricSnapshot
	Power               MetricSnapshot
	Resistance          MetricSnapshot
	Speed               float64
	MinResistance       int64
	MaxResistance       int64
	MinStep             int64
	MaxStep             int64
	ShifterPosition     int64
	LastShifterPosition int64
	TargetPosition      int64
	ControlMode         ControlMode
	TargetIncline       float64
	CurrentIncline      float64
	SyncMode            bool
	ExternalControl     bool
	ConnectedPM         bool
	ConnectedHRM        bool
	ConnectedCD         bool
	ConnectedSpeed      bool
	AuxLinkConnected    bool
}

func (r *Runtime) Snapshot() Snapshot {
	return Snapshot{
		HeartRate:           r.HeartRate.snapshot(),
		Cadence:             r.Cadence.snapshot(),
		Power:               r.Power.snapshot(),
		Resistance:          r.Resistance.snapshot(),
		Speed:               r.Speed(),
		MinResistance:       r.MinResistance(),
		MaxResistance:       r.MaxResistance(),
		MinStep:             r.MinStep(),
		MaxStep:             r.MaxStep(),
		ShifterPosition:     r.ShifterPosition(),
		LastShifterPosition: r.LastShifterPosition(),
		TargetPosition:      r.TargetPosition(),
		ControlMode:         r.ControlMode(),
		TargetIncline:       r.TargetIncline(),
		CurrentIncline:      r.CurrentIncline(),
		SyncMode:            r.SyncMode(),
		ExternalControl:     r.ExternalControl(),
		ConnectedPM:         r.Connected(SourcePower),
		ConnectedHRM:        r.Connected(SourceHeartRate),
		ConnectedCD:         r.Connected(SourceCadence),
		ConnectedSpeed:      r.Connected(SourceSpeed),
		AuxLinkConnected:    r.AuxLinkConnected(),
	}
}
