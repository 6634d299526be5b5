package erg

import (
	"log"
	"math"
	"time"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const (
	// StepsPerResistanceLevel is how far the target incline moves per level
	// of resistance error
	StepsPerResistanceLevel = 100

	// power readings below this are treated as a faulty meter
	minValidWatts = 10

	// a target change larger than this (watts) is a new set point
	setPointJump = 20

	// error, in percent of the target, above which the full sensitivity applies
	largeDeviationPct = 10

	// extra periods the power meter gets to settle after a set point change
	settlePeriods = 2
)

// MotorStopper stops the actuator and returns the position it is left
// heading to
type MotorStopper interface {
	Stop(releaseTension bool) int64
}

// Controller supplies TargetIncline in the ERG and resistance modes.
// Step is called every tick; the correction itself runs once per ERG period.
type Controller struct {
	rt     *state.Runtime
	cfg    config.Provider
	motor  MotorStopper
	logger *log.Logger
	now    func() time.Time

	next     time.Time
	setPoint float64
	stopped  bool
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func New(rt *state.Runtime, cfg config.Provider, motor MotorStopper, logger *log.Logger, opts ...Option) *Controller {
	if rt == nil {
		panic("ERG: runtime cannot be nil")
	}
	if cfg == nil {
		panic("ERG: config cannot be nil")
	}
	if motor == nil {
		panic("ERG: motor cannot be nil")
	}
	if logger == nil {
		panic("ERG: logger cannot be nil")
	}
	c := &Controller{rt: rt, cfg: cfg, motor: motor, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Step() {
	now := c.now()
	if now.Before(c.next) {
		return
	}
	settings := c.cfg.Current()
	c.next = now.Add(settings.ERGPeriod)

	switch c.rt.ControlMode() {
	case state.ModeTargetPower:
		c.computeERG(settings, now)
	case state.ModeTargetResistance:
		c.stopped = false
		c.computeResistance()
	default:
		c.stopped = false
		c.setPoint = 0
	}
}

// computeERG corrects the incline in proportion to the power error
func (c *Controller) computeERG(settings *config.Settings, now time.Time) {
	rt := c.rt
	if !c.spinning(settings) {
		return
	}
	if !rt.Connected(state.SourcePower) && !rt.Power.Simulate() {
		return
	}
	watts := rt.Power.Value()
	if watts < minValidWatts {
		return
	}
	target := math.Max(rt.Power.Target(), settings.MinWatts)
	if target <= 0 {
		return
	}

	change := target - watts
	deviation := math.Abs(change * 100 / target)
	jumped := math.Abs(c.setPoint-target) > setPointJump

	factor := settings.ERGSensitivity / 2
	switch {
	case jumped && deviation > largeDeviationPct:
		factor = settings.ERGSensitivity * 2
	case deviation > largeDeviationPct:
		factor = settings.ERGSensitivity
	}

	current := rt.CurrentIncline()
	incline := current + change*factor
	rt.SetTargetIncline(incline)
	c.setPoint = target

	if jumped {
		c.logger.Printf("ERG: set point %.0fw at %.0fw, incline %.0f -> %.0f", target, watts, current, incline)
		c.next = now.Add(time.Duration(1+settlePeriods) * settings.ERGPeriod)
	}
}

// spinning releases tension once when cadence drops to the minimum
func (c *Controller) spinning(settings *config.Settings) bool {
	rt := c.rt
	cadence := rt.Cadence.Value()
	if cadence > settings.MinERGCadence {
		c.stopped = false
		return true
	}
	if !c.stopped {
		released := c.motor.Stop(true)
		rt.SetTargetIncline(float64(released))
		c.stopped = true
		c.logger.Printf("ERG: cadence %.0f rpm, releasing tension", cadence)
	}
	return false
}

// computeResistance walks the incline toward the target resistance level.
// It needs a resistance source reporting its native range.
func (c *Controller) computeResistance() {
	rt := c.rt
	if rt.MaxResistance() == state.DefaultResistanceRange || rt.Cadence.Value() <= 0 {
		return
	}
	delta := math.Trunc(rt.Resistance.Target() - rt.Resistance.Value())
	if delta != 0 {
		rt.SetTargetIncline(rt.TargetIncline() + StepsPerResistanceLevel*delta)
	} else {
		rt.SetTargetIncline(rt.CurrentIncline())
	}
}
