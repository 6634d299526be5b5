package motion

import (
	"log"
	"time"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const (
	// NudgeSteps is how far the actuator is backed off a resistance limit per tick
	NudgeSteps = 20

	// MinLimitSpeed is the slowest speed (Hz) used near a resistance limit
	MinLimitSpeed = 500

	// SettleDelay is waited before and after a hard position sync
	SettleDelay = 100 * time.Millisecond

	// limitZone is the fraction of the resistance range [minR, maxR],
	// measured inward from either limit, in which the actuator slows down
	limitZone = 0.2

	// releaseShifts is how many shift steps Stop backs off to release tension
	releaseShifts = 4
)

// Actuator drives the resistance mechanism, usually a stepper motor
type Actuator interface {
	CurrentPosition() int64
	IsRunning() bool
	MoveTo(pos int64)
	StopMove()
	SetCurrentPosition(pos int64)
	EnableOutputs()
	DisableOutputs()
	SetAutoEnable(auto bool)
	SetSpeed(hz float64)
	SetDirectionPin(pin int, invert bool)
}

// ConsumerCounter reports the number of connected downstream consumers
// (training apps). Drive outputs stay enabled while there is at least one.
type ConsumerCounter interface {
	ConsumerCount() int
}

type ConsumerCountFunc func() int

func (f ConsumerCountFunc) ConsumerCount() int {
	return f()
}

// Controller issues one bounded actuator command per tick
type Controller struct {
	rt        *state.Runtime
	cfg       config.Provider
	act       Actuator
	consumers ConsumerCounter
	notifier  ftms.Notifier
	logger    *log.Logger

	sleep  func(time.Duration)
	dirPin int

	invert          bool
	reversalPending bool
	speed           float64
}

type Option func(*Controller)

// WithSleeper replaces time.Sleep for the hard sync settle delays
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = sleep }
}

func WithDirectionPin(pin int) Option {
	return func(c *Controller) { c.dirPin = pin }
}

func NewController(rt *state.Runtime, cfg config.Provider, act Actuator, consumers ConsumerCounter, notifier ftms.Notifier, logger *log.Logger, opts ...Option) *Controller {
	if rt == nil {
		panic("MotionController: runtime cannot be nil")
	}
	if cfg == nil {
		panic("MotionController: config cannot be nil")
	}
	if act == nil {
		panic("MotionController: actuator cannot be nil")
	}
	if consumers == nil {
		panic("MotionController: consumer counter cannot be nil")
	}
	if notifier == nil {
		panic("MotionController: notifier cannot be nil")
	}
	if logger == nil {
		panic("MotionController: logger cannot be nil")
	}
	c := &Controller{
		rt:        rt,
		cfg:       cfg,
		act:       act,
		consumers: consumers,
		notifier:  notifier,
		logger:    logger,
		sleep:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}

	settings := cfg.Current()
	c.invert = settings.InvertStepper
	act.SetDirectionPin(c.dirPin, c.invert)
	act.SetAutoEnable(true)
	c.setSpeed(settings.StepperSpeed)
	return c
}

// Step runs one control tick
func (c *Controller) Step() {
	rt := c.rt
	settings := c.cfg.Current()

	target := c.target(settings)

	if rt.SyncMode() {
		c.hardSync(target)
	}

	if rt.AuxLinkConnected() {
		c.moveWithinResistanceLimits(target, settings)
	} else {
		c.setSpeed(settings.StepperSpeed)
		c.act.MoveTo(clamp(target, rt.MinStep(), rt.MaxStep()))
	}

	rt.SetCurrentIncline(float64(c.act.CurrentPosition()))

	if c.consumers.ConsumerCount() > 0 {
		// hold position against head tube slack; the driver still lowers current between moves
		c.act.SetAutoEnable(false)
		c.act.EnableOutputs()
	} else {
		c.act.SetAutoEnable(true)
	}

	c.applyDirection(settings.InvertStepper)
}

// target computes and publishes the desired actuator position. With
// external control the last published position is kept.
func (c *Controller) target(settings *config.Settings) int64 {
	rt := c.rt
	if rt.ExternalControl() {
		return rt.TargetPosition()
	}
	var target int64
	switch rt.ControlMode() {
	case state.ModeTargetPower, state.ModeTargetResistance:
		target = int64(rt.TargetIncline())
	default:
		target = rt.ShifterPosition()*settings.ShiftStep + int64(rt.TargetIncline()*settings.InclineMultiplier)
	}
	if target != rt.TargetPosition() {
		rt.SetTargetPosition(target)
		c.notifier.Notify(events.FieldTargetPosition)
	}
	return target
}

func (c *Controller) hardSync(target int64) {
	c.logger.Printf("MotionController: hard sync to %d", target)
	c.act.StopMove()
	c.sleep(SettleDelay)
	c.act.SetCurrentPosition(target)
	c.sleep(SettleDelay)
	c.rt.SetSyncMode(false)
	c.notifier.Notify(events.FieldSyncMode)
}

// moveWithinResistanceLimits keeps the actuator inside the resistance range
// reported by the aux link, backing off a limit and slowing near one
func (c *Controller) moveWithinResistanceLimits(target int64, settings *config.Settings) {
	rt := c.rt
	resistance := rt.Resistance.Value()
	minR, maxR := float64(rt.MinResistance()), float64(rt.MaxResistance())
	pos := c.act.CurrentPosition()

	c.setSpeed(limitSpeed(resistance, minR, maxR, settings.StepperSpeed, target, pos))

	switch {
	case resistance > minR && resistance < maxR:
		c.act.MoveTo(target)
	case resistance <= minR:
		if resistance < minR {
			c.act.MoveTo(pos + NudgeSteps)
		}
		switch {
		case target > pos:
			// let the rider shift back out
			c.act.MoveTo(target)
		case resistance == minR:
			// replaces a move still heading into the limit
			c.act.MoveTo(pos)
		}
	default:
		if resistance > maxR {
			c.act.MoveTo(pos - NudgeSteps)
		}
		switch {
		case target < pos:
			c.act.MoveTo(target)
		case resistance == maxR:
			c.act.MoveTo(pos)
		}
	}
}

// limitSpeed scales nominal down in proportion to the distance from a
// resistance limit once within limitZone of it, unless the move heads away
func limitSpeed(resistance, minR, maxR, nominal float64, target, pos int64) float64 {
	zone := (maxR - minR) * limitZone
	if zone <= 0 {
		return nominal
	}
	speed := nominal
	if resistance < minR+zone {
		speed = clampSpeed((resistance-minR)/zone*nominal, nominal)
		if target > pos {
			speed = nominal
		}
	}
	if resistance > maxR-zone {
		speed = clampSpeed((maxR-resistance)/zone*nominal, nominal)
		if target < pos {
			speed = nominal
		}
	}
	return speed
}

func clampSpeed(speed, nominal float64) float64 {
	if speed < MinLimitSpeed {
		speed = MinLimitSpeed
	}
	if speed > nominal {
		speed = nominal
	}
	return speed
}

func (c *Controller) setSpeed(hz float64) {
	if hz == c.speed {
		return
	}
	c.speed = hz
	c.act.SetSpeed(hz)
}

// applyDirection waits for the actuator to stop before flipping the
// direction mapping; it is re-checked every tick
func (c *Controller) applyDirection(invert bool) {
	if invert == c.invert {
		c.reversalPending = false
		return
	}
	if c.act.IsRunning() {
		if !c.reversalPending {
			c.logger.Printf("MotionController: direction change deferred until the move completes")
			c.reversalPending = true
		}
		return
	}
	c.act.SetDirectionPin(c.dirPin, invert)
	c.invert = invert
	c.reversalPending = false
	c.logger.Printf("MotionController: direction inverted=%v", invert)
}

// Stop halts the actuator and pins its position to the current target.
// With releaseTension it then backs off a few shifts. Returns the position
// the actuator is left heading to.
func (c *Controller) Stop(releaseTension bool) int64 {
	target := c.rt.TargetPosition()
	c.act.StopMove()
	c.act.SetCurrentPosition(target)
	c.logger.Printf("MotionController: stopped at %d (release tension %v)", target, releaseTension)
	if !releaseTension {
		return target
	}
	released := target - releaseShifts*c.cfg.Current().ShiftStep
	c.act.MoveTo(released)
	return released
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
