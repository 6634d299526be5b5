package shifter

import (
	"log"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Controller turns queued shifts into target changes for the active
// control mode. Process runs on the control tick only.
type Controller struct {
	rt       *state.Runtime
	cfg      config.Provider
	events   <-chan Event
	peer     ftms.Peer
	notifier ftms.Notifier
	logger   *log.Logger

	// projected actuator target including shifts accepted earlier in the
	// same Process call; motion only refreshes TargetPosition after it
	projected int64
}

func NewController(rt *state.Runtime, cfg config.Provider, events <-chan Event, peer ftms.Peer, notifier ftms.Notifier, logger *log.Logger) *Controller {
	if rt == nil {
		panic("ShiftController: runtime cannot be nil")
	}
	if cfg == nil {
		panic("ShiftController: config cannot be nil")
	}
	if events == nil {
		panic("ShiftController: events cannot be nil")
	}
	if peer == nil {
		panic("ShiftController: peer cannot be nil")
	}
	if notifier == nil {
		panic("ShiftController: notifier cannot be nil")
	}
	if logger == nil {
		panic("ShiftController: logger cannot be nil")
	}
	return &Controller{rt: rt, cfg: cfg, events: events, peer: peer, notifier: notifier, logger: logger}
}

// Process applies every pending shift and returns how many were handled.
// A shifter position written directly (by a companion app) since the last
// call is handled as a shift too.
func (c *Controller) Process() int {
	c.projected = c.rt.TargetPosition()
	n := 0
	for {
		select {
		case ev := <-c.events:
			c.rt.AddShifterPosition(ev.Delta)
			if c.shift() {
				n++
			}
		default:
			if c.shift() {
				n++
			}
			return n
		}
	}
}

// shift runs the mode state machine for shifterPosition - lastShifterPosition
func (c *Controller) shift() bool {
	rt := c.rt
	last := rt.LastShifterPosition()
	delta := rt.ShifterPosition() - last
	if delta == 0 {
		return false
	}
	settings := c.cfg.Current()

	switch rt.ControlMode() {
	case state.ModeTargetPower:
		if !c.shiftERG(delta, last, settings) {
			return true
		}
	case state.ModeTargetResistance:
		c.shiftResistance(delta, last)
	default:
		c.shiftSimulation(delta, last, settings)
	}

	rt.SetLastShifterPosition(rt.ShifterPosition())
	c.notifier.Notify(events.FieldShifterPosition)
	return true
}

// shiftERG moves the power target. The shifter position is only a delta
// channel here and is put back. Returns false when the shift was rejected.
func (c *Controller) shiftERG(delta, last int64, settings *config.Settings) bool {
	rt := c.rt
	rt.SetShifterPosition(last)

	current := rt.Power.Target()
	target := current + float64(delta)*settings.ERGPerShift
	if target < settings.MinWatts || target > settings.MaxWatts {
		c.logger.Printf("ShiftController: shift from %.0fw to %.0fw blocked, limits [%.0f, %.0f]",
			current, target, settings.MinWatts, settings.MaxWatts)
		return false
	}
	rt.Power.SetTarget(target)
	c.logger.Printf("ShiftController: ERG shift, new target %.0fw", target)

	if settings.ERGPassthrough {
		c.forward(ftms.TargetPowerCommand(target, settings.PowerCorrectionFactor))
	}
	return true
}

func (c *Controller) shiftResistance(delta, last int64) {
	rt := c.rt
	rt.SetShifterPosition(last)
	if !rt.AuxLinkConnected() {
		return
	}

	minR, maxR := float64(rt.MinResistance()), float64(rt.MaxResistance())
	target := rt.Resistance.Target() + float64(delta)
	switch {
	case target < minR:
		rt.Resistance.SetTarget(minR)
		c.logger.Printf("ShiftController: resistance shift below min %.0f", minR)
	case target > maxR:
		rt.Resistance.SetTarget(maxR)
		c.logger.Printf("ShiftController: resistance shift above max %.0f", maxR)
	default:
		rt.Resistance.SetTarget(target)
		c.logger.Printf("ShiftController: resistance shift, new target %.0f", target)
	}
}

func (c *Controller) shiftSimulation(delta, last int64, settings *config.Settings) {
	rt := c.rt
	targetPos := c.projected
	minStep, maxStep := rt.MinStep(), rt.MaxStep()
	minR, maxR := float64(rt.MinResistance()), float64(rt.MaxResistance())
	resistance := rt.Resistance.Value()

	c.logger.Printf("ShiftController: shift %+d pos %d tgt %d steps [%d, %d] resistance %.0f [%.0f, %.0f]",
		delta, rt.ShifterPosition(), targetPos, minStep, maxStep, resistance, minR, maxR)

	next := targetPos + delta*settings.ShiftStep
	switch {
	case next < minStep || next > maxStep:
		c.logger.Printf("ShiftController: shift blocked by stepper limits")
		rt.SetShifterPosition(last)
	case resistance <= minR && delta > 0:
		// moving out of the min limit
		c.projected = next
	case resistance >= maxR && delta < 0:
		// moving out of the max limit
		c.projected = next
	case resistance > minR && resistance < maxR:
		c.projected = next
	default:
		c.logger.Printf("ShiftController: shift blocked by resistance limit")
		rt.SetShifterPosition(last)
	}

	c.forward(ftms.SimulationHeartbeat())
}

func (c *Controller) forward(cmd []byte) {
	if err := c.peer.ForwardControlCommand(cmd); err != nil {
		c.logger.Printf("ShiftController: forward % X failed: %v", cmd, err)
	}
}
