package controller

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
)

type Poller interface {
	Poll()
}

type Ingest interface {
	Drain() int
	Sweep()
}

type Processor interface {
	Process() int
}

type Stepper interface {
	Step()
}

// Stages are the per-tick sub-steps. AuxLink, Dial, Targets and Thermal
// may be nil. Targets supplies the incline in the ERG and resistance modes.
type Stages struct {
	AuxLink Poller
	Dial    Poller
	Fusion  Ingest
	Shifter Processor
	Targets Stepper
	Motion  Stepper
	Thermal Stepper
}

const overrunLogEvery = 1000

// Controller runs the control loop. Every component shares one runtime
// state, so the stages of a tick never overlap.
type Controller struct {
	stages Stages
	cfg    config.Provider
	logger *log.Logger
	now    func() time.Time

	ticks    atomic.Uint64
	overruns atomic.Uint64
}

func New(stages Stages, cfg config.Provider, logger *log.Logger) *Controller {
	if stages.Fusion == nil {
		panic("Controller: fusion stage cannot be nil")
	}
	if stages.Shifter == nil {
		panic("Controller: shifter stage cannot be nil")
	}
	if stages.Motion == nil {
		panic("Controller: motion stage cannot be nil")
	}
	if cfg == nil {
		panic("Controller: config cannot be nil")
	}
	if logger == nil {
		panic("Controller: logger cannot be nil")
	}
	return &Controller{stages: stages, cfg: cfg, logger: logger, now: time.Now}
}

// Tick runs one control cycle
func (c *Controller) Tick() {
	if c.stages.AuxLink != nil {
		c.stages.AuxLink.Poll()
	}
	if c.stages.Dial != nil {
		c.stages.Dial.Poll()
	}
	c.stages.Fusion.Drain()
	c.stages.Fusion.Sweep()
	c.stages.Shifter.Process()
	if c.stages.Targets != nil {
		c.stages.Targets.Step()
	}
	c.stages.Motion.Step()
	if c.stages.Thermal != nil {
		c.stages.Thermal.Step()
	}
	c.ticks.Add(1)
}

// Run calls Tick every period until ctx is cancelled. A period of zero
// follows the configured tick period, including changes made while running.
func (c *Controller) Run(ctx context.Context, period time.Duration) {
	followConfig := period <= 0
	if followConfig {
		period = c.cfg.Current().TickPeriod
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	c.logger.Printf("Controller: running every %v", period)

	for {
		select {
		case <-ctx.Done():
			c.logger.Printf("Controller: stopped after %d ticks", c.ticks.Load())
			return
		case <-ticker.C:
		}

		start := c.now()
		c.Tick()
		if elapsed := c.now().Sub(start); elapsed > period {
			n := c.overruns.Add(1)
			if n%overrunLogEvery == 1 {
				c.logger.Printf("Controller: tick overran its period (%v > %v, %d overruns)", elapsed, period, n)
			}
		}

		if followConfig {
			if p := c.cfg.Current().TickPeriod; p > 0 && p != period {
				c.logger.Printf("Controller: tick period changed from %v to %v", period, p)
				period = p
				ticker.Reset(period)
			}
		}
	}
}

func (c *Controller) Ticks() uint64 {
	return c.ticks.Load()
}

func (c *Controller) Overruns() uint64 {
	return c.overruns.Load()
}
