package thermal

import (
	"log"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
)

// Sensor reads the controller temperature in degrees C
type Sensor interface {
	Temperature() (float64, error)
}

// Driver is the stepper driver's run current setting
type Driver interface {
	SetCurrentScale(mA float64)
	CurrentScale() float64
}

// Guard throttles the driver current while the controller runs hot
type Guard struct {
	sensor Sensor
	driver Driver
	cfg    config.Provider
	logger *log.Logger

	throttling bool
	readErrs   int
}

func NewGuard(sensor Sensor, driver Driver, cfg config.Provider, logger *log.Logger) *Guard {
	if sensor == nil {
		panic("ThermalGuard: sensor cannot be nil")
	}
	if driver == nil {
		panic("ThermalGuard: driver cannot be nil")
	}
	if cfg == nil {
		panic("ThermalGuard: config cannot be nil")
	}
	if logger == nil {
		panic("ThermalGuard: logger cannot be nil")
	}
	return &Guard{sensor: sensor, driver: driver, cfg: cfg, logger: logger}
}

// Step samples the temperature once. Above the threshold the current is
// recomputed from the raw reading every sample.
func (g *Guard) Step() {
	temp, err := g.sensor.Temperature()
	if err != nil {
		g.readErrs++
		if g.readErrs == 1 {
			g.logger.Printf("ThermalGuard: temperature read failed: %v", err)
		}
		return
	}
	g.readErrs = 0

	settings := g.cfg.Current()
	threshold := settings.Thermal.Threshold
	nominal := settings.StepperPower

	if temp > threshold {
		throttled := threshold - temp + nominal
		if throttled < 0 {
			throttled = 0
		}
		g.driver.SetCurrentScale(throttled)
		if !g.throttling {
			g.throttling = true
			g.logger.Printf("ThermalGuard: over temp at %.1f C, driver throttled to %.0f mA", temp, throttled)
		}
		return
	}

	if g.throttling {
		g.throttling = false
		g.driver.SetCurrentScale(nominal)
		g.logger.Printf("ThermalGuard: temperature under control at %.1f C, driver current reset to %.0f mA", temp, nominal)
		return
	}
	if g.driver.CurrentScale() != nominal {
		g.driver.SetCurrentScale(nominal)
	}
}

// Throttling reports whether the driver current is currently reduced
func (g *Guard) Throttling() bool {
	return g.throttling
}
