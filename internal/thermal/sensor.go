package thermal

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const DefaultSensorPath = "/sys/class/thermal/thermal_zone0/temp"

// SysfsSensor reads a Linux thermal zone, which reports millidegrees C
type SysfsSensor struct {
	Path string
}

func (s SysfsSensor) Temperature() (float64, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", s.Path)
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected contents in %s", s.Path)
	}
	return float64(milli) / 1000, nil
}

// StaticSensor always reports the same temperature
type StaticSensor float64

func (s StaticSensor) Temperature() (float64, error) {
	return float64(s), nil
}

// VirtualDriver records the requested run current
type VirtualDriver struct {
	scale state.Float
}

func NewVirtualDriver(mA float64) *VirtualDriver {
	d := &VirtualDriver{}
	d.scale.Store(mA)
	return d
}

func (d *VirtualDriver) SetCurrentScale(mA float64) {
	d.scale.Store(mA)
}

func (d *VirtualDriver) CurrentScale() float64 {
	return d.scale.Load()
}
