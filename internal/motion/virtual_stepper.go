package motion

import (
	"math"
	"sync"
	"time"
)

// VirtualStepper is a software Actuator that moves at its configured speed
// against a clock. It stands in for the motor when no hardware is attached.
type VirtualStepper struct {
	mu  sync.Mutex
	now func() time.Time

	last       time.Time
	position   float64
	target     int64
	speed      float64
	outputs    bool
	autoEnable bool
	dirPin     int
	inverted   bool
}

// NewVirtualStepper creates a stepper at position 0. now may be nil.
func NewVirtualStepper(now func() time.Time) *VirtualStepper {
	if now == nil {
		now = time.Now
	}
	return &VirtualStepper{now: now, last: now()}
}

// advance moves the position for the time elapsed since the last call.
// Caller holds mu.
func (v *VirtualStepper) advance() {
	t := v.now()
	elapsed := t.Sub(v.last).Seconds()
	v.last = t
	if elapsed <= 0 || (!v.outputs && !v.autoEnable) {
		return
	}
	diff := float64(v.target) - v.position
	step := v.speed * elapsed
	if math.Abs(diff) <= step {
		v.position = float64(v.target)
		return
	}
	v.position += math.Copysign(step, diff)
}

func (v *VirtualStepper) CurrentPosition() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return int64(math.Round(v.position))
}

func (v *VirtualStepper) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return v.position != float64(v.target)
}

func (v *VirtualStepper) MoveTo(pos int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.target = pos
}

func (v *VirtualStepper) StopMove() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.target = int64(math.Round(v.position))
	v.position = float64(v.target)
}

func (v *VirtualStepper) SetCurrentPosition(pos int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.position = float64(pos)
	v.target = pos
}

func (v *VirtualStepper) EnableOutputs() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.outputs = true
}

func (v *VirtualStepper) DisableOutputs() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.outputs = false
}

func (v *VirtualStepper) SetAutoEnable(auto bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.autoEnable = auto
}

func (v *VirtualStepper) SetSpeed(hz float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	v.speed = hz
}

func (v *VirtualStepper) SetDirectionPin(pin int, invert bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dirPin = pin
	v.inverted = invert
}

// VirtualStepperStatus is a point-in-time view for display
type VirtualStepperStatus struct {
	Position     int64
	Target       int64
	Speed        float64
	Outputs      bool
	AutoEnable   bool
	DirectionPin int
	Inverted     bool
}

func (v *VirtualStepper) Status() VirtualStepperStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.advance()
	return VirtualStepperStatus{
		Position:     int64(math.Round(v.position)),
		Target:       v.target,
		Speed:        v.speed,
		Outputs:      v.outputs,
		AutoEnable:   v.autoEnable,
		DirectionPin: v.dirPin,
		Inverted:     v.inverted,
	}
}
