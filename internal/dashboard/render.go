package dashboard

import (
	"fmt"
	"strings"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/motion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

type StepperStatus interface {
	Status() motion.VirtualStepperStatus
}

type ThrottleStatus interface {
	Throttling() bool
}

type TickStatus interface {
	Ticks() uint64
	Overruns() uint64
}

type SensorStatus interface {
	SubscribedCount() int
}

// FieldSource announces runtime fields changed by the control loop
type FieldSource interface {
	Listen(ch chan<- events.FieldID) func()
}

// Sources are the components the dashboard reads. Only Runtime is required.
type Sources struct {
	Runtime    *state.Runtime
	Stepper    StepperStatus
	Thermal    ThrottleStatus
	Controller TickStatus
	Sensors    SensorStatus
	Clients    motion.ConsumerCounter
	// Fields triggers an immediate refresh on mode and position changes
	Fields FieldSource
}

// Status is everything shown in one refresh
type Status struct {
	Snapshot state.Snapshot

	HasStepper bool
	Stepper    motion.VirtualStepperStatus

	HasThermal bool
	Throttling bool

	Ticks    uint64
	Overruns uint64

	Sensors int
	Clients int
}

func (s Sources) Collect() Status {
	status := Status{Snapshot: s.Runtime.Snapshot()}
	if s.Stepper != nil {
		status.HasStepper = true
		status.Stepper = s.Stepper.Status()
	}
	if s.Thermal != nil {
		status.HasThermal = true
		status.Throttling = s.Thermal.Throttling()
	}
	if s.Controller != nil {
		status.Ticks = s.Controller.Ticks()
		status.Overruns = s.Controller.Overruns()
	}
	if s.Sensors != nil {
		status.Sensors = s.Sensors.SubscribedCount()
	}
	if s.Clients != nil {
		status.Clients = s.Clients.ConsumerCount()
	}
	return status
}

func flag(on bool, label string) string {
	if on {
		return "[green]" + label + "[white]"
	}
	return "[gray]" + label + "[white]"
}

func simulated(m state.MetricSnapshot) string {
	if m.Simulate {
		return " [yellow](sim)[white]"
	}
	return ""
}

// RenderMetrics formats live rider metrics with tview color tags
func RenderMetrics(s Status) string {
	snap := s.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, " Power       %5.0f W%s\n", snap.Power.Value, simulated(snap.Power))
	if snap.ControlMode == state.ModeTargetPower {
		fmt.Fprintf(&b, "   target    %5.0f W\n", snap.Power.Target)
	}
	fmt.Fprintf(&b, " Cadence     %5.0f rpm%s\n", snap.Cadence.Value, simulated(snap.Cadence))
	fmt.Fprintf(&b, " Heart rate  %5.0f bpm%s\n", snap.HeartRate.Value, simulated(snap.HeartRate))
	fmt.Fprintf(&b, " Speed       %5.1f km/h\n", snap.Speed)
	fmt.Fprintf(&b, " Resistance  %5.0f  [%d..%d]\n", snap.Resistance.Value, snap.MinResistance, snap.MaxResistance)
	fmt.Fprintf(&b, " Incline     %5.1f %%\n", snap.CurrentIncline/100)
	fmt.Fprintf(&b, "\n %s  %s  %s  %s  %s\n",
		flag(snap.ConnectedPM, "PM"),
		flag(snap.ConnectedHRM, "HRM"),
		flag(snap.ConnectedCD, "CAD"),
		flag(snap.ConnectedSpeed, "SPD"),
		flag(snap.AuxLinkConnected, "AUX"))
	return b.String()
}

// RenderController formats control loop and actuator state
func RenderController(s Status) string {
	snap := s.Snapshot
	var b strings.Builder
	fmt.Fprintf(&b, " Mode        %s", snap.ControlMode)
	if snap.ExternalControl {
		b.WriteString(" [yellow]external[white]")
	}
	if snap.SyncMode {
		b.WriteString(" [yellow]sync[white]")
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, " Shifter     %d (last %d)\n", snap.ShifterPosition, snap.LastShifterPosition)
	fmt.Fprintf(&b, " Target pos  %d\n", snap.TargetPosition)
	if s.HasStepper {
		outputs := "off"
		if s.Stepper.Outputs {
			outputs = "on"
		}
		fmt.Fprintf(&b, " Stepper     %d -> %d  %.0f Hz  outputs %s\n", s.Stepper.Position, s.Stepper.Target, s.Stepper.Speed, outputs)
	}
	if s.HasThermal {
		if s.Throttling {
			b.WriteString(" Thermal     [red]throttling[white]\n")
		} else {
			b.WriteString(" Thermal     [green]ok[white]\n")
		}
	}
	fmt.Fprintf(&b, " Sensors     %d   Apps %d\n", s.Sensors, s.Clients)
	fmt.Fprintf(&b, " Ticks       %d   overruns %d\n", s.Ticks, s.Overruns)
	return b.String()
}
