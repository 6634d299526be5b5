package ftms

import (
	"encoding/binary"
	"log"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Companion service used by the settings app to read and write runtime values
const (
	ServiceUUIDCustom = "77776277-7877-7774-4466-896665500000"
	CharUUIDCustom    = "77776277-7877-7774-4466-896665500001"
)

// Custom characteristic frame: {op, item, value...}. The response echoes the
// frame with op replaced by the result, and a read appends the value.
const (
	CustomRead    byte = 0x01
	CustomWrite   byte = 0x02
	CustomSuccess byte = 0x80
	CustomError   byte = 0xFF
)

// Custom characteristic items
const (
	ItemIncline         byte = 0x02
	ItemSimulatedWatts  byte = 0x03
	ItemSimulatedHR     byte = 0x04
	ItemSimulatedCad    byte = 0x05
	ItemSimulatedSpeed  byte = 0x06
	ItemSimulateHR      byte = 0x0D
	ItemSimulateWatts   byte = 0x0E
	ItemSimulateCad     byte = 0x0F
	ItemFTMSMode        byte = 0x10
	ItemShifterPosition byte = 0x17
	ItemTargetPosition  byte = 0x19
	ItemExternalControl byte = 0x1A
	ItemSyncMode        byte = 0x1B
)

// field is one readable and writable runtime value. size is the value width
// on the wire; read and write convert to and from its little endian form.
type field struct {
	name   string
	size   int
	read   func(rt *state.Runtime) uint32
	write  func(rt *state.Runtime, v uint32)
	notify events.FieldID
}

func boolField(name string, get func(rt *state.Runtime) bool, set func(rt *state.Runtime, v bool)) field {
	return field{
		name: name,
		size: 1,
		read: func(rt *state.Runtime) uint32 {
			if get(rt) {
				return 1
			}
			return 0
		},
		write: func(rt *state.Runtime, v uint32) { set(rt, v != 0) },
	}
}

func metricField(name string, m func(rt *state.Runtime) *state.Metric) field {
	return field{
		name:  name,
		size:  2,
		read:  func(rt *state.Runtime) uint32 { return uint32(clampU16(m(rt).Value())) },
		write: func(rt *state.Runtime, v uint32) { m(rt).SetValue(float64(v)) },
	}
}

func simulateField(name string, m func(rt *state.Runtime) *state.Metric) field {
	return boolField(name,
		func(rt *state.Runtime) bool { return m(rt).Simulate() },
		func(rt *state.Runtime, v bool) { m(rt).SetSimulate(v) })
}

var customFields = map[byte]field{
	// 0.1 % on the wire, stored in 0.01 %
	ItemIncline: {
		name:   "incline",
		size:   2,
		read:   func(rt *state.Runtime) uint32 { return uint32(uint16(int16(rt.TargetIncline() / 10))) },
		write:  func(rt *state.Runtime, v uint32) { rt.SetTargetIncline(float64(int16(v)) * 10) },
		notify: events.FieldIncline,
	},
	ItemSimulatedWatts: metricField("simulated watts", func(rt *state.Runtime) *state.Metric { return &rt.Power }),
	ItemSimulatedHR:    metricField("simulated hr", func(rt *state.Runtime) *state.Metric { return &rt.HeartRate }),
	ItemSimulatedCad:   metricField("simulated cadence", func(rt *state.Runtime) *state.Metric { return &rt.Cadence }),
	// 0.1 km/h on the wire
	ItemSimulatedSpeed: {
		name:  "simulated speed",
		size:  2,
		read:  func(rt *state.Runtime) uint32 { return uint32(clampU16(rt.Speed() * 10)) },
		write: func(rt *state.Runtime, v uint32) { rt.SetSpeed(float64(v) / 10) },
	},
	ItemSimulateHR:    simulateField("simulate hr", func(rt *state.Runtime) *state.Metric { return &rt.HeartRate }),
	ItemSimulateWatts: simulateField("simulate watts", func(rt *state.Runtime) *state.Metric { return &rt.Power }),
	ItemSimulateCad:   simulateField("simulate cadence", func(rt *state.Runtime) *state.Metric { return &rt.Cadence }),
	ItemFTMSMode: {
		name:   "ftms mode",
		size:   2,
		read:   func(rt *state.Runtime) uint32 { return uint32(modeOpCode(rt.ControlMode())) },
		write:  func(rt *state.Runtime, v uint32) { rt.SetControlMode(opCodeMode(byte(v))) },
		notify: events.FieldFTMSMode,
	},
	ItemShifterPosition: {
		name:   "shifter position",
		size:   2,
		read:   func(rt *state.Runtime) uint32 { return uint32(uint16(rt.ShifterPosition())) },
		write:  func(rt *state.Runtime, v uint32) { rt.SetShifterPosition(int64(int16(v))) },
		notify: events.FieldShifterPosition,
	},
	ItemTargetPosition: {
		name:   "target position",
		size:   4,
		read:   func(rt *state.Runtime) uint32 { return uint32(int32(rt.TargetPosition())) },
		write:  func(rt *state.Runtime, v uint32) { rt.SetTargetPosition(int64(int32(v))) },
		notify: events.FieldTargetPosition,
	},
	ItemExternalControl: withNotify(boolField("external control",
		(*state.Runtime).ExternalControl, (*state.Runtime).SetExternalControl), events.FieldExternalControl),
	ItemSyncMode: withNotify(boolField("sync mode",
		(*state.Runtime).SyncMode, (*state.Runtime).SetSyncMode), events.FieldSyncMode),
}

func withNotify(f field, id events.FieldID) field {
	f.notify = id
	return f
}

// modeOpCode reports a control mode as the control point op code that selects it
func modeOpCode(mode state.ControlMode) byte {
	switch mode {
	case state.ModeTargetPower:
		return OpCodeSetTargetPower
	case state.ModeTargetResistance:
		return OpCodeSetTargetResistance
	default:
		return OpCodeSetIndoorBikeSimulationParameters
	}
}

func opCodeMode(op byte) state.ControlMode {
	switch op {
	case OpCodeSetTargetPower:
		return state.ModeTargetPower
	case OpCodeSetTargetResistance:
		return state.ModeTargetResistance
	default:
		return state.ModeSimulation
	}
}

func clampU16(v float64) uint16 {
	switch {
	case v <= 0:
		return 0
	case v >= 0xFFFF:
		return 0xFFFF
	default:
		return uint16(v)
	}
}

// Custom reads and writes runtime values for the companion settings app
type Custom struct {
	rt       *state.Runtime
	notifier Notifier
	logger   *log.Logger
}

func NewCustom(rt *state.Runtime, notifier Notifier, logger *log.Logger) *Custom {
	if rt == nil {
		panic("Custom: runtime cannot be nil")
	}
	if notifier == nil {
		panic("Custom: notifier cannot be nil")
	}
	if logger == nil {
		panic("Custom: logger cannot be nil")
	}
	return &Custom{rt: rt, notifier: notifier, logger: logger}
}

// Apply handles one frame and returns the response frame
func (c *Custom) Apply(data []byte) []byte {
	if len(data) < 2 {
		c.logger.Printf("Custom: short frame % X", data)
		return []byte{CustomError}
	}
	op, item := data[0], data[1]
	fail := append([]byte{CustomError}, data[1:]...)

	f, ok := customFields[item]
	if !ok {
		c.logger.Printf("Custom: unknown item 0x%02X", item)
		return fail
	}

	switch op {
	case CustomRead:
		out := []byte{CustomSuccess, item}
		return append(out, encodeValue(f.read(c.rt), f.size)...)

	case CustomWrite:
		if len(data) < 2+f.size {
			c.logger.Printf("Custom: %s write needs %d bytes, got % X", f.name, f.size, data[2:])
			return fail
		}
		v := decodeValue(data[2:2+f.size], f.size)
		f.write(c.rt, v)
		c.logger.Printf("Custom: %s <- %d", f.name, v)
		if f.notify != 0 {
			c.notifier.Notify(f.notify)
		}
		return append([]byte{CustomSuccess}, data[1:]...)

	default:
		c.logger.Printf("Custom: unknown op 0x%02X for %s", op, f.name)
		return fail
	}
}

func encodeValue(v uint32, size int) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out[:size]
}

func decodeValue(b []byte, size int) uint32 {
	switch size {
	case 1:
		return uint32(b[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(b))
	default:
		return binary.LittleEndian.Uint32(b)
	}
}
