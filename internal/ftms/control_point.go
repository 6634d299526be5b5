package ftms

import (
	"log"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Peer is a downstream trainer that control commands are mirrored to
type Peer interface {
	ForwardControlCommand(data []byte) error
}

// Notifier receives "field changed" events
type Notifier interface {
	Notify(field events.FieldID)
}

// TargetPowerCommand builds a SetTargetPower write for watts, scaled back by
// the power correction factor so the trainer sees uncorrected watts
func TargetPowerCommand(watts, correctionFactor float64) []byte {
	adjusted := int64(watts / correctionFactor)
	if adjusted < 0 {
		adjusted = 0
	}
	if adjusted > 0xFFFF {
		adjusted = 0xFFFF
	}
	return []byte{OpCodeSetTargetPower, byte(adjusted & 0xFF), byte(adjusted >> 8)}
}

// SimulationHeartbeat is the fixed simulation parameters write sent to the
// trainer after every shift in simulation mode. Grade and wind are zero;
// position is driven locally.
func SimulationHeartbeat() []byte {
	return []byte{OpCodeSetIndoorBikeSimulationParameters, 0x00, 0x00, 0x00, 0x00, heartbeatCrr, heartbeatCw}
}

// ControlPoint applies FTMS control point writes from a training app to the
// runtime state and produces the indication response
type ControlPoint struct {
	rt       *state.Runtime
	cfg      config.Provider
	peer     Peer
	notifier Notifier
	logger   *log.Logger
}

func NewControlPoint(rt *state.Runtime, cfg config.Provider, peer Peer, notifier Notifier, logger *log.Logger) *ControlPoint {
	if rt == nil {
		panic("ControlPoint: runtime cannot be nil")
	}
	if cfg == nil {
		panic("ControlPoint: config cannot be nil")
	}
	if peer == nil {
		panic("ControlPoint: peer cannot be nil")
	}
	if notifier == nil {
		panic("ControlPoint: notifier cannot be nil")
	}
	if logger == nil {
		panic("ControlPoint: logger cannot be nil")
	}
	return &ControlPoint{rt: rt, cfg: cfg, peer: peer, notifier: notifier, logger: logger}
}

// Apply handles one control point write and returns the 3 byte response
// {ResponseCode, request op code, result}
func (c *ControlPoint) Apply(data []byte) []byte {
	if len(data) == 0 {
		c.logger.Printf("ControlPoint: empty write, treating as control request")
		return response(OpCodeRequestControl, ResultSuccess)
	}

	op := data[0]
	prevMode := c.rt.ControlMode()
	result := c.apply(op, data)

	if mode := c.rt.ControlMode(); mode != prevMode {
		c.logger.Printf("ControlPoint: control mode %s -> %s", prevMode, mode)
		c.notifier.Notify(events.FieldFTMSMode)
	}
	return response(op, result)
}

func (c *ControlPoint) apply(op byte, data []byte) byte {
	switch op {
	case OpCodeRequestControl:
		c.logger.Printf("ControlPoint: control request")
		return ResultSuccess

	case OpCodeReset:
		c.logger.Printf("ControlPoint: reset")
		return ResultSuccess

	case OpCodeStartOrResume:
		c.logger.Printf("ControlPoint: start training")
		return ResultSuccess

	case OpCodeStopOrPause:
		c.logger.Printf("ControlPoint: stop training")
		return ResultSuccess

	case OpCodeSetTargetInclination:
		if len(data) < 3 {
			return ResultInvalidParameter
		}
		// 0.1 % resolution on the wire, stored in 0.01 %
		incline := float64(int16(uint16(data[1])|uint16(data[2])<<8)) * 10
		c.rt.SetTargetIncline(incline)
		c.rt.SetControlMode(state.ModeSimulation)
		c.notifier.Notify(events.FieldIncline)
		c.logger.Printf("ControlPoint: incline mode %.2f%%", incline/100)
		return ResultSuccess

	case OpCodeSetTargetResistance:
		if len(data) < 2 {
			return ResultInvalidParameter
		}
		return c.setTargetResistance(int64(data[1]))

	case OpCodeSetTargetPower:
		if len(data) < 3 {
			return ResultInvalidParameter
		}
		return c.setTargetPower(float64(uint16(data[1]) | uint16(data[2])<<8))

	case OpCodeSetIndoorBikeSimulationParameters:
		if len(data) < 5 {
			return ResultInvalidParameter
		}
		grade := float64(int16(uint16(data[3]) | uint16(data[4])<<8))
		c.rt.SetTargetIncline(grade)
		c.rt.SetControlMode(state.ModeSimulation)
		c.notifier.Notify(events.FieldIncline)
		c.logger.Printf("ControlPoint: sim mode incline %.2f%%", grade/100)
		c.forward(append([]byte(nil), data...))
		return ResultSuccess

	default:
		c.logger.Printf("ControlPoint: unsupported op code 0x%02X (%s)", op, OpCodeName(op))
		return ResultOpCodeNotSupported
	}
}

func (c *ControlPoint) setTargetResistance(level int64) byte {
	rt := c.rt
	rt.SetControlMode(state.ModeTargetResistance)

	minR, maxR := rt.MinResistance(), rt.MaxResistance()
	switch {
	case level >= minR && level <= maxR:
		rt.Resistance.SetTarget(float64(level))
		c.logger.Printf("ControlPoint: resistance mode %d", level)
		return ResultSuccess
	case level > maxR:
		rt.Resistance.SetTarget(float64(maxR))
	default:
		rt.Resistance.SetTarget(float64(minR))
	}
	c.logger.Printf("ControlPoint: resistance request %d beyond limits [%d, %d]", level, minR, maxR)
	return ResultInvalidParameter
}

func (c *ControlPoint) setTargetPower(watts float64) byte {
	rt := c.rt
	if !rt.Connected(state.SourcePower) && !rt.Power.Simulate() {
		c.logger.Printf("ControlPoint: ERG mode rejected, no power meter connected")
		return ResultOpCodeNotSupported
	}
	rt.SetControlMode(state.ModeTargetPower)
	rt.Power.SetTarget(watts)
	c.logger.Printf("ControlPoint: ERG mode target %.0fw current %.0fw", watts, rt.Power.Value())

	settings := c.cfg.Current()
	if settings.ERGPassthrough {
		c.forward(TargetPowerCommand(watts, settings.PowerCorrectionFactor))
	}
	return ResultSuccess
}

func (c *ControlPoint) forward(cmd []byte) {
	if err := c.peer.ForwardControlCommand(cmd); err != nil {
		c.logger.Printf("ControlPoint: forward % X failed: %v", cmd, err)
	}
}

func response(op, result byte) []byte {
	return []byte{OpCodeResponseCode, op, result}
}

// PeerFunc adapts a function to Peer
type PeerFunc func(data []byte) error

func (f PeerFunc) ForwardControlCommand(data []byte) error {
	return f(data)
}

// NoPeer discards commands, for running without a downstream trainer
var NoPeer Peer = PeerFunc(func([]byte) error { return nil })
