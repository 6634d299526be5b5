package ftms

// FTMS Control Point Op Codes (Fitness Machine Service 1.0 spec)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	OpCodeRequestControl                    byte = 0x00
	OpCodeReset                             byte = 0x01
	OpCodeSetTargetSpeed                    byte = 0x02
	OpCodeSetTargetInclination              byte = 0x03
	OpCodeSetTargetResistance               byte = 0x04
	OpCodeSetTargetPower                    byte = 0x05
	OpCodeSetTargetHeartRate                byte = 0x06
	OpCodeStartOrResume                     byte = 0x07
	OpCodeStopOrPause                       byte = 0x08
	OpCodeSetIndoorBikeSimulationParameters byte = 0x11
	OpCodeResponseCode                      byte = 0x80
)

// FTMS Control Point Result Codes
const (
	ResultSuccess             byte = 0x01
	ResultOpCodeNotSupported  byte = 0x02
	ResultInvalidParameter    byte = 0x03
	ResultOperationFailed     byte = 0x04
	ResultControlNotPermitted byte = 0x05
)

// Service and characteristic UUIDs used when mirroring commands to a trainer
const (
	ServiceUUIDFTMS          = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint = "00002ad9-0000-1000-8000-00805f9b34fb"
)

// Simulation heartbeat wind resistance and rolling resistance coefficients
const (
	heartbeatCrr = 0x28
	heartbeatCw  = 0x33
)

func OpCodeName(op byte) string {
	switch op {
	case OpCodeRequestControl:
		return "RequestControl"
	case OpCodeReset:
		return "Reset"
	case OpCodeSetTargetSpeed:
		return "SetTargetSpeed"
	case OpCodeSetTargetInclination:
		return "SetTargetInclination"
	case OpCodeSetTargetResistance:
		return "SetTargetResistance"
	case OpCodeSetTargetPower:
		return "SetTargetPower"
	case OpCodeSetTargetHeartRate:
		return "SetTargetHeartRate"
	case OpCodeStartOrResume:
		return "StartOrResume"
	case OpCodeStopOrPause:
		return "StopOrPause"
	case OpCodeSetIndoorBikeSimulationParameters:
		return "SetIndoorBikeSimulationParameters"
	case OpCodeResponseCode:
		return "ResponseCode"
	default:
		return "Unknown"
	}
}
