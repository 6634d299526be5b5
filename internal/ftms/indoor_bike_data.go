package ftms

import (
	"encoding/binary"
	"math"

	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Characteristics of the fitness machine server
const (
	CharUUIDFeature              = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData       = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDInclinationRange     = "00002ad5-0000-1000-8000-00805f9b34fb"
	CharUUIDResistanceLevelRange = "00002ad6-0000-1000-8000-00805f9b34fb"
	CharUUIDPowerRange           = "00002ad8-0000-1000-8000-00805f9b34fb"
)

// Indoor bike data fields we publish: speed (implied by a clear bit 0),
// cadence, resistance level, power and heart rate
const IndoorBikeDataFlags uint16 = 0x0264

// Fitness machine feature and target setting bits we advertise
const (
	featureCadence     uint32 = 1 << 1
	featureInclination uint32 = 1 << 3
	featureResistance  uint32 = 1 << 7
	featureHeartRate   uint32 = 1 << 10
	featurePower       uint32 = 1 << 14

	targetInclination uint32 = 1 << 1
	targetResistance  uint32 = 1 << 2
	targetPower       uint32 = 1 << 3
	targetSimulation  uint32 = 1 << 13
	targetSpinDown    uint32 = 1 << 15
)

// FeatureValue is the read-only Fitness Machine Feature characteristic
func FeatureValue() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], featureCadence|featureInclination|featureResistance|featureHeartRate|featurePower)
	binary.LittleEndian.PutUint32(out[4:8], targetInclination|targetResistance|targetPower|targetSimulation|targetSpinDown)
	return out
}

// Supported ranges as min, max, increment
var (
	ResistanceLevelRange = []byte{0x01, 0x00, 0x64, 0x00, 0x01, 0x00} // 1 to 100
	PowerRange           = []byte{0x01, 0x00, 0xA0, 0x0F, 0x01, 0x00} // 1 to 4000 W
	InclinationRange     = []byte{0x38, 0xFF, 0xC8, 0x00, 0x01, 0x00} // -20.0 to 20.0 %
)

// EncodeIndoorBikeData builds an Indoor Bike Data notification from the
// runtime. Cadence is sent in 0.5 rpm units, speed in 0.01 km/h.
func EncodeIndoorBikeData(s state.Snapshot) []byte {
	out := make([]byte, 11)
	binary.LittleEndian.PutUint16(out[0:2], IndoorBikeDataFlags)
	binary.LittleEndian.PutUint16(out[2:4], uint16(clampInt(s.Speed*100, 0, math.MaxUint16)))
	binary.LittleEndian.PutUint16(out[4:6], uint16(clampInt(s.Cadence.Value*2, 0, math.MaxUint16)))
	binary.LittleEndian.PutUint16(out[6:8], uint16(int16(clampInt(s.Resistance.Value, math.MinInt16, math.MaxInt16))))
	binary.LittleEndian.PutUint16(out[8:10], uint16(int16(clampInt(s.Power.Value, math.MinInt16, math.MaxInt16))))
	out[10] = uint8(clampInt(s.HeartRate.Value, 0, math.MaxUint8))
	return out
}

func clampInt(v, lo, hi float64) int64 {
	return int64(math.Max(lo, math.Min(hi, v)))
}
