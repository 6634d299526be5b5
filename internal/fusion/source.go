package fusion

import "fmt"

// SourceID identifies the protocol a payload was received on
type SourceID string

const (
	SourceHeartRate      SourceID = "heart_rate"
	SourceCSC            SourceID = "csc"
	SourceCyclingPower   SourceID = "cycling_power"
	SourceIndoorBikeData SourceID = "indoor_bike_data"
	SourceAuxLink        SourceID = "aux_link"
	SourceResistanceDial SourceID = "resistance_dial"
)

// AuxLinkAddress is the fixed address payloads from the aux link are tagged with
const AuxLinkAddress = "aux"

// Bundle is the result of decoding one payload. Only fields whose Has flag
// is set carry data.
type Bundle struct {
	HasHeartRate  bool
	HasCadence    bool
	HasPower      bool
	HasSpeed      bool
	HasResistance bool

	HeartRate  float64 // bpm
	Cadence    float64 // rpm
	Power      float64 // W
	Speed      float64 // km/h
	Resistance float64 // source-native units
}

// Empty reports whether the bundle carries no metric at all
func (b Bundle) Empty() bool {
	return !b.HasHeartRate && !b.HasCadence && !b.HasPower && !b.HasSpeed && !b.HasResistance
}

func (b Bundle) String() string {
	s := "["
	if b.HasHeartRate {
		s += fmt.Sprintf(" HR(%.0f)", b.HeartRate)
	}
	if b.HasCadence {
		s += fmt.Sprintf(" CD(%.2f)", b.Cadence)
	}
	if b.HasPower {
		s += fmt.Sprintf(" PW(%.0f)", b.Power)
	}
	if b.HasSpeed {
		s += fmt.Sprintf(" SD(%.2f)", b.Speed)
	}
	if b.HasResistance {
		s += fmt.Sprintf(" RS(%.0f)", b.Resistance)
	}
	return s + " ]"
}
