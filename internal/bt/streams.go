package bt

import (
	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// Bluetooth service and characteristic UUIDs for the sensors we subscribe to
const (
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	CharUUIDIndoorBikeData = "00002ad2-0000-1000-8000-00805f9b34fb"
)

// Stream is a notifying characteristic and the fusion source its payloads
// are decoded as
type Stream struct {
	Source             fusion.SourceID
	DisplayName        string
	ServiceUUID        string
	CharacteristicUUID string
	// Provides lists the runtime flags a subscription can set
	Provides []state.Source
}

var (
	StreamHeartRate = Stream{
		Source:             fusion.SourceHeartRate,
		DisplayName:        "Heart Rate",
		ServiceUUID:        ServiceUUIDHeartRate,
		CharacteristicUUID: CharUUIDHeartRateMeasurement,
		Provides:           []state.Source{state.SourceHeartRate},
	}
	StreamCSC = Stream{
		Source:             fusion.SourceCSC,
		DisplayName:        "Speed and Cadence",
		ServiceUUID:        ServiceUUIDCyclingSpeedCadence,
		CharacteristicUUID: CharUUIDCSCMeasurement,
		Provides:           []state.Source{state.SourceCadence, state.SourceSpeed},
	}
	StreamCyclingPower = Stream{
		Source:             fusion.SourceCyclingPower,
		DisplayName:        "Cycling Power",
		ServiceUUID:        ServiceUUIDCyclingPower,
		CharacteristicUUID: CharUUIDCyclingPowerMeasurement,
		Provides:           []state.Source{state.SourcePower, state.SourceCadence},
	}
	StreamIndoorBikeData = Stream{
		Source:             fusion.SourceIndoorBikeData,
		DisplayName:        "Indoor Bike Data",
		ServiceUUID:        ftms.ServiceUUIDFTMS,
		CharacteristicUUID: CharUUIDIndoorBikeData,
		Provides:           []state.Source{state.SourcePower, state.SourceCadence, state.SourceSpeed, state.SourceHeartRate},
	}
)

// AllStreams is the registry of every stream a sensor can be subscribed to
var AllStreams = []Stream{
	StreamHeartRate,
	StreamCSC,
	StreamCyclingPower,
	StreamIndoorBikeData,
}

// ScanServiceUUIDs returns the deduplicated services worth connecting to
func ScanServiceUUIDs() []string {
	seen := make(map[string]bool)
	var result []string
	for _, s := range AllStreams {
		if !seen[s.ServiceUUID] {
			seen[s.ServiceUUID] = true
			result = append(result, s.ServiceUUID)
		}
	}
	return result
}
