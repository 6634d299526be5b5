package fusion

import (
	"bytes"
	"log"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

func newTestFusion(t *testing.T, mutate func(s *config.Settings), opts ...Option) (*Fusion, *state.Runtime, *bytes.Buffer) {
	t.Helper()
	settings := config.Defaults()
	if mutate != nil {
		mutate(&settings)
	}
	var logBuf bytes.Buffer
	rt := state.New()
	f := New(rt, config.NewStore(settings), log.New(&logBuf, "", 0), opts...)
	return f, rt, &logBuf
}

// indoor bike data carrying speed, cadence, resistance, power and heart rate
var fullIBD = []byte{
	0x64, 0x02, // flags: speed, cadence, resistance, power, heart rate
	0xA0, 0x0F, // 40 km/h
	0xB4, 0x00, // 90 rpm
	0x0A, 0x00, // resistance 10
	0xFA, 0x00, // 250 W
	0x8C, // 140 bpm
}

func TestNew_PanicsOnNil(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	store := config.NewStore(config.Defaults())
	assert.Panics(t, func() { New(nil, store, logger) })
	assert.Panics(t, func() { New(state.New(), nil, logger) })
	assert.Panics(t, func() { New(state.New(), store, nil) })
}

func TestFuse_WritesValuesAndConnectedFlags(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)

	f.Fuse(SourceIndoorBikeData, "aa:bb", fullIBD)

	assert.Equal(t, 140.0, rt.HeartRate.Value())
	assert.Equal(t, 90.0, rt.Cadence.Value())
	assert.Equal(t, 250.0, rt.Power.Value())
	assert.Equal(t, 10.0, rt.Resistance.Value())
	assert.InDelta(t, 40.0, rt.Speed(), 1e-9)
	assert.True(t, rt.Connected(state.SourceHeartRate))
	assert.True(t, rt.Connected(state.SourceCadence))
	assert.True(t, rt.Connected(state.SourcePower))
	assert.True(t, rt.Connected(state.SourceSpeed))
}

func TestFuse_SimulatedMetricsAreNeverOverwritten(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	metrics := []*state.Metric{&rt.HeartRate, &rt.Cadence, &rt.Power, &rt.Resistance}
	for i, m := range metrics {
		m.SetSimulate(true)
		m.SetValue(float64(i + 1))
	}

	f.Fuse(SourceIndoorBikeData, "aa:bb", fullIBD)
	f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxPowerID, 1, '9'})
	f.Fuse(SourceResistanceDial, "dial", []byte{0xE2, 0x04})

	for i, m := range metrics {
		assert.Equal(t, float64(i+1), m.Value(), "metric %d", i)
	}
}

func TestFuse_UnknownSourceIsNoOp(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	before := rt.Snapshot()

	f.Fuse(SourceID("mystery"), "aa:bb", fullIBD)

	assert.Equal(t, before, rt.Snapshot())
	assert.Equal(t, 0, f.handleCount())
}

func TestFuse_DecodeErrorIsLoggedAndIgnored(t *testing.T) {
	f, rt, logBuf := newTestFusion(t, nil)
	before := rt.Snapshot()

	f.Fuse(SourceHeartRate, "aa:bb", []byte{0x01})

	assert.Equal(t, before, rt.Snapshot())
	assert.Contains(t, logBuf.String(), "decode error")
}

func TestFuse_AuxLinkDefersToChosenPowerMeter(t *testing.T) {
	f, rt, _ := newTestFusion(t, func(s *config.Settings) { s.ConnectedPowerMeter = "KICKR CORE 1234" })

	f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxPowerID, 4, '0', '0', '5', '1'})
	f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxCadenceID, 2, '0', '9'})
	f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxResistanceID, 2, '0', '3'})

	assert.Zero(t, rt.Power.Value())
	assert.Zero(t, rt.Cadence.Value())
	assert.False(t, rt.Connected(state.SourcePower))
	assert.Equal(t, 30.0, rt.Resistance.Value(), "resistance is still taken from the aux link")
}

func TestFuse_AuxLinkUsedWhenAnyPowerMeter(t *testing.T) {
	for _, pref := range []string{config.SensorAny, config.SensorNone} {
		t.Run(pref, func(t *testing.T) {
			f, rt, _ := newTestFusion(t, func(s *config.Settings) { s.ConnectedPowerMeter = pref })

			f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxPowerID, 4, '0', '0', '5', '1'})
			f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxCadenceID, 2, '0', '9'})

			assert.Equal(t, 150.0, rt.Power.Value())
			assert.Equal(t, 90.0, rt.Cadence.Value())
		})
	}
}

func TestFuse_ResistanceFromOtherSourcesDroppedWhileAuxLinkActive(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	rt.SetResistanceBounds(state.AuxLinkMinResistance, state.AuxLinkMaxResistance)
	rt.Resistance.SetValue(42)

	f.Fuse(SourceIndoorBikeData, "aa:bb", fullIBD)
	assert.Equal(t, 42.0, rt.Resistance.Value())
	assert.Equal(t, 250.0, rt.Power.Value(), "other metrics from the same payload still apply")

	f.Fuse(SourceResistanceDial, "dial", []byte{0xE2, 0x04})
	assert.Equal(t, 42.0, rt.Resistance.Value())
	assert.Equal(t, int64(state.AuxLinkMaxResistance), rt.MaxResistance())

	f.Fuse(SourceAuxLink, AuxLinkAddress, []byte{AuxHeader, AuxResistanceID, 2, '5', '5'})
	assert.Equal(t, 55.0, rt.Resistance.Value())
}

func TestFuse_PowerCorrectionFactor(t *testing.T) {
	f, rt, _ := newTestFusion(t, func(s *config.Settings) { s.PowerCorrectionFactor = 1.1 })

	f.Fuse(SourceCyclingPower, "aa:bb", []byte{0x00, 0x00, 0xC8, 0x00})

	assert.InDelta(t, 220.0, rt.Power.Value(), 1e-9)
}

func TestFuse_ResistanceDialDerivesPower(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	rt.Cadence.SetValue(90)

	f.Fuse(SourceResistanceDial, "dial", []byte{0xE2, 0x04}) // 1250 -> 50 %

	assert.Equal(t, 50.0, rt.Resistance.Value())
	assert.Equal(t, int64(state.DialMinResistance), rt.MinResistance())
	assert.Equal(t, int64(state.DialMaxResistance), rt.MaxResistance())
	assert.InDelta(t, 358.6, rt.Power.Value(), 0.1)
	assert.True(t, rt.Connected(state.SourcePower))
}

func TestFuse_ResistanceDialDisconnected(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)

	f.Fuse(SourceResistanceDial, "dial", []byte{0xFF, 0x0F})

	assert.Zero(t, rt.Resistance.Value())
	assert.False(t, rt.Connected(state.SourcePower))
	assert.Equal(t, int64(-state.DefaultResistanceRange), rt.MinResistance())
}

func TestDerivedPower(t *testing.T) {
	assert.Zero(t, DerivedPower(5, 10), "cadence below 15 counts as stopped")
	assert.InDelta(t, 358.6, DerivedPower(50, 90), 0.1)
	assert.Zero(t, DerivedPower(1, 0))
	assert.Zero(t, DerivedPower(10, 15), "negative results clamp to zero")
	assert.InDelta(t, 8.65, DerivedPower(1, 20), 0.01, "low resistance uses the cadence-scaled offset")
}

func TestDerivedPower_LowResistanceOffsetIsFractional(t *testing.T) {
	// 90 - 0.9*60 = 36; truncating 90/100 to 0 would give an offset of 90
	base := 5 * math.Pow(0.9, 1.5) * 7.228958
	assert.InDelta(t, base+36, DerivedPower(5, 90), 1e-9)
	assert.InDelta(t, 36.0, DerivedPower(5, 90)-base, 1e-9)
	// power stays fractional
	assert.NotEqual(t, math.Trunc(DerivedPower(5, 90)), DerivedPower(5, 90))
}

func TestPowerFromHeartRate(t *testing.T) {
	pwc := config.Defaults().PWC // (129 bpm, 100 W) and (154 bpm, 150 W)
	assert.InDelta(t, 122.0, PowerFromHeartRate(140, pwc, 0), 1e-9)
	assert.Equal(t, 25.0, PowerFromHeartRate(60, pwc, 25))
}

func TestHandleCache_EvictsLeastRecentlyUsed(t *testing.T) {
	f, rt, logBuf := newTestFusion(t, nil, WithHandleCapacity(2))
	prime := []byte{0x02, 10, 0, 0x00, 0x00}
	next := []byte{0x02, 11, 0, 0x00, 0x04}

	f.Fuse(SourceCSC, "A", prime)
	f.Fuse(SourceCSC, "B", prime)
	f.Fuse(SourceCSC, "C", prime) // evicts A
	assert.Equal(t, 2, f.handleCount())
	assert.Contains(t, logBuf.String(), "evicted decoder for csc(A)")

	f.Fuse(SourceCSC, "A", next) // re-primes, no cadence yet
	assert.Zero(t, rt.Cadence.Value())

	f.Fuse(SourceCSC, "C", next) // C survived eviction of B
	assert.InDelta(t, 60.0, rt.Cadence.Value(), 1e-9)
}

func TestForget_DropsDecoderState(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	f.Fuse(SourceCSC, "A", []byte{0x02, 10, 0, 0x00, 0x00})
	f.Fuse(SourceHeartRate, "A", []byte{0x00, 80})
	require.Equal(t, 2, f.handleCount())

	f.Forget("A")
	assert.Equal(t, 0, f.handleCount())

	f.Fuse(SourceCSC, "A", []byte{0x02, 11, 0, 0x00, 0x04})
	assert.Zero(t, rt.Cadence.Value())
}

func TestEnqueueDrain(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	raw := []byte{0x00, 95}

	require.True(t, f.Enqueue(SourceHeartRate, "aa:bb", raw))
	raw[1] = 0 // caller may reuse its buffer
	assert.Zero(t, rt.HeartRate.Value(), "nothing is fused before Drain")

	assert.Equal(t, 1, f.Drain())
	assert.Equal(t, 95.0, rt.HeartRate.Value())
	assert.Equal(t, 0, f.Drain())
}

func TestEnqueue_FullQueueDrops(t *testing.T) {
	f, _, logBuf := newTestFusion(t, nil, WithQueueSize(1))

	assert.True(t, f.Enqueue(SourceHeartRate, "aa:bb", []byte{0x00, 90}))
	assert.False(t, f.Enqueue(SourceHeartRate, "aa:bb", []byte{0x00, 91}))
	assert.Equal(t, uint64(1), f.Dropped())
	assert.Contains(t, logBuf.String(), "ingest queue full")
}

func TestSweep_ZeroesMetricsWithoutSources(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	rt.Power.SetValue(200)
	rt.Cadence.SetValue(85)
	rt.HeartRate.SetValue(130)

	f.Sweep()

	assert.Zero(t, rt.Power.Value())
	assert.Zero(t, rt.Cadence.Value())
	assert.Zero(t, rt.HeartRate.Value())
}

func TestSweep_KeepsSimulatedAndConnected(t *testing.T) {
	f, rt, _ := newTestFusion(t, nil)
	rt.Power.SetValue(200)
	rt.Power.SetSimulate(true)
	rt.HeartRate.SetValue(130)
	rt.SetConnected(state.SourceHeartRate, true)

	f.Sweep()

	assert.Equal(t, 200.0, rt.Power.Value())
	assert.Equal(t, 130.0, rt.HeartRate.Value())
}

func TestSweep_PowerFromHeartRate(t *testing.T) {
	f, rt, _ := newTestFusion(t, func(s *config.Settings) {
		s.PWC.Enabled = true
		s.MinWatts = 0
	})
	rt.SetConnected(state.SourceHeartRate, true)
	rt.HeartRate.SetValue(140)

	f.Sweep()

	assert.InDelta(t, 122.0, rt.Power.Value(), 1e-9)
	assert.Equal(t, float64(NominalCadence), rt.Cadence.Value())
}

func TestWithDecoder_CustomSource(t *testing.T) {
	custom := SourceID("custom")
	f, rt, _ := newTestFusion(t, nil, WithDecoder(custom, stateless(func(raw []byte) (Bundle, error) {
		if len(raw) == 0 {
			return Bundle{}, errors.New("empty")
		}
		return Bundle{HasCadence: true, Cadence: float64(raw[0])}, nil
	})))

	f.Fuse(custom, "x", []byte{77})
	assert.Equal(t, 77.0, rt.Cadence.Value())
}
