package dashboard

import (
	"bytes"
	"log"
	"testing"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/motion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/shifter"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

type recordingControlPoint struct {
	writes [][]byte
	result byte
}

func (r *recordingControlPoint) Apply(data []byte) []byte {
	r.writes = append(r.writes, append([]byte(nil), data...))
	return []byte{ftms.OpCodeResponseCode, data[0], r.result}
}

type fixture struct {
	d         *Dashboard
	rt        *state.Runtime
	debouncer *shifter.Debouncer
	control   *recordingControlPoint
	custom    *ftms.Custom
	logBuf    *bytes.Buffer
	quits     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	var logBuf bytes.Buffer
	f := &fixture{
		rt:      state.New(),
		control: &recordingControlPoint{result: ftms.ResultSuccess},
		logBuf:  &logBuf,
	}
	f.debouncer = shifter.NewDebouncer(shifter.AlwaysActive, config.NewStore(config.Defaults()))
	keys := shifter.NewKeys(f.debouncer, nil)
	logger := log.New(&logBuf, "", 0)
	f.custom = ftms.NewCustom(f.rt, events.NewFieldHub(), logger)
	f.d = New(Sources{Runtime: f.rt}, keys, f.control, f.custom, logger)
	f.d.quit = func() { f.quits++ }
	return f
}

func runeKey(r rune) *tcell.EventKey {
	return tcell.NewEventKey(tcell.KeyRune, r, tcell.ModNone)
}

func TestNew_PanicsOnNil(t *testing.T) {
	logger := log.New(&bytes.Buffer{}, "", 0)
	keys := shifter.NewKeys(shifter.NewDebouncer(shifter.AlwaysActive, config.NewStore(config.Defaults())), nil)
	cp := &recordingControlPoint{}
	src := Sources{Runtime: state.New()}

	assert.Panics(t, func() { New(Sources{}, keys, cp, cp, logger) })
	assert.Panics(t, func() { New(src, nil, cp, cp, logger) })
	assert.Panics(t, func() { New(src, keys, nil, cp, logger) })
	assert.Panics(t, func() { New(src, keys, cp, nil, logger) })
	assert.Panics(t, func() { New(src, keys, cp, cp, nil) })
}

func TestHandleKey_EscapeQuits(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.d.HandleKey(tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone)))
	assert.Equal(t, 1, f.quits)
}

func TestHandleKey_ShiftKeys(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.d.HandleKey(tcell.NewEventKey(tcell.KeyUp, 0, tcell.ModNone)))
	require.Len(t, f.debouncer.Events(), 1)
	assert.Equal(t, int64(1), (<-f.debouncer.Events()).Delta)

	// inside the debounce window
	assert.Nil(t, f.d.HandleKey(runeKey('-')))
	assert.Len(t, f.debouncer.Events(), 0)
	assert.Contains(t, f.logBuf.String(), "Rune[-] ignored")
}

func TestHandleKey_ModeKeys(t *testing.T) {
	f := newFixture(t)
	f.rt.Power.SetValue(187.4)
	f.rt.Resistance.SetValue(42)

	assert.Nil(t, f.d.HandleKey(runeKey('e')))
	f.rt.Power.SetTarget(250)
	assert.Nil(t, f.d.HandleKey(runeKey('E')))
	assert.Nil(t, f.d.HandleKey(runeKey('r')))
	assert.Nil(t, f.d.HandleKey(runeKey('i')))

	assert.Equal(t, [][]byte{
		{ftms.OpCodeSetTargetPower, 187, 0x00},
		{ftms.OpCodeSetTargetPower, 0xFA, 0x00},
		{ftms.OpCodeSetTargetResistance, 42},
		{ftms.OpCodeSetTargetInclination, 0x00, 0x00},
	}, f.control.writes)
}

func TestHandleKey_LogsRejection(t *testing.T) {
	f := newFixture(t)
	f.control.result = ftms.ResultOpCodeNotSupported

	f.d.HandleKey(runeKey('e'))

	assert.Contains(t, f.logBuf.String(), "SetTargetPower rejected (result 0x02)")
}

func TestHandleKey_PassesThroughUnboundKeys(t *testing.T) {
	f := newFixture(t)

	tab := tcell.NewEventKey(tcell.KeyTab, 0, tcell.ModNone)
	assert.Same(t, tab, f.d.HandleKey(tab))
	z := runeKey('z')
	assert.Same(t, z, f.d.HandleKey(z))
	assert.Empty(t, f.control.writes)
}

func TestHandleKey_ToggleKeys(t *testing.T) {
	f := newFixture(t)

	assert.Nil(t, f.d.HandleKey(runeKey('s')))
	assert.Nil(t, f.d.HandleKey(runeKey('X')))
	assert.Nil(t, f.d.HandleKey(runeKey('p')))
	assert.True(t, f.rt.SyncMode())
	assert.True(t, f.rt.ExternalControl())
	assert.True(t, f.rt.Power.Simulate())

	f.d.HandleKey(runeKey('S'))
	assert.False(t, f.rt.SyncMode())
	assert.Empty(t, f.control.writes)
}

type fakeTicks struct{}

func (fakeTicks) Ticks() uint64    { return 7 }
func (fakeTicks) Overruns() uint64 { return 1 }

type fakeThermal bool

func (f fakeThermal) Throttling() bool { return bool(f) }

type fakeSensors int

func (f fakeSensors) SubscribedCount() int { return int(f) }

func TestCollectAndRender(t *testing.T) {
	rt := state.New()
	rt.Power.SetValue(245)
	rt.Power.SetTarget(250)
	rt.HeartRate.SetSimulate(true)
	rt.SetControlMode(state.ModeTargetPower)
	rt.SetConnected(state.SourcePower, true)
	rt.SetSyncMode(true)

	stepper := motion.NewVirtualStepper(nil)
	src := Sources{
		Runtime:    rt,
		Stepper:    stepper,
		Thermal:    fakeThermal(true),
		Controller: fakeTicks{},
		Sensors:    fakeSensors(2),
		Clients:    motion.ConsumerCountFunc(func() int { return 1 }),
	}
	status := src.Collect()

	metrics := RenderMetrics(status)
	assert.Contains(t, metrics, "  245 W")
	assert.Contains(t, metrics, "target      250 W")
	assert.Contains(t, metrics, "bpm [yellow](sim)")
	assert.Contains(t, metrics, "[green]PM[white]")
	assert.Contains(t, metrics, "[gray]HRM[white]")

	controller := RenderController(status)
	assert.Contains(t, controller, "Mode        ERG [yellow]sync[white]")
	assert.Contains(t, controller, "[red]throttling")
	assert.Contains(t, controller, "Sensors     2   Apps 1")
	assert.Contains(t, controller, "Ticks       7   overruns 1")
	assert.Contains(t, controller, "Stepper")
}

func TestRender_OptionalSourcesOmitted(t *testing.T) {
	rt := state.New()
	status := Sources{Runtime: rt}.Collect()

	assert.NotContains(t, RenderMetrics(status), "target")
	controller := RenderController(status)
	assert.NotContains(t, controller, "Stepper")
	assert.NotContains(t, controller, "Thermal")
	assert.Contains(t, controller, "Mode        Simulation")
}
