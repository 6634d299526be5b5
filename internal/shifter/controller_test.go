package shifter

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

type recordingPeer struct {
	writes [][]byte
	err    error
}

func (p *recordingPeer) ForwardControlCommand(data []byte) error {
	p.writes = append(p.writes, data)
	return p.err
}

type recordingNotifier struct {
	fields []events.FieldID
}

func (n *recordingNotifier) Notify(field events.FieldID) {
	n.fields = append(n.fields, field)
}

type controllerFixture struct {
	rt       *state.Runtime
	store    *config.Store
	events   chan Event
	peer     *recordingPeer
	notifier *recordingNotifier
	logBuf   *bytes.Buffer
	ctrl     *Controller
}

func newControllerFixture(t *testing.T, mode state.ControlMode) *controllerFixture {
	t.Helper()
	f := &controllerFixture{
		rt:       state.New(),
		store:    config.NewStore(config.Defaults()),
		events:   make(chan Event, 8),
		peer:     &recordingPeer{},
		notifier: &recordingNotifier{},
		logBuf:   &bytes.Buffer{},
	}
	f.rt.SetControlMode(mode)
	f.ctrl = NewController(f.rt, f.store, f.events, f.peer, f.notifier, log.New(f.logBuf, "", 0))
	return f
}

func (f *controllerFixture) shift(deltas ...int64) int {
	for _, d := range deltas {
		f.events <- Event{Delta: d}
	}
	return f.ctrl.Process()
}

func TestProcess_NothingPending(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)
	assert.Equal(t, 0, f.ctrl.Process())
	assert.Empty(t, f.peer.writes)
	assert.Empty(t, f.notifier.fields)
}

func TestERGShift_MovesPowerTarget(t *testing.T) {
	f := newControllerFixture(t, state.ModeTargetPower)
	f.rt.Power.SetTarget(200)

	assert.Equal(t, 1, f.shift(1))

	assert.Equal(t, 210.0, f.rt.Power.Target())
	assert.Zero(t, f.rt.ShifterPosition(), "position is a delta channel in ERG")
	assert.Zero(t, f.rt.LastShifterPosition())
	require.Len(t, f.peer.writes, 1)
	assert.Equal(t, ftms.TargetPowerCommand(210, 1.0), f.peer.writes[0])
	assert.Equal(t, []events.FieldID{events.FieldShifterPosition}, f.notifier.fields)
}

func TestERGShift_RejectedShiftsNeverChangeTarget(t *testing.T) {
	f := newControllerFixture(t, state.ModeTargetPower)
	f.rt.Power.SetTarget(1995)

	f.shift(1, 1, 1)

	assert.Equal(t, 1995.0, f.rt.Power.Target())
	assert.Zero(t, f.rt.ShifterPosition())
	assert.Zero(t, f.rt.LastShifterPosition())
	assert.Empty(t, f.peer.writes)
	assert.Empty(t, f.notifier.fields)
	assert.Contains(t, f.logBuf.String(), "blocked")
}

func TestERGShift_BoundsAreInclusive(t *testing.T) {
	f := newControllerFixture(t, state.ModeTargetPower)
	f.rt.Power.SetTarget(1990)
	f.shift(1)
	assert.Equal(t, 2000.0, f.rt.Power.Target())

	f.rt.Power.SetTarget(35)
	f.shift(-1)
	assert.Equal(t, 25.0, f.rt.Power.Target())

	f.shift(-1)
	assert.Equal(t, 25.0, f.rt.Power.Target())
}

func TestERGShift_NoPassthrough(t *testing.T) {
	f := newControllerFixture(t, state.ModeTargetPower)
	settings := config.Defaults()
	settings.ERGPassthrough = false
	f.store.Update(settings)
	f.rt.Power.SetTarget(150)

	f.shift(-1)

	assert.Equal(t, 140.0, f.rt.Power.Target())
	assert.Empty(t, f.peer.writes)
}

func TestResistanceShift_RequiresAuxLink(t *testing.T) {
	f := newControllerFixture(t, state.ModeTargetResistance)
	f.rt.Resistance.SetTarget(40)

	f.shift(1)

	assert.Equal(t, 40.0, f.rt.Resistance.Target())
	assert.Zero(t, f.rt.ShifterPosition())
	assert.Equal(t, []events.FieldID{events.FieldShifterPosition}, f.notifier.fields)
	assert.Empty(t, f.peer.writes)
}

func TestResistanceShift_ClampsToBounds(t *testing.T) {
	tests := []struct {
		name   string
		start  float64
		delta  int64
		target float64
	}{
		{"inside", 50, 1, 51},
		{"down inside", 50, -1, 49},
		{"above max", 100, 1, 100},
		{"below min", 5, -1, 5},
		{"far below min", -20, 1, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t, state.ModeTargetResistance)
			f.rt.SetAuxLinkConnected(true)
			f.rt.SetResistanceBounds(state.AuxLinkMinResistance, state.AuxLinkMaxResistance)
			f.rt.Resistance.SetTarget(tt.start)

			f.shift(tt.delta)

			assert.Equal(t, tt.target, f.rt.Resistance.Target())
			assert.Zero(t, f.rt.ShifterPosition())
		})
	}
}

func TestSimulationShift_Accepted(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)

	assert.Equal(t, 2, f.shift(1, 1))

	assert.Equal(t, int64(2), f.rt.ShifterPosition())
	assert.Equal(t, int64(2), f.rt.LastShifterPosition())
	assert.Len(t, f.peer.writes, 2)
	for _, w := range f.peer.writes {
		assert.Equal(t, ftms.SimulationHeartbeat(), w)
	}
	assert.Len(t, f.notifier.fields, 2)
}

func TestSimulationShift_BlockedByStepperLimits(t *testing.T) {
	for _, delta := range []int64{1, -2, 3, -5} {
		f := newControllerFixture(t, state.ModeSimulation)
		f.rt.SetStepBounds(-1000, 1000)
		f.rt.SetTargetPosition(500)

		f.shift(delta)

		assert.Zero(t, f.rt.ShifterPosition(), "delta %d", delta)
		assert.Zero(t, f.rt.LastShifterPosition())
		require.Len(t, f.peer.writes, 1, "heartbeat is sent even when blocked")
		assert.Equal(t, ftms.SimulationHeartbeat(), f.peer.writes[0])
		assert.Equal(t, []events.FieldID{events.FieldShifterPosition}, f.notifier.fields)
	}
}

func TestSimulationShift_QueuedShiftsStopAtStepperLimit(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)
	step := config.Defaults().ShiftStep
	f.rt.SetStepBounds(-2*step, 2*step)
	f.rt.SetShifterPosition(1)
	f.rt.SetLastShifterPosition(1)
	f.rt.SetTargetPosition(step)

	// all three queued before motion refreshes the target
	f.shift(1, 1, 1)

	assert.Equal(t, int64(2), f.rt.ShifterPosition())
	assert.Equal(t, int64(2), f.rt.LastShifterPosition())
	assert.LessOrEqual(t, f.rt.ShifterPosition()*step, f.rt.MaxStep())
	assert.Equal(t, 2, strings.Count(f.logBuf.String(), "blocked by stepper limits"))
	assert.Len(t, f.peer.writes, 3)
}

func TestSimulationShift_QueuedShiftsReverseFromLimit(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)
	step := config.Defaults().ShiftStep
	f.rt.SetStepBounds(-step, step)

	f.shift(1, 1, -1, -1, -1)

	assert.Equal(t, int64(-1), f.rt.ShifterPosition())
}

func TestSimulationShift_ResistanceLimits(t *testing.T) {
	tests := []struct {
		name       string
		resistance float64
		delta      int64
		position   int64
	}{
		{"further past max", 100, 1, 0},
		{"back from max", 100, -1, -1},
		{"further past min", 3, -1, 0},
		{"back from min", 5, 1, 1},
		{"inside", 50, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newControllerFixture(t, state.ModeSimulation)
			f.rt.SetResistanceBounds(state.AuxLinkMinResistance, state.AuxLinkMaxResistance)
			f.rt.Resistance.SetValue(tt.resistance)

			f.shift(tt.delta)

			assert.Equal(t, tt.position, f.rt.ShifterPosition())
			assert.Equal(t, tt.position, f.rt.LastShifterPosition())
		})
	}
}

func TestProcess_DirectPositionWrite(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)
	f.rt.SetShifterPosition(3)

	assert.Equal(t, 1, f.ctrl.Process())
	assert.Equal(t, int64(3), f.rt.LastShifterPosition())
	assert.Equal(t, 0, f.ctrl.Process())
}

func TestProcess_ForwardErrorIsLogged(t *testing.T) {
	f := newControllerFixture(t, state.ModeSimulation)
	f.peer.err = errors.New("trainer gone")

	f.shift(1)

	assert.Equal(t, int64(1), f.rt.ShifterPosition())
	assert.Contains(t, f.logBuf.String(), "trainer gone")
}

func TestProcess_WithDebouncer(t *testing.T) {
	d, clock, _ := newTestDebouncer(t, false)
	rt := state.New()
	peer := &recordingPeer{}
	ctrl := NewController(rt, config.NewStore(config.Defaults()), d.Events(), peer, &recordingNotifier{}, log.New(&bytes.Buffer{}, "", 0))

	d.Edge(Up)
	clock.advance(10)
	d.Edge(Up)
	clock.advance(100)
	d.Edge(Up)

	assert.Equal(t, 2, ctrl.Process())
	assert.Equal(t, int64(2), rt.ShifterPosition())
}
