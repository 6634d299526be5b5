package ftms

import (
	"bytes"
	"log"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
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

type fixture struct {
	rt       *state.Runtime
	store    *config.Store
	peer     *recordingPeer
	notifier *recordingNotifier
	logBuf   *bytes.Buffer
	cp       *ControlPoint
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		rt:       state.New(),
		store:    config.NewStore(config.Defaults()),
		peer:     &recordingPeer{},
		notifier: &recordingNotifier{},
		logBuf:   &bytes.Buffer{},
	}
	f.cp = NewControlPoint(f.rt, f.store, f.peer, f.notifier, log.New(f.logBuf, "", 0))
	return f
}

func TestTargetPowerCommand(t *testing.T) {
	assert.Equal(t, []byte{OpCodeSetTargetPower, 0xC8, 0x00}, TargetPowerCommand(200, 1.0))
	assert.Equal(t, []byte{OpCodeSetTargetPower, 0x2C, 0x01}, TargetPowerCommand(375, 1.25))
	assert.Equal(t, []byte{OpCodeSetTargetPower, 0x00, 0x00}, TargetPowerCommand(-5, 1.0))
}

func TestSimulationHeartbeat(t *testing.T) {
	assert.Equal(t, []byte{0x11, 0, 0, 0, 0, 0x28, 0x33}, SimulationHeartbeat())
}

func TestApply_EmptyWriteIsControlRequest(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []byte{OpCodeResponseCode, OpCodeRequestControl, ResultSuccess}, f.cp.Apply(nil))
}

func TestApply_SimpleProcedures(t *testing.T) {
	f := newFixture(t)
	for _, op := range []byte{OpCodeRequestControl, OpCodeReset, OpCodeStartOrResume, OpCodeStopOrPause} {
		assert.Equal(t, []byte{OpCodeResponseCode, op, ResultSuccess}, f.cp.Apply([]byte{op}), OpCodeName(op))
	}
	assert.Empty(t, f.peer.writes)
}

func TestApply_UnsupportedOpCode(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []byte{OpCodeResponseCode, OpCodeSetTargetHeartRate, ResultOpCodeNotSupported},
		f.cp.Apply([]byte{OpCodeSetTargetHeartRate, 140}))
	assert.Contains(t, f.logBuf.String(), "unsupported op code 0x06")
}

func TestApply_SetTargetInclination(t *testing.T) {
	f := newFixture(t)
	f.rt.SetControlMode(state.ModeTargetPower)

	// -2.5 % in 0.1 % units
	resp := f.cp.Apply([]byte{OpCodeSetTargetInclination, 0xE7, 0xFF})

	assert.Equal(t, ResultSuccess, resp[2])
	assert.Equal(t, -250.0, f.rt.TargetIncline())
	assert.Equal(t, state.ModeSimulation, f.rt.ControlMode())
	assert.Equal(t, []events.FieldID{events.FieldIncline, events.FieldFTMSMode}, f.notifier.fields)
}

func TestApply_SetTargetResistance(t *testing.T) {
	tests := []struct {
		name   string
		level  byte
		target float64
		result byte
	}{
		{"in range", 40, 40, ResultSuccess},
		{"at max", 100, 100, ResultSuccess},
		{"above max", 120, 100, ResultInvalidParameter},
		{"below min", 2, 5, ResultInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.rt.SetResistanceBounds(state.AuxLinkMinResistance, state.AuxLinkMaxResistance)

			resp := f.cp.Apply([]byte{OpCodeSetTargetResistance, tt.level})

			assert.Equal(t, tt.result, resp[2])
			assert.Equal(t, tt.target, f.rt.Resistance.Target())
			assert.Equal(t, state.ModeTargetResistance, f.rt.ControlMode())
		})
	}
}

func TestApply_SetTargetPower(t *testing.T) {
	f := newFixture(t)
	settings := config.Defaults()
	settings.PowerCorrectionFactor = 1.25
	f.store.Update(settings)
	f.rt.SetConnected(state.SourcePower, true)

	resp := f.cp.Apply([]byte{OpCodeSetTargetPower, 0xFA, 0x00})

	assert.Equal(t, []byte{OpCodeResponseCode, OpCodeSetTargetPower, ResultSuccess}, resp)
	assert.Equal(t, 250.0, f.rt.Power.Target())
	assert.Equal(t, state.ModeTargetPower, f.rt.ControlMode())
	require.Len(t, f.peer.writes, 1)
	assert.Equal(t, []byte{OpCodeSetTargetPower, 200, 0}, f.peer.writes[0])
}

func TestApply_SetTargetPowerWithoutPassthrough(t *testing.T) {
	f := newFixture(t)
	settings := config.Defaults()
	settings.ERGPassthrough = false
	f.store.Update(settings)
	f.rt.Power.SetSimulate(true)

	resp := f.cp.Apply([]byte{OpCodeSetTargetPower, 0x2C, 0x01})

	assert.Equal(t, ResultSuccess, resp[2])
	assert.Equal(t, 300.0, f.rt.Power.Target())
	assert.Empty(t, f.peer.writes)
}

func TestApply_SetTargetPowerRequiresPowerSource(t *testing.T) {
	f := newFixture(t)

	resp := f.cp.Apply([]byte{OpCodeSetTargetPower, 0xFA, 0x00})

	assert.Equal(t, ResultOpCodeNotSupported, resp[2])
	assert.Zero(t, f.rt.Power.Target())
	assert.Equal(t, state.ModeSimulation, f.rt.ControlMode())
	assert.Empty(t, f.notifier.fields)
}

func TestApply_SimulationParameters(t *testing.T) {
	f := newFixture(t)
	f.rt.SetControlMode(state.ModeTargetResistance)
	f.peer.err = errors.New("not connected")
	write := []byte{OpCodeSetIndoorBikeSimulationParameters, 0x00, 0x00, 0x2C, 0x01, 0x28, 0x33}

	resp := f.cp.Apply(write)

	assert.Equal(t, ResultSuccess, resp[2])
	assert.Equal(t, 300.0, f.rt.TargetIncline())
	assert.Equal(t, state.ModeSimulation, f.rt.ControlMode())
	require.Len(t, f.peer.writes, 1)
	assert.Equal(t, write, f.peer.writes[0])
	assert.Contains(t, f.logBuf.String(), "not connected")
}

func TestApply_TruncatedWrites(t *testing.T) {
	f := newFixture(t)
	for _, op := range []byte{OpCodeSetTargetInclination, OpCodeSetTargetResistance, OpCodeSetTargetPower, OpCodeSetIndoorBikeSimulationParameters} {
		resp := f.cp.Apply([]byte{op})
		assert.Equal(t, ResultInvalidParameter, resp[2], OpCodeName(op))
	}
	assert.Empty(t, f.peer.writes)
}
