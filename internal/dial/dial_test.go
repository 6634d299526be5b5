package dial

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

type fakeReader struct {
	value uint16
	err   error
	reads int
}

func (r *fakeReader) Read() (uint16, error) {
	r.reads++
	return r.value, r.err
}

type samplerFixture struct {
	rt      *state.Runtime
	fuse    *fusion.Fusion
	reader  *fakeReader
	clock   time.Time
	logBuf  *bytes.Buffer
	sampler *Sampler
}

func newSamplerFixture(t *testing.T) *samplerFixture {
	t.Helper()
	f := &samplerFixture{
		rt:     state.New(),
		reader: &fakeReader{value: 1250},
		clock:  time.Unix(1000, 0),
		logBuf: &bytes.Buffer{},
	}
	cfg := config.NewStore(config.Defaults())
	logger := log.New(f.logBuf, "", 0)
	f.fuse = fusion.New(f.rt, cfg, logger)
	f.sampler = NewSampler(f.reader, f.fuse, cfg, logger, WithClock(func() time.Time { return f.clock }))
	return f
}

func TestSysfsReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in_voltage0_raw")
	require.NoError(t, os.WriteFile(path, []byte("1250\n"), 0o644))

	v, err := SysfsReader{Path: path}.Read()
	require.NoError(t, err)
	assert.Equal(t, uint16(1250), v)

	require.NoError(t, os.WriteFile(path, []byte("n/a"), 0o644))
	_, err = SysfsReader{Path: path}.Read()
	assert.ErrorContains(t, err, "unexpected contents")

	_, err = SysfsReader{Path: filepath.Join(t.TempDir(), "missing")}.Read()
	assert.Error(t, err)
}

func TestNewSampler_PanicsOnNil(t *testing.T) {
	cfg := config.NewStore(config.Defaults())
	logger := log.New(&bytes.Buffer{}, "", 0)
	fuse := fusion.New(state.New(), cfg, logger)
	r := &fakeReader{}

	assert.Panics(t, func() { NewSampler(nil, fuse, cfg, logger) })
	assert.Panics(t, func() { NewSampler(r, nil, cfg, logger) })
	assert.Panics(t, func() { NewSampler(r, fuse, nil, logger) })
	assert.Panics(t, func() { NewSampler(r, fuse, cfg, nil) })
}

func TestPoll_FusesReading(t *testing.T) {
	f := newSamplerFixture(t)
	f.rt.Cadence.SetValue(90)

	f.sampler.Poll()
	assert.Equal(t, 1, f.fuse.Drain())

	assert.Equal(t, 50.0, f.rt.Resistance.Value())
	assert.Equal(t, int64(state.DialMinResistance), f.rt.MinResistance())
	assert.Equal(t, int64(state.DialMaxResistance), f.rt.MaxResistance())
	assert.InDelta(t, fusion.DerivedPower(50, 90), f.rt.Power.Value(), 1e-9)
	assert.True(t, f.rt.Connected(state.SourcePower))
}

func TestPoll_SamplesOncePerPeriod(t *testing.T) {
	f := newSamplerFixture(t)

	f.sampler.Poll()
	f.clock = f.clock.Add(50 * time.Millisecond)
	f.sampler.Poll()
	assert.Equal(t, 1, f.reader.reads)

	f.clock = f.clock.Add(50 * time.Millisecond)
	f.sampler.Poll()
	assert.Equal(t, 2, f.reader.reads)
	assert.Equal(t, 2, f.fuse.Drain())
}

func TestPoll_BadReadingsAreLoggedOnce(t *testing.T) {
	f := newSamplerFixture(t)
	f.reader.value = 4095

	for i := 0; i < 3; i++ {
		f.sampler.Poll()
		f.clock = f.clock.Add(time.Second)
	}
	assert.Zero(t, f.fuse.Drain())
	assert.Equal(t, 1, bytes.Count(f.logBuf.Bytes(), []byte("not connected")))

	f.reader.err = errors.New("adc gone")
	f.sampler.Poll()
	f.clock = f.clock.Add(time.Second)
	assert.Contains(t, f.logBuf.String(), "adc gone")

	f.reader.err = nil
	f.reader.value = 1250
	f.sampler.Poll()
	assert.Contains(t, f.logBuf.String(), "reading again (1250)")
	assert.Equal(t, 1, f.fuse.Drain())
}
