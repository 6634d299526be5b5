package motion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	t time.Time
}

func (c *manualClock) now() time.Time { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStepper() (*VirtualStepper, *manualClock) {
	clock := &manualClock{t: time.Unix(1_700_000_000, 0)}
	s := NewVirtualStepper(clock.now)
	s.SetAutoEnable(true)
	s.SetSpeed(1000)
	return s, clock
}

func TestVirtualStepper_MovesAtSpeed(t *testing.T) {
	s, clock := newTestStepper()

	s.MoveTo(500)
	assert.True(t, s.IsRunning())

	clock.advance(250 * time.Millisecond)
	assert.Equal(t, int64(250), s.CurrentPosition())
	assert.True(t, s.IsRunning())

	clock.advance(time.Second)
	assert.Equal(t, int64(500), s.CurrentPosition())
	assert.False(t, s.IsRunning())

	s.MoveTo(-500)
	clock.advance(500 * time.Millisecond)
	assert.Equal(t, int64(0), s.CurrentPosition())
}

func TestVirtualStepper_NeedsOutputsOrAutoEnable(t *testing.T) {
	s, clock := newTestStepper()
	s.SetAutoEnable(false)

	s.MoveTo(100)
	clock.advance(time.Second)
	assert.Equal(t, int64(0), s.CurrentPosition())

	s.EnableOutputs()
	clock.advance(time.Second)
	assert.Equal(t, int64(100), s.CurrentPosition())

	s.DisableOutputs()
	assert.False(t, s.Status().Outputs)
}

func TestVirtualStepper_StopAndSetPosition(t *testing.T) {
	s, clock := newTestStepper()

	s.MoveTo(1000)
	clock.advance(100 * time.Millisecond)
	s.StopMove()
	assert.False(t, s.IsRunning())
	assert.Equal(t, int64(100), s.CurrentPosition())

	s.SetCurrentPosition(4000)
	assert.Equal(t, int64(4000), s.CurrentPosition())
	assert.False(t, s.IsRunning())
}

func TestVirtualStepper_Status(t *testing.T) {
	s, _ := newTestStepper()
	s.SetDirectionPin(4, true)
	s.MoveTo(10)

	st := s.Status()
	assert.Equal(t, int64(10), st.Target)
	assert.Equal(t, 1000.0, st.Speed)
	assert.True(t, st.AutoEnable)
	assert.Equal(t, 4, st.DirectionPin)
	assert.True(t, st.Inverted)
}
