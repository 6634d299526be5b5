package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelEvent_ListenNotify(t *testing.T) {
	event := NewChannelEvent[string](false)
	ch := make(chan string, 4)

	unregister := event.Listen(ch)
	event.Notify("a")
	event.Notify("b")

	assert.Equal(t, "a", <-ch)
	assert.Equal(t, "b", <-ch)

	unregister()
	event.Notify("c")
	assert.Empty(t, ch)
}

func TestChannelEvent_FullChannelDoesNotBlock(t *testing.T) {
	event := NewChannelEvent[int](false)
	ch := make(chan int, 1)
	event.Listen(ch)

	event.Notify(1)
	event.Notify(2) // dropped

	require.Len(t, ch, 1)
	assert.Equal(t, 1, <-ch)
}

func TestChannelEvent_ReplaysLastEvent(t *testing.T) {
	event := NewChannelEvent[int](true)
	event.Notify(3)
	event.Notify(4)

	ch := make(chan int, 1)
	event.Listen(ch)
	assert.Equal(t, 4, <-ch)
}

func TestChannelEvent_NilChannelPanics(t *testing.T) {
	event := NewChannelEvent[int](false)
	assert.Panics(t, func() { event.Listen(nil) })
}

func TestChannelEvent_ConcurrentAccess(t *testing.T) {
	event := NewChannelEvent[int](true)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch := make(chan int, 100)
			unregister := event.Listen(ch)
			for j := 0; j < 20; j++ {
				event.Notify(i*100 + j)
			}
			unregister()
			assert.NotEmpty(t, ch)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, event.ListenerCount())
}

func TestFieldHub(t *testing.T) {
	hub := NewFieldHub()
	ch := make(chan FieldID, 2)
	unregister := hub.Listen(ch)
	assert.Equal(t, 1, hub.ListenerCount())

	hub.Notify(FieldShifterPosition)
	assert.Equal(t, FieldShifterPosition, <-ch)

	unregister()
	assert.Equal(t, 0, hub.ListenerCount())
}

func TestFieldID_String(t *testing.T) {
	assert.Equal(t, "shifter_position", FieldShifterPosition.String())
	assert.Equal(t, "field(0x7F)", FieldID(0x7F).String())
}
