package shifter

import (
	"sync/atomic"
	"time"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
)

// Direction is the button that produced an edge
type Direction int8

const (
	Up   Direction = 1
	Down Direction = -1
)

func (d Direction) String() string {
	if d == Up {
		return "up"
	}
	return "down"
}

const (
	// DefaultDebounceWindow is the minimum spacing between accepted edges
	DefaultDebounceWindow = 50 * time.Millisecond

	// DefaultEventQueueSize bounds the number of shifts pending between ticks
	DefaultEventQueueSize = 16
)

// Event is one debounced shift: a signed unit delta after shifter polarity
type Event struct {
	Delta int64
}

// PinReader re-reads the physical input level for a button. Active reports
// whether the button still shows its pressed level.
type PinReader interface {
	Active(dir Direction) bool
}

type PinReaderFunc func(dir Direction) bool

func (f PinReaderFunc) Active(dir Direction) bool {
	return f(dir)
}

// AlwaysActive is the pin reader for inputs with no physical level to
// re-check, such as keyboard keys
var AlwaysActive PinReader = PinReaderFunc(func(Direction) bool { return true })

// Debouncer filters button edges. Edge is safe to call from interrupt-like
// contexts: it never blocks, never allocates and never takes a lock.
//
// The last accepted edge time (ms) and its direction are packed into one
// word so both change together:
//
//	bit 0      1 when the last accepted edge was Up
//	bits 1-63  timestamp in ms, 0 after a rejected noisy edge
type Debouncer struct {
	window int64
	pins   PinReader
	cfg    config.Provider
	now    func() int64

	state   atomic.Uint64
	events  chan Event
	dropped atomic.Uint64
}

type DebouncerOption func(*Debouncer)

func WithWindow(window time.Duration) DebouncerOption {
	return func(d *Debouncer) { d.window = window.Milliseconds() }
}

// WithClock replaces the millisecond clock, for tests
func WithClock(now func() int64) DebouncerOption {
	return func(d *Debouncer) { d.now = now }
}

func WithQueueSize(n int) DebouncerOption {
	return func(d *Debouncer) { d.events = make(chan Event, n) }
}

func NewDebouncer(pins PinReader, cfg config.Provider, opts ...DebouncerOption) *Debouncer {
	if pins == nil {
		panic("Debouncer: pin reader cannot be nil")
	}
	if cfg == nil {
		panic("Debouncer: config cannot be nil")
	}
	d := &Debouncer{
		window: DefaultDebounceWindow.Milliseconds(),
		pins:   pins,
		cfg:    cfg,
		now:    func() int64 { return time.Now().UnixMilli() },
		events: make(chan Event, DefaultEventQueueSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Edge handles one button edge and reports whether a shift was queued
func (d *Debouncer) Edge(dir Direction) bool {
	for {
		old := d.state.Load()
		now := d.now()
		if now-int64(old>>1) < d.window {
			return false
		}

		if !d.pins.Active(dir) {
			// probably EMF; let the next edge try again straight away
			if d.state.CompareAndSwap(old, 0) {
				return false
			}
			continue
		}

		next := uint64(now) << 1
		if dir == Up {
			next |= 1
		}
		if !d.state.CompareAndSwap(old, next) {
			continue
		}
		return d.push(dir)
	}
}

func (d *Debouncer) push(dir Direction) bool {
	delta := int64(dir)
	if d.cfg.Current().InvertShifter {
		delta = -delta
	}
	select {
	case d.events <- Event{Delta: delta}:
		return true
	default:
		d.dropped.Add(1)
		return false
	}
}

// Events is drained by the Controller once per tick
func (d *Debouncer) Events() <-chan Event {
	return d.events
}

// LastAccepted returns the time (ms) and direction of the last accepted
// edge. The time is 0 when there is none or the last edge was noise.
func (d *Debouncer) LastAccepted() (int64, Direction) {
	s := d.state.Load()
	if s&1 == 1 {
		return int64(s >> 1), Up
	}
	return int64(s >> 1), Down
}

// Dropped returns the number of accepted edges lost to a full queue
func (d *Debouncer) Dropped() uint64 {
	return d.dropped.Load()
}
