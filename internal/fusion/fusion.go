package fusion

import (
	"log"
	"math"
	"sync"
	"sync/atomic"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const (
	// DefaultQueueSize is the number of payloads Enqueue buffers between ticks
	DefaultQueueSize = 64

	// NominalCadence is reported while power is estimated from heart rate
	NominalCadence = 90
)

type queuedPayload struct {
	source  SourceID
	address string
	raw     []byte
}

// Fusion decodes sensor payloads and merges them into the runtime state
// under the source precedence rules. Fuse may be called from any goroutine.
type Fusion struct {
	rt     *state.Runtime
	cfg    config.Provider
	logger *log.Logger

	factories map[SourceID]DecoderFactory

	mu      sync.Mutex // guards handles and decoder state
	handles *handleCache

	queue   chan queuedPayload
	dropped atomic.Uint64
}

type Option func(*Fusion)

// WithDecoder registers or replaces the decoder factory for source
func WithDecoder(source SourceID, factory DecoderFactory) Option {
	return func(f *Fusion) { f.factories[source] = factory }
}

// WithHandleCapacity caps the number of cached per-address decoders
func WithHandleCapacity(n int) Option {
	return func(f *Fusion) { f.handles = newHandleCache(n) }
}

func WithQueueSize(n int) Option {
	return func(f *Fusion) { f.queue = make(chan queuedPayload, n) }
}

func New(rt *state.Runtime, cfg config.Provider, logger *log.Logger, opts ...Option) *Fusion {
	if rt == nil {
		panic("Fusion: runtime cannot be nil")
	}
	if cfg == nil {
		panic("Fusion: config cannot be nil")
	}
	if logger == nil {
		panic("Fusion: logger cannot be nil")
	}
	f := &Fusion{
		rt:        rt,
		cfg:       cfg,
		logger:    logger,
		factories: DefaultDecoders(),
		handles:   newHandleCache(DefaultHandleCapacity),
		queue:     make(chan queuedPayload, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fuse decodes raw with the decoder cached for (source, address) and merges
// the result. Unknown sources and decode failures change nothing.
func (f *Fusion) Fuse(source SourceID, address string, raw []byte) {
	bundle, ok := f.decode(source, address, raw)
	if !ok || bundle.Empty() {
		return
	}
	f.merge(source, bundle)
	f.logger.Printf("Fusion: %s(%s) %s", source, address, bundle)
}

func (f *Fusion) decode(source SourceID, address string, raw []byte) (Bundle, bool) {
	factory, known := f.factories[source]
	if !known {
		return Bundle{}, false
	}

	f.mu.Lock()
	decoder, evicted := f.handles.get(handleKey{source: source, address: address}, factory)
	bundle, err := decoder.Decode(raw)
	f.mu.Unlock()

	if evicted != nil {
		f.logger.Printf("Fusion: evicted decoder for %s(%s)", evicted.source, evicted.address)
	}
	if err != nil {
		f.logger.Printf("Fusion: %s(%s) decode error: %v (raw: % X)", source, address, err, raw)
		return Bundle{}, false
	}
	return bundle, true
}

func (f *Fusion) merge(source SourceID, b Bundle) {
	rt := f.rt
	settings := f.cfg.Current()

	if b.HasHeartRate && !rt.HeartRate.Simulate() {
		rt.HeartRate.SetValue(b.HeartRate)
		rt.SetConnected(state.SourceHeartRate, true)
	}

	// an explicitly chosen wireless power meter outranks the aux link
	auxDeferred := source == SourceAuxLink &&
		settings.ConnectedPowerMeter != config.SensorNone &&
		settings.ConnectedPowerMeter != config.SensorAny

	if b.HasCadence && !auxDeferred && !rt.Cadence.Simulate() {
		rt.Cadence.SetValue(b.Cadence)
		rt.SetConnected(state.SourceCadence, true)
	}

	if b.HasPower && !auxDeferred && !rt.Power.Simulate() {
		rt.Power.SetValue(b.Power * settings.PowerCorrectionFactor)
		rt.SetConnected(state.SourcePower, true)
	}

	if b.HasSpeed {
		rt.SetSpeed(b.Speed)
		rt.SetConnected(state.SourceSpeed, true)
	}

	if b.HasResistance {
		// resistance sources are mutually exclusive; the aux link wins while active
		if source != SourceAuxLink && rt.MaxResistance() == state.AuxLinkMaxResistance {
			return
		}
		if source == SourceResistanceDial {
			f.mergeDial(b.Resistance)
			return
		}
		if !rt.Resistance.Simulate() {
			rt.Resistance.SetValue(b.Resistance)
		}
	}
}

// mergeDial applies a resistance dial reading, which also stands in for a
// power meter by deriving power from resistance and cadence
func (f *Fusion) mergeDial(pct float64) {
	rt := f.rt
	rt.SetResistanceBounds(state.DialMinResistance, state.DialMaxResistance)
	if !rt.Resistance.Simulate() {
		rt.Resistance.SetValue(pct)
	}
	if !rt.Power.Simulate() {
		rt.Power.SetValue(DerivedPower(pct, rt.Cadence.Value()))
		rt.SetConnected(state.SourcePower, true)
	}
}

// DerivedPower estimates power in watts from a resistance percentage and
// cadence, for bikes whose only sensor is a resistance dial
func DerivedPower(resistance, cadence float64) float64 {
	if cadence < 15 {
		cadence = 0
	}
	var offset float64
	if resistance < 10 {
		// fractional cadence/100, not the integer division some dial firmware uses
		offset = cadence - (cadence/100)*60
	} else {
		offset = cadence - 40
	}
	power := resistance*math.Pow(cadence/100, 1.5)*7.228958 + offset
	return math.Max(power, 0)
}

// PowerFromHeartRate estimates power from heart rate with the rider's
// physical working capacity line through two (heart rate, power) sessions,
// floored at minWatts
func PowerFromHeartRate(hr float64, pwc config.PWCSettings, minWatts float64) float64 {
	slope := (pwc.Session1Pwr - pwc.Session2Pwr) / (pwc.Session1HR - pwc.Session2HR)
	intercept := (pwc.Session1Pwr*pwc.Session2HR - pwc.Session2Pwr*pwc.Session1HR) / (pwc.Session2HR - pwc.Session1HR)
	return math.Max(intercept+hr*slope, minWatts)
}

// Enqueue hands a payload to the next Drain without blocking. It is the
// entry point for wireless notification callbacks. raw is copied.
// Returns false when the queue is full and the payload was dropped.
func (f *Fusion) Enqueue(source SourceID, address string, raw []byte) bool {
	p := queuedPayload{source: source, address: address, raw: append([]byte(nil), raw...)}
	select {
	case f.queue <- p:
		return true
	default:
		if n := f.dropped.Add(1); n == 1 || n%100 == 0 {
			f.logger.Printf("Fusion: ingest queue full, %d payloads dropped", n)
		}
		return false
	}
}

// Drain fuses everything queued so far and returns the number processed
func (f *Fusion) Drain() int {
	n := 0
	for {
		select {
		case p := <-f.queue:
			f.Fuse(p.source, p.address, p.raw)
			n++
		default:
			return n
		}
	}
}

// Dropped returns the number of payloads Enqueue has discarded
func (f *Fusion) Dropped() uint64 {
	return f.dropped.Load()
}

// Forget drops decoder state for a disconnected address
func (f *Fusion) Forget(address string) {
	f.mu.Lock()
	n := f.handles.forget(address)
	f.mu.Unlock()
	if n > 0 {
		f.logger.Printf("Fusion: dropped %d decoder(s) for %s", n, address)
	}
}

func (f *Fusion) handleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles.len()
}

// Sweep runs once per tick after Drain. It estimates power from heart rate
// when a heart rate monitor is the only source, and zeroes metrics whose
// source has gone away so stale values are not reported.
func (f *Fusion) Sweep() {
	rt := f.rt
	settings := f.cfg.Current()

	hrPower := false
	if (rt.Connected(state.SourceHeartRate) || rt.HeartRate.Simulate()) &&
		!rt.Connected(state.SourcePower) && !rt.Power.Simulate() &&
		rt.HeartRate.Value() > 0 && settings.PWC.Enabled {
		rt.Power.SetValue(PowerFromHeartRate(rt.HeartRate.Value(), settings.PWC, settings.MinWatts))
		if !rt.Cadence.Simulate() {
			rt.Cadence.SetValue(NominalCadence)
		}
		hrPower = true
	}

	if !rt.Connected(state.SourcePower) && !hrPower && !rt.Power.Simulate() && !rt.Cadence.Simulate() {
		rt.Cadence.SetValue(0)
		rt.Power.SetValue(0)
	}
	if !rt.Connected(state.SourceHeartRate) && !rt.HeartRate.Simulate() {
		rt.HeartRate.SetValue(0)
	}
}
