package fusion

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Decoder turns one raw payload into a Bundle. Implementations may keep
// per-connection state (cumulative revolution counters), so one Decoder
// instance is used per (source, address).
type Decoder interface {
	Decode(raw []byte) (Bundle, error)
}

// DecoderFactory creates a fresh Decoder for a newly seen address
type DecoderFactory func() Decoder

// DecoderFunc adapts a stateless function to Decoder
type DecoderFunc func(raw []byte) (Bundle, error)

func (f DecoderFunc) Decode(raw []byte) (Bundle, error) {
	return f(raw)
}

func stateless(f DecoderFunc) DecoderFactory {
	return func() Decoder { return f }
}

// DefaultDecoders returns the decoder factories for every built-in source
func DefaultDecoders() map[SourceID]DecoderFactory {
	return map[SourceID]DecoderFactory{
		SourceHeartRate:      stateless(decodeHeartRate),
		SourceCSC:            func() Decoder { return &cscDecoder{} },
		SourceCyclingPower:   func() Decoder { return &cyclingPowerDecoder{} },
		SourceIndoorBikeData: stateless(decodeIndoorBikeData),
		SourceAuxLink:        stateless(decodeAuxFrame),
		SourceResistanceDial: stateless(decodeResistanceDial),
	}
}

// payload is a little-endian cursor over a characteristic value
type payload struct {
	buf    []byte
	offset int
	err    error
}

func (p *payload) need(n int, field string) bool {
	if p.err != nil {
		return false
	}
	if p.offset+n > len(p.buf) {
		p.err = errors.Errorf("buffer too short for %s at offset %d (len %d)", field, p.offset, len(p.buf))
		return false
	}
	return true
}

func (p *payload) u8(field string) uint8 {
	if !p.need(1, field) {
		return 0
	}
	v := p.buf[p.offset]
	p.offset++
	return v
}

func (p *payload) u16(field string) uint16 {
	if !p.need(2, field) {
		return 0
	}
	v := binary.LittleEndian.Uint16(p.buf[p.offset:])
	p.offset += 2
	return v
}

func (p *payload) s16(field string) int16 {
	return int16(p.u16(field))
}

func (p *payload) u24(field string) uint32 {
	if !p.need(3, field) {
		return 0
	}
	v := uint32(binary.LittleEndian.Uint16(p.buf[p.offset:])) | uint32(p.buf[p.offset+2])<<16
	p.offset += 3
	return v
}

func (p *payload) u32(field string) uint32 {
	if !p.need(4, field) {
		return 0
	}
	v := binary.LittleEndian.Uint32(p.buf[p.offset:])
	p.offset += 4
	return v
}

func (p *payload) skip(n int, field string) {
	if p.need(n, field) {
		p.offset += n
	}
}

// decodeHeartRate parses the Heart Rate Measurement characteristic (0x2A37)
func decodeHeartRate(raw []byte) (Bundle, error) {
	p := payload{buf: raw}
	flags := p.u8("flags")
	var hr float64
	if flags&0x01 != 0 {
		hr = float64(p.u16("heart rate uint16"))
	} else {
		hr = float64(p.u8("heart rate uint8"))
	}
	if p.err != nil {
		return Bundle{}, p.err
	}
	return Bundle{HasHeartRate: true, HeartRate: hr}, nil
}

// revolutionCounter turns cumulative revolution counts and 1/1024 s event
// times into a rate. The first sample only primes the counter.
type revolutionCounter struct {
	primed    bool
	lastRevs  uint32
	lastEvent uint16
}

// update returns revolutions per second, or ok=false when no rate can be
// computed yet (first sample or no new event)
func (c *revolutionCounter) update(revs uint32, event uint16, revMask uint32) (perSecond float64, ok bool) {
	if !c.primed {
		c.primed = true
		c.lastRevs, c.lastEvent = revs, event
		return 0, false
	}
	revDiff := (revs - c.lastRevs) & revMask
	timeDiff := event - c.lastEvent // wraps at 64 s
	c.lastRevs, c.lastEvent = revs, event
	if timeDiff == 0 {
		return 0, false
	}
	return float64(revDiff) * 1024.0 / float64(timeDiff), true
}

const (
	// WheelCircumference is the assumed roll-out of a 700x23c wheel in metres
	WheelCircumference = 2.096
	maxCadenceRPM      = 300
)

// cscDecoder parses the CSC Measurement characteristic (0x2A5B)
type cscDecoder struct {
	wheel revolutionCounter
	crank revolutionCounter
}

func (d *cscDecoder) Decode(raw []byte) (Bundle, error) {
	p := payload{buf: raw}
	flags := p.u8("flags")
	var b Bundle

	if flags&0x01 != 0 {
		revs := p.u32("wheel revolutions")
		event := p.u16("wheel event time")
		if p.err == nil {
			if rps, ok := d.wheel.update(revs, event, 0xFFFFFFFF); ok {
				b.HasSpeed = true
				b.Speed = rps * WheelCircumference * 3.6
			}
		}
	}
	if flags&0x02 != 0 {
		revs := p.u16("crank revolutions")
		event := p.u16("crank event time")
		if p.err == nil {
			if rps, ok := d.crank.update(uint32(revs), event, 0xFFFF); ok {
				if rpm := rps * 60; rpm <= maxCadenceRPM {
					b.HasCadence = true
					b.Cadence = rpm
				}
			}
		}
	}
	if p.err != nil {
		return Bundle{}, p.err
	}
	return b, nil
}

// Cycling Power Measurement flag bits preceding the crank data
const (
	cpFlagPedalBalance      = 1 << 0
	cpFlagAccumulatedTorque = 1 << 2
	cpFlagWheelRevolution   = 1 << 4
	cpFlagCrankRevolution   = 1 << 5
)

// cyclingPowerDecoder parses the Cycling Power Measurement characteristic
// (0x2A63): instantaneous power plus cadence when crank data is present
type cyclingPowerDecoder struct {
	crank revolutionCounter
}

func (d *cyclingPowerDecoder) Decode(raw []byte) (Bundle, error) {
	p := payload{buf: raw}
	flags := p.u16("flags")
	power := p.s16("instantaneous power")
	if p.err != nil {
		return Bundle{}, p.err
	}
	b := Bundle{HasPower: true, Power: float64(power)}

	if flags&cpFlagCrankRevolution == 0 {
		return b, nil
	}
	if flags&cpFlagPedalBalance != 0 {
		p.skip(1, "pedal power balance")
	}
	if flags&cpFlagAccumulatedTorque != 0 {
		p.skip(2, "accumulated torque")
	}
	if flags&cpFlagWheelRevolution != 0 {
		p.skip(6, "wheel revolution data")
	}
	revs := p.u16("crank revolutions")
	event := p.u16("crank event time")
	if p.err != nil {
		// power is still good
		return b, nil
	}
	if rps, ok := d.crank.update(uint32(revs), event, 0xFFFF); ok {
		if rpm := rps * 60; rpm <= maxCadenceRPM {
			b.HasCadence = true
			b.Cadence = rpm
		}
	}
	return b, nil
}

// Indoor Bike Data flag bits (FTMS 1.0). Bit 0 is inverted: clear means
// instantaneous speed is present.
const (
	ibdFlagMoreData             = 1 << 0
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
)

// decodeIndoorBikeData parses the FTMS Indoor Bike Data characteristic
// (0x2AD2). Fields after heart rate are not used and are not read.
func decodeIndoorBikeData(raw []byte) (Bundle, error) {
	p := payload{buf: raw}
	flags := p.u16("flags")
	var b Bundle

	if flags&ibdFlagMoreData == 0 {
		b.HasSpeed = true
		b.Speed = float64(p.u16("instantaneous speed")) * 0.01
	}
	if flags&ibdFlagAverageSpeed != 0 {
		p.skip(2, "average speed")
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		b.HasCadence = true
		b.Cadence = float64(p.u16("instantaneous cadence")) * 0.5
	}
	if flags&ibdFlagAverageCadence != 0 {
		p.skip(2, "average cadence")
	}
	if flags&ibdFlagTotalDistance != 0 {
		p.u24("total distance")
	}
	if flags&ibdFlagResistanceLevel != 0 {
		b.HasResistance = true
		b.Resistance = float64(p.s16("resistance level"))
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		b.HasPower = true
		b.Power = float64(p.s16("instantaneous power"))
	}
	if flags&ibdFlagAveragePower != 0 {
		p.skip(2, "average power")
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		p.skip(5, "expended energy")
	}
	if flags&ibdFlagHeartRate != 0 {
		b.HasHeartRate = true
		b.HeartRate = float64(p.u8("heart rate"))
	}

	if p.err != nil {
		return Bundle{}, p.err
	}
	return b, nil
}

// Aux link inbound frame: header, request id, digit count, then that many
// ASCII digits least significant first. Anything after the digits (the
// checksum) is ignored.
const (
	AuxHeader       byte = 0xF1
	AuxPowerID      byte = 0x44
	AuxCadenceID    byte = 0x41
	AuxResistanceID byte = 0x4A
)

// decodeAuxFrame never fails: a malformed frame decodes to an empty bundle
// and the link resynchronises on the next header
func decodeAuxFrame(raw []byte) (Bundle, error) {
	if len(raw) < 3 || raw[0] != AuxHeader {
		return Bundle{}, nil
	}
	n := int(raw[2])
	if n == 0 || 3+n > len(raw) {
		return Bundle{}, nil
	}
	value := 0.0
	scale := 1.0
	for _, c := range raw[3 : 3+n] {
		if c < '0' || c > '9' {
			return Bundle{}, nil
		}
		value += float64(c-'0') * scale
		scale *= 10
	}

	switch raw[1] {
	case AuxPowerID:
		// reported in tenths of a watt
		return Bundle{HasPower: true, Power: value / 10}, nil
	case AuxCadenceID:
		return Bundle{HasCadence: true, Cadence: value}, nil
	case AuxResistanceID:
		return Bundle{HasResistance: true, Resistance: value}, nil
	default:
		return Bundle{}, nil
	}
}

// Resistance dial ADC readings (12 bit)
const (
	dialDisconnected = 4095
	dialMinReading   = 50
	dialMaxReading   = 2500
	dialCountsPerPct = 25
)

var (
	ErrDialDisconnected = errors.New("resistance dial not connected")
	ErrDialTooLow       = errors.New("resistance dial reading too low")
)

// DialPercent converts a raw dial reading to a resistance percentage in [1, 100]
func DialPercent(reading uint16) (int, error) {
	switch {
	case reading >= dialDisconnected:
		return 0, ErrDialDisconnected
	case reading == 0:
		return 0, ErrDialTooLow
	case reading < dialMinReading:
		return 1, nil
	case reading >= dialMaxReading:
		return 100, nil
	default:
		return int(reading) / dialCountsPerPct, nil
	}
}

// decodeResistanceDial takes a little-endian 16-bit ADC reading
func decodeResistanceDial(raw []byte) (Bundle, error) {
	p := payload{buf: raw}
	reading := p.u16("dial reading")
	if p.err != nil {
		return Bundle{}, p.err
	}
	pct, err := DialPercent(reading)
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{HasResistance: true, Resistance: float64(pct)}, nil
}
