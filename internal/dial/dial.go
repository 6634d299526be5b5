package dial

import (
	"encoding/binary"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
)

// Address tags dial payloads in the fusion handle cache
const Address = "dial"

// Reader returns one raw 12-bit ADC count
type Reader interface {
	Read() (uint16, error)
}

// SysfsReader reads an IIO ADC channel such as
// /sys/bus/iio/devices/iio:device0/in_voltage0_raw
type SysfsReader struct {
	Path string
}

func (r SysfsReader) Read() (uint16, error) {
	raw, err := os.ReadFile(r.Path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", r.Path)
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 16)
	if err != nil {
		return 0, errors.Wrapf(err, "unexpected contents in %s", r.Path)
	}
	return uint16(v), nil
}

type Enqueuer interface {
	Enqueue(source fusion.SourceID, address string, raw []byte) bool
}

// Sampler hands dial readings to fusion at the configured period.
// Poll runs on the control tick.
type Sampler struct {
	reader Reader
	fuse   Enqueuer
	cfg    config.Provider
	logger *log.Logger
	now    func() time.Time

	next    time.Time
	lastErr string
}

type Option func(*Sampler)

func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

func NewSampler(reader Reader, fuse Enqueuer, cfg config.Provider, logger *log.Logger, opts ...Option) *Sampler {
	if reader == nil {
		panic("Dial: reader cannot be nil")
	}
	if fuse == nil {
		panic("Dial: fusion cannot be nil")
	}
	if cfg == nil {
		panic("Dial: config cannot be nil")
	}
	if logger == nil {
		panic("Dial: logger cannot be nil")
	}
	s := &Sampler{reader: reader, fuse: fuse, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sampler) Poll() {
	now := s.now()
	if now.Before(s.next) {
		return
	}
	s.next = now.Add(s.cfg.Current().Dial.Period)

	reading, err := s.reader.Read()
	if err == nil {
		// out of range readings would only be logged by fusion on every sample
		_, err = fusion.DialPercent(reading)
	}
	if err != nil {
		if msg := err.Error(); msg != s.lastErr {
			s.logger.Printf("Dial: %v", err)
			s.lastErr = msg
		}
		return
	}
	if s.lastErr != "" {
		s.logger.Printf("Dial: reading again (%d)", reading)
		s.lastErr = ""
	}

	var raw [2]byte
	binary.LittleEndian.PutUint16(raw[:], reading)
	s.fuse.Enqueue(fusion.SourceResistanceDial, Address, raw[:])
}
