package bt

import (
	"context"
	"encoding/binary"
	"log"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const DefaultPublishPeriod = time.Second

// ControlPointHandler answers a control point write with its response
type ControlPointHandler interface {
	Apply(data []byte) []byte
}

// FieldListener subscribes to "field changed" events
type FieldListener interface {
	Listen(ch chan<- events.FieldID) func()
}

// Server is the fitness machine and cycling power server training apps
// connect to, plus the companion service the settings app uses
type Server struct {
	adapter *bluetooth.Adapter
	handler ControlPointHandler
	custom  ControlPointHandler
	rt      *state.Runtime
	logger  *log.Logger

	mu             sync.Mutex // serializes notifications
	controlPoint   bluetooth.Characteristic
	customChar     bluetooth.Characteristic
	indoorBikeData bluetooth.Characteristic
	cyclingPower   bluetooth.Characteristic
	advertisement  *bluetooth.Advertisement
	started        bool
}

func NewServer(adapter *bluetooth.Adapter, handler, custom ControlPointHandler, rt *state.Runtime, logger *log.Logger) *Server {
	if adapter == nil {
		panic("BTServer: adapter cannot be nil")
	}
	if handler == nil {
		panic("BTServer: handler cannot be nil")
	}
	if custom == nil {
		panic("BTServer: custom handler cannot be nil")
	}
	if rt == nil {
		panic("BTServer: runtime cannot be nil")
	}
	if logger == nil {
		panic("BTServer: logger cannot be nil")
	}
	return &Server{adapter: adapter, handler: handler, custom: custom, rt: rt, logger: logger}
}

func mustUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic("BTServer: bad UUID " + s)
	}
	return uuid
}

// Start registers the services and starts advertising under name
func (s *Server) Start(name string) error {
	err := s.adapter.AddService(&bluetooth.Service{
		UUID: mustUUID(ftms.ServiceUUIDFTMS),
		Characteristics: []bluetooth.CharacteristicConfig{
			{UUID: mustUUID(ftms.CharUUIDFeature), Flags: bluetooth.CharacteristicReadPermission, Value: ftms.FeatureValue()},
			{
				Handle: &s.controlPoint,
				UUID:   mustUUID(ftms.CharUUIDFTMSControlPoint),
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicIndicatePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					s.onControlPointWrite(value)
				},
			},
			{
				Handle: &s.indoorBikeData,
				UUID:   mustUUID(ftms.CharUUIDIndoorBikeData),
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
				Value:  ftms.EncodeIndoorBikeData(state.Snapshot{}),
			},
			{UUID: mustUUID(ftms.CharUUIDResistanceLevelRange), Flags: bluetooth.CharacteristicReadPermission, Value: ftms.ResistanceLevelRange},
			{UUID: mustUUID(ftms.CharUUIDPowerRange), Flags: bluetooth.CharacteristicReadPermission, Value: ftms.PowerRange},
			{UUID: mustUUID(ftms.CharUUIDInclinationRange), Flags: bluetooth.CharacteristicReadPermission, Value: ftms.InclinationRange},
		},
	})
	if err != nil {
		return errors.Wrap(err, "adding fitness machine service")
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: mustUUID(ServiceUUIDCyclingPower),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &s.cyclingPower,
				UUID:   mustUUID(CharUUIDCyclingPowerMeasurement),
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
				Value:  CyclingPowerMeasurement(0),
			},
			// cycling power feature: none of the optional fields
			{UUID: bluetooth.New16BitUUID(0x2A65), Flags: bluetooth.CharacteristicReadPermission, Value: []byte{0x00, 0x00, 0x00, 0x00}},
		},
	})
	if err != nil {
		return errors.Wrap(err, "adding cycling power service")
	}

	err = s.adapter.AddService(&bluetooth.Service{
		UUID: mustUUID(ftms.ServiceUUIDCustom),
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &s.customChar,
				UUID:   mustUUID(ftms.CharUUIDCustom),
				Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicNotifyPermission |
					bluetooth.CharacteristicReadPermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					s.onCustomWrite(value)
				},
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "adding companion service")
	}

	s.advertisement = s.adapter.DefaultAdvertisement()
	err = s.advertisement.Configure(bluetooth.AdvertisementOptions{
		LocalName:    name,
		ServiceUUIDs: []bluetooth.UUID{mustUUID(ftms.ServiceUUIDFTMS), mustUUID(ServiceUUIDCyclingPower)},
	})
	if err != nil {
		return errors.Wrap(err, "configuring advertisement")
	}
	if err := s.advertisement.Start(); err != nil {
		return errors.Wrap(err, "starting advertisement")
	}
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.logger.Printf("BTServer: advertising as %q", name)
	return nil
}

func (s *Server) onControlPointWrite(value []byte) {
	response := s.handler.Apply(value)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.controlPoint.Write(response); err != nil {
		s.logger.Printf("BTServer: control point response failed: %v", err)
	}
}

func (s *Server) onCustomWrite(value []byte) {
	s.notifyCustom(s.custom.Apply(value))
}

// NotifyField pushes the current value of a changed field to the companion app.
// Field ids double as custom characteristic items.
func (s *Server) NotifyField(field events.FieldID) {
	s.notifyCustom(s.custom.Apply([]byte{ftms.CustomRead, byte(field)}))
}

func (s *Server) notifyCustom(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if _, err := s.customChar.Write(frame); err != nil {
		s.logger.Printf("BTServer: companion notify failed: %v", err)
	}
}

// RunFieldNotifier forwards field changes to the companion app until ctx is done
func (s *Server) RunFieldNotifier(ctx context.Context, fields FieldListener) {
	ch := make(chan events.FieldID, 16)
	unlisten := fields.Listen(ch)
	defer unlisten()
	for {
		select {
		case <-ctx.Done():
			return
		case field := <-ch:
			s.NotifyField(field)
		}
	}
}

// Publish notifies subscribers with the current metrics
func (s *Server) Publish() {
	snap := s.rt.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if _, err := s.indoorBikeData.Write(ftms.EncodeIndoorBikeData(snap)); err != nil {
		s.logger.Printf("BTServer: indoor bike data notify failed: %v", err)
	}
	if _, err := s.cyclingPower.Write(CyclingPowerMeasurement(snap.Power.Value)); err != nil {
		s.logger.Printf("BTServer: cycling power notify failed: %v", err)
	}
}

// RunPublisher calls Publish every period until ctx is done
func (s *Server) RunPublisher(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Publish()
		}
	}
}

// Stop stops advertising
func (s *Server) Stop() error {
	if s.advertisement == nil {
		return nil
	}
	return errors.Wrap(s.advertisement.Stop(), "stopping advertisement")
}

// CyclingPowerMeasurement encodes instantaneous power with no optional fields
func CyclingPowerMeasurement(watts float64) []byte {
	out := make([]byte, 4)
	w := int16(math.Max(math.MinInt16, math.Min(math.MaxInt16, watts)))
	binary.LittleEndian.PutUint16(out[2:4], uint16(w))
	return out
}
