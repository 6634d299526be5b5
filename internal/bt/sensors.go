package bt

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lowaak/smart-trainer/spin-controller/internal/config"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/fusion"
	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

const DefaultConnectTimeout = 10 * time.Second

// Ingester receives notification payloads. Enqueue must not block, it is
// called from the bluetooth stack's callback goroutine.
type Ingester interface {
	Enqueue(source fusion.SourceID, address string, raw []byte) bool
	Forget(address string)
}

// Sensors connects to wireless sensors, feeds their notifications to fusion
// and mirrors control commands to a connected FTMS trainer
type Sensors struct {
	manager ManagerInterface
	ingest  Ingester
	rt      *state.Runtime
	cfg     config.Provider
	logger  *log.Logger

	connectTimeout time.Duration

	mu             sync.RWMutex
	subscriptions  map[string][]Stream // address -> subscribed streams
	trainerAddress string              // device with an FTMS control point, if any

	unlisten     func()
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

var _ ftms.Peer = (*Sensors)(nil)

func NewSensors(manager ManagerInterface, ingest Ingester, rt *state.Runtime, cfg config.Provider, logger *log.Logger) *Sensors {
	if manager == nil {
		panic("Sensors: manager cannot be nil")
	}
	if ingest == nil {
		panic("Sensors: ingester cannot be nil")
	}
	if rt == nil {
		panic("Sensors: runtime cannot be nil")
	}
	if cfg == nil {
		panic("Sensors: config cannot be nil")
	}
	if logger == nil {
		panic("Sensors: logger cannot be nil")
	}
	return &Sensors{
		manager:        manager,
		ingest:         ingest,
		rt:             rt,
		cfg:            cfg,
		logger:         logger,
		connectTimeout: DefaultConnectTimeout,
		subscriptions:  make(map[string][]Stream),
		doneChan:       make(chan struct{}),
	}
}

// Start watches for sensors dropping off so their state is released
func (s *Sensors) Start() {
	ch := make(chan []Device, 4)
	s.unlisten = s.manager.ListenToConnectedDevices(ch)

	go_func_utils.SafeGoWait(&s.wg, s.logger, func() {
		for {
			select {
			case <-s.doneChan:
				return
			case devices := <-ch:
				s.reconcile(devices)
			}
		}
	})
}

// reconcile releases every subscribed address missing from the connected list
func (s *Sensors) reconcile(connected []Device) {
	present := make(map[string]bool, len(connected))
	for _, d := range connected {
		present[d.GetAddressString()] = true
	}

	s.mu.RLock()
	var lost []string
	for address := range s.subscriptions {
		if !present[address] {
			lost = append(lost, address)
		}
	}
	s.mu.RUnlock()

	for _, address := range lost {
		s.logger.Printf("Sensors: %s dropped off", address)
		s.release(address)
	}
}

// ConnectAndSubscribe connects to a device if needed and subscribes to every
// stream it supports
func (s *Sensors) ConnectAndSubscribe(address string) error {
	dev := s.manager.GetDevice(address)
	if dev == nil {
		return errors.Errorf("device not found: %s", address)
	}
	name := dev.GetLocalName()

	if !dev.IsConnected() {
		s.logger.Printf("Sensors: connecting to %s (%s)", name, address)
		if err := s.manager.Connect(dev); err != nil {
			return errors.Wrap(err, "failed to initiate connection")
		}
		if err := dev.WaitForConnection(s.connectTimeout); err != nil {
			return errors.Wrap(err, "connection timeout")
		}
	}

	var subscribed []Stream
	for _, stream := range AllStreams {
		if !dev.HasServiceUUID(stream.ServiceUUID) {
			continue
		}
		if err := dev.EnableNotifications(stream.ServiceUUID, stream.CharacteristicUUID, s.notificationHandler(stream.Source, address)); err != nil {
			s.logger.Printf("Sensors: failed to subscribe to %s on %s: %v", stream.DisplayName, address, err)
			continue
		}
		s.logger.Printf("Sensors: subscribed to %s on %s", stream.DisplayName, name)
		subscribed = append(subscribed, stream)
	}
	if len(subscribed) == 0 {
		return errors.Errorf("no supported notification streams on %s", address)
	}

	s.mu.Lock()
	s.subscriptions[address] = subscribed
	s.mu.Unlock()

	if dev.HasServiceUUID(ftms.ServiceUUIDFTMS) {
		if err := s.requestControl(dev); err != nil {
			s.logger.Printf("Sensors: FTMS control not acquired on %s: %v", address, err)
		}
	}
	return nil
}

func (s *Sensors) notificationHandler(source fusion.SourceID, address string) func(buf []byte) {
	return func(buf []byte) {
		s.ingest.Enqueue(source, address, buf)
	}
}

// requestControl takes control of a trainer so commands can be mirrored to it
func (s *Sensors) requestControl(dev Device) error {
	if err := dev.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, []byte{ftms.OpCodeRequestControl}); err != nil {
		return err
	}
	// some trainers ignore targets until started
	if err := dev.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, []byte{ftms.OpCodeStartOrResume}); err != nil {
		s.logger.Printf("Sensors: start command failed (may not be required): %v", err)
	}

	s.mu.Lock()
	s.trainerAddress = dev.GetAddressString()
	s.mu.Unlock()
	s.logger.Printf("Sensors: FTMS control acquired on %s", dev.GetAddressString())
	return nil
}

// ForwardControlCommand mirrors a control point command to the connected
// trainer. Without a trainer there is nothing to mirror to.
func (s *Sensors) ForwardControlCommand(cmd []byte) error {
	s.mu.RLock()
	address := s.trainerAddress
	s.mu.RUnlock()
	if address == "" {
		return nil
	}

	dev := s.manager.GetDevice(address)
	if dev == nil || !dev.IsConnected() {
		return errors.Errorf("trainer %s not connected", address)
	}
	return dev.WriteCharacteristic(ftms.ServiceUUIDFTMS, ftms.CharUUIDFTMSControlPoint, cmd)
}

// Disconnect drops a sensor and everything learned from it
func (s *Sensors) Disconnect(address string) error {
	dev := s.manager.GetDevice(address)
	if dev == nil {
		return errors.Errorf("device not found: %s", address)
	}
	s.release(address)
	return s.manager.Disconnect(dev)
}

// release forgets an address. Connected flags are cleared unless another
// subscribed sensor still provides them, so the next sweep zeroes the
// affected metrics.
func (s *Sensors) release(address string) {
	s.mu.Lock()
	streams, ok := s.subscriptions[address]
	delete(s.subscriptions, address)
	if s.trainerAddress == address {
		s.trainerAddress = ""
	}
	stillProvided := make(map[state.Source]bool)
	for _, remaining := range s.subscriptions {
		for _, stream := range remaining {
			for _, src := range stream.Provides {
				stillProvided[src] = true
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		return
	}
	for _, stream := range streams {
		for _, src := range stream.Provides {
			if !stillProvided[src] {
				s.rt.SetConnected(src, false)
			}
		}
	}
	s.ingest.Forget(address)
}

// Subscribed reports whether an address has live subscriptions
func (s *Sensors) Subscribed(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[address]
	return ok
}

func (s *Sensors) SubscribedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscriptions)
}

// wanted applies the configured sensor preferences to a scanned device
func (s *Sensors) wanted(dev Device) bool {
	settings := s.cfg.Current()
	preference := settings.ConnectedPowerMeter
	if dev.HasServiceUUID(ServiceUUIDHeartRate) && !dev.HasServiceUUID(ServiceUUIDCyclingPower) &&
		!dev.HasServiceUUID(ftms.ServiceUUIDFTMS) {
		preference = settings.ConnectedHeartMonitor
	}
	switch preference {
	case config.SensorNone:
		return false
	case config.SensorAny, "":
		return true
	default:
		return strings.EqualFold(strings.TrimSpace(dev.GetLocalName()), strings.TrimSpace(preference))
	}
}

// AutoConnect connects to every scanned, unsubscribed device the sensor
// preferences allow and returns how many were connected
func (s *Sensors) AutoConnect() int {
	n := 0
	for _, dev := range s.manager.ScanDevices() {
		address := dev.GetAddressString()
		if s.Subscribed(address) || !s.wanted(dev) {
			continue
		}
		if err := s.ConnectAndSubscribe(address); err != nil {
			s.logger.Printf("Sensors: auto connect to %s failed: %v", address, err)
			continue
		}
		n++
	}
	return n
}

// RunAutoConnect scans and calls AutoConnect every period until ctx is done
func (s *Sensors) RunAutoConnect(ctx context.Context, period time.Duration) {
	s.manager.StartScan(ScanServiceUUIDs())
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneChan:
			return
		case <-ticker.C:
			s.AutoConnect()
		}
	}
}

// Shutdown stops watching connections. Safe to call multiple times.
func (s *Sensors) Shutdown() {
	s.shutdownOnce.Do(func() {
		if s.unlisten != nil {
			s.unlisten()
		}
		close(s.doneChan)
		s.wg.Wait()
	})
}
