package bt

import (
	"context"
	"encoding/binary"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/spin-controller/internal/state"
)

// MockDevice implements Device for running without bluetooth hardware
type MockDevice struct {
	logger       *log.Logger
	address      string
	localName    string
	serviceUUIDs []string

	mu        sync.RWMutex
	state     DeviceState
	callbacks map[string]func([]byte) // characteristic uuid -> notification callback
	writeErr  error

	heartRate uint8
	power     int16
	cadence   float64 // rpm
	speed     float64 // km/h

	crankRevolutions uint16
	crankEventTime   uint16
	crankLastUpdate  time.Time
	crankRemainder   float64

	writtenMu sync.RWMutex
	written   []WrittenValue
}

// WrittenValue records a value written to a characteristic
type WrittenValue struct {
	Timestamp          time.Time
	ServiceUUID        string
	CharacteristicUUID string
	Data               []byte
}

var _ Device = (*MockDevice)(nil)

func NewMockDevice(logger *log.Logger, address, localName string, serviceUUIDs ...string) *MockDevice {
	if logger == nil {
		panic("MockDevice: logger cannot be nil")
	}
	return &MockDevice{
		logger:       logger,
		address:      address,
		localName:    localName,
		serviceUUIDs: serviceUUIDs,
		callbacks:    make(map[string]func([]byte)),
		heartRate:    120,
		power:        150,
		cadence:      85,
		speed:        28,
	}
}

func (m *MockDevice) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if connected {
		m.state = Connected
		return
	}
	m.state = Disconnected
	m.callbacks = make(map[string]func([]byte))
}

// SetValues changes what the next notifications report
func (m *MockDevice) SetValues(heartRate uint8, power int16, cadence, speed float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartRate, m.power, m.cadence, m.speed = heartRate, power, cadence, speed
}

// FailWrites makes every later WriteCharacteristic return err
func (m *MockDevice) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MockDevice) GetAddressString() string { return m.address }

func (m *MockDevice) GetLocalName() string { return m.localName }

func (m *MockDevice) IsConnected() bool { return m.GetState() == Connected }

func (m *MockDevice) GetState() DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MockDevice) IsRecentlyScanned() bool { return true }

func (m *MockDevice) WaitForConnection(timeout time.Duration) error {
	if !m.IsConnected() {
		return errors.New("mock device not connected")
	}
	return nil
}

func (m *MockDevice) HasServiceUUID(uuid string) bool {
	for _, u := range m.serviceUUIDs {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

func (m *MockDevice) EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error {
	if !m.HasServiceUUID(serviceUuid) {
		return errors.Errorf("service %s not supported by %s", serviceUuid, m.localName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return errors.New("device not connected")
	}
	m.callbacks[strings.ToLower(characteristicUuid)] = callbackFunc
	return nil
}

func (m *MockDevice) DisableNotifications(serviceUuid string, characteristicUuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.callbacks, strings.ToLower(characteristicUuid))
	return nil
}

func (m *MockDevice) WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error {
	m.mu.RLock()
	err := m.writeErr
	m.mu.RUnlock()
	if err != nil {
		return err
	}

	m.writtenMu.Lock()
	m.written = append(m.written, WrittenValue{
		Timestamp:          time.Now(),
		ServiceUUID:        serviceUuid,
		CharacteristicUUID: characteristicUuid,
		Data:               append([]byte(nil), data...),
	})
	m.writtenMu.Unlock()

	if strings.EqualFold(characteristicUuid, ftms.CharUUIDFTMSControlPoint) && len(data) > 0 {
		m.logger.Printf("MockDevice: %s control point opcode 0x%02X", m.localName, data[0])
	}
	return nil
}

// Written returns a copy of everything written so far
func (m *MockDevice) Written() []WrittenValue {
	m.writtenMu.RLock()
	defer m.writtenMu.RUnlock()
	return append([]WrittenValue(nil), m.written...)
}

func (m *MockDevice) callback(characteristicUuid string) func([]byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callbacks[strings.ToLower(characteristicUuid)]
}

// TriggerNotifications sends one notification on every subscribed stream
func (m *MockDevice) TriggerNotifications() {
	if cb := m.callback(CharUUIDHeartRateMeasurement); cb != nil {
		m.mu.RLock()
		hr := m.heartRate
		m.mu.RUnlock()
		cb([]byte{0x00, hr})
	}
	if cb := m.callback(CharUUIDCSCMeasurement); cb != nil {
		cb(m.crankData(0x02))
	}
	if cb := m.callback(CharUUIDCyclingPowerMeasurement); cb != nil {
		m.mu.RLock()
		power := m.power
		m.mu.RUnlock()
		cb(CyclingPowerMeasurement(float64(power)))
	}
	if cb := m.callback(CharUUIDIndoorBikeData); cb != nil {
		var s state.Snapshot
		m.mu.RLock()
		s.Speed = m.speed
		s.Cadence.Value = m.cadence
		s.Power.Value = float64(m.power)
		m.mu.RUnlock()
		cb(ftms.EncodeIndoorBikeData(s))
	}
}

// crankData advances the cumulative crank counters by the time elapsed since
// the last call and encodes them after flags
func (m *MockDevice) crankData(flags byte) []byte {
	m.mu.Lock()
	now := time.Now()
	if m.crankLastUpdate.IsZero() {
		m.crankLastUpdate = now
	}
	elapsed := now.Sub(m.crankLastUpdate).Seconds()
	if m.cadence > 0 && elapsed > 0 {
		revs := m.cadence/60*elapsed + m.crankRemainder
		whole := uint16(revs)
		m.crankRemainder = revs - float64(whole)
		m.crankRevolutions += whole
		m.crankEventTime += uint16(elapsed * 1024)
	}
	m.crankLastUpdate = now
	revs, event := m.crankRevolutions, m.crankEventTime
	m.mu.Unlock()

	out := make([]byte, 5)
	out[0] = flags
	binary.LittleEndian.PutUint16(out[1:3], revs)
	binary.LittleEndian.PutUint16(out[3:5], event)
	return out
}

// MockManager implements ManagerInterface over a fixed set of mock devices
type MockManager struct {
	logger  *log.Logger
	devices []*MockDevice

	mu           sync.RWMutex
	scanning     bool
	clients      int
	notifyCancel context.CancelFunc

	connectedDevicesEvent *events.ChannelEvent[[]Device]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
}

var _ ManagerInterface = (*MockManager)(nil)

// NewMockManager returns a manager with a heart rate strap, a smart trainer
// and a cadence sensor, or with the given devices
func NewMockManager(logger *log.Logger, devices ...*MockDevice) *MockManager {
	if logger == nil {
		panic("MockManager: logger cannot be nil")
	}
	if len(devices) == 0 {
		devices = []*MockDevice{
			NewMockDevice(logger, "00:11:22:33:44:01", "Mock HR Strap", ServiceUUIDHeartRate),
			NewMockDevice(logger, "00:11:22:33:44:02", "Mock Smart Trainer", ftms.ServiceUUIDFTMS, ServiceUUIDCyclingPower),
			NewMockDevice(logger, "00:11:22:33:44:03", "Mock Cadence Sensor", ServiceUUIDCyclingSpeedCadence),
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MockManager{
		logger:                logger,
		devices:               devices,
		connectedDevicesEvent: events.NewChannelEvent[[]Device](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
}

func (m *MockManager) Devices() []*MockDevice {
	return m.devices
}

func (m *MockManager) find(address string) *MockDevice {
	for _, d := range m.devices {
		if d.address == address {
			return d
		}
	}
	return nil
}

func (m *MockManager) GetDevice(address string) Device {
	if d := m.find(address); d != nil {
		return d
	}
	return nil
}

func (m *MockManager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	m.scanning = true
	m.mu.Unlock()
	m.logger.Printf("MockManager: scanning, %d mock devices in range", len(m.devices))
}

func (m *MockManager) StopScan() error {
	m.mu.Lock()
	m.scanning = false
	m.mu.Unlock()
	return nil
}

func (m *MockManager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

func (m *MockManager) Connect(dev Device) error {
	mock := m.find(dev.GetAddressString())
	if mock == nil {
		return errors.Errorf("unknown device: %s", dev.GetAddressString())
	}
	mock.SetConnected(true)
	m.connectedDevicesEvent.Notify(m.ConnectedDevices())
	m.logger.Printf("MockManager: connected to %s", mock.localName)
	return nil
}

func (m *MockManager) Disconnect(dev Device) error {
	if mock := m.find(dev.GetAddressString()); mock != nil {
		mock.SetConnected(false)
	}
	m.connectedDevicesEvent.Notify(m.ConnectedDevices())
	return nil
}

// Drop simulates a sensor going out of range
func (m *MockManager) Drop(address string) {
	if mock := m.find(address); mock != nil {
		mock.SetConnected(false)
		m.connectedDevicesEvent.Notify(m.ConnectedDevices())
	}
}

func (m *MockManager) ConnectedDevices() []Device {
	var connected []Device
	for _, d := range m.devices {
		if d.IsConnected() {
			connected = append(connected, d)
		}
	}
	return connected
}

func (m *MockManager) ScanDevices() []Device {
	if !m.IsScanning() {
		return nil
	}
	devices := make([]Device, len(m.devices))
	for i, d := range m.devices {
		devices[i] = d
	}
	return devices
}

// SetClientCount simulates training apps connecting to the local server
func (m *MockManager) SetClientCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients = n
}

func (m *MockManager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients
}

func (m *MockManager) ListenToConnectedDevices(ch chan<- []Device) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

// StartNotifications makes every connected mock device notify each period
func (m *MockManager) StartNotifications(period time.Duration) {
	m.mu.Lock()
	if m.notifyCancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.notifyCancel = cancel
	m.mu.Unlock()

	go_func_utils.SafeGoWait(&m.wg, m.logger, func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range m.devices {
					if d.IsConnected() {
						d.TriggerNotifications()
					}
				}
			}
		}
	})
}

func (m *MockManager) Shutdown() {
	m.cancel()
	m.wg.Wait()
	m.logger.Println("MockManager: shutdown complete")
}
