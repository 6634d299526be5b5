package bt

import (
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"
)

type DeviceState int

const (
	Disconnected DeviceState = iota
	Connecting
	Connected
)

func (s DeviceState) String() string {
	switch s {
	case Connected:
		return "Connected"
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	default:
		return "Unknown"
	}
}

// Device is a remote sensor or trainer seen while scanning
type Device interface {
	GetAddressString() string
	GetLocalName() string
	IsConnected() bool
	GetState() DeviceState
	IsRecentlyScanned() bool
	WaitForConnection(timeout time.Duration) error
	EnableNotifications(serviceUuid string, characteristicUuid string, callbackFunc func(buf []byte)) error
	DisableNotifications(serviceUuid string, characteristicUuid string) error
	WriteCharacteristic(serviceUuid string, characteristicUuid string, data []byte) error
	HasServiceUUID(uuid string) bool
}

type device struct {
	address     bluetooth.Address
	scanTimeout time.Duration
	logger      *log.Logger

	mu              sync.RWMutex
	scanLastSeen    time.Time
	localName       string
	serviceUuidStrs []string
	connectedDevice *bluetooth.Device // nil unless connected
	state           DeviceState

	// bleMu serializes GATT operations and guards the discovery caches
	bleMu                  sync.Mutex
	serviceByUuid          map[string]*bluetooth.DeviceService
	characteristicByUuid   map[string]*bluetooth.DeviceCharacteristic
	serviceCharsDiscovered map[string]bool
	allServicesDiscovered  bool
}

func newDevice(logger *log.Logger, address bluetooth.Address, scanTimeout time.Duration) *device {
	if logger == nil {
		panic("BTDevice: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		panic("BTDevice: scanTimeout must be > 0")
	}
	return &device{
		logger:                 logger,
		address:                address,
		localName:              "Unknown",
		scanTimeout:            scanTimeout,
		scanLastSeen:           time.Unix(0, 0),
		state:                  Disconnected,
		serviceByUuid:          make(map[string]*bluetooth.DeviceService),
		characteristicByUuid:   make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsDiscovered: make(map[string]bool),
	}
}

func (d *device) GetAddressString() string {
	return d.address.String()
}

func (d *device) GetLocalName() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.localName
}

func (d *device) HasServiceUUID(uuid string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.serviceUuidStrs {
		if strings.EqualFold(u, uuid) {
			return true
		}
	}
	return false
}

func (d *device) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice != nil
}

func (d *device) GetState() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *device) IsRecentlyScanned() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return time.Since(d.scanLastSeen) <= d.scanTimeout
}

func (d *device) lastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scanLastSeen
}

// updateFromScan records a fresh advertisement
func (d *device) updateFromScan(result bluetooth.ScanResult, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scanLastSeen = now
	if name := result.LocalName(); name != "" {
		d.localName = name
	}
	if d.serviceUuidStrs == nil {
		for _, uuid := range result.ServiceUUIDs() {
			d.serviceUuidStrs = append(d.serviceUuidStrs, uuid.String())
		}
	}
}

func (d *device) setConnectedDevice(dev *bluetooth.Device) {
	d.mu.Lock()
	d.connectedDevice = dev
	if dev != nil {
		d.state = Connected
		d.mu.Unlock()
		return
	}
	d.state = Disconnected
	d.mu.Unlock()

	// discovered handles do not survive a reconnect
	d.bleMu.Lock()
	defer d.bleMu.Unlock()
	clear(d.serviceByUuid)
	clear(d.characteristicByUuid)
	clear(d.serviceCharsDiscovered)
	d.allServicesDiscovered = false
}

func (d *device) setState(state DeviceState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *device) getConnectedDevice() *bluetooth.Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connectedDevice
}

func (d *device) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutChan := time.After(timeout)

	for {
		select {
		case <-ticker.C:
			if d.IsConnected() {
				return nil
			}
		case <-timeoutChan:
			return errors.Errorf("timeout after %v waiting for connection", timeout)
		}
	}
}

func (d *device) EnableNotifications(serviceUuidStr string, characteristicUuidStr string, callbackFunc func(buf []byte)) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.characteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if err := characteristic.EnableNotifications(callbackFunc); err != nil {
		return errors.Wrapf(err, "failed to enable notifications on %s", characteristicUuidStr)
	}
	d.logger.Printf("BTDevice: notifications enabled for %s on %s", characteristicUuidStr, d.GetAddressString())
	return nil
}

func (d *device) DisableNotifications(serviceUuidStr string, characteristicUuidStr string) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.characteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	// a nil callback disables notifications
	if err := characteristic.EnableNotifications(nil); err != nil {
		return errors.Wrapf(err, "failed to disable notifications on %s", characteristicUuidStr)
	}
	return nil
}

func (d *device) WriteCharacteristic(serviceUuidStr string, characteristicUuidStr string, data []byte) error {
	d.bleMu.Lock()
	defer d.bleMu.Unlock()

	characteristic, err := d.characteristic(serviceUuidStr, characteristicUuidStr)
	if err != nil {
		return err
	}
	if _, err := characteristic.Write(data); err != nil {
		return errors.Wrapf(err, "failed to write %s", characteristicUuidStr)
	}
	return nil
}

// characteristic resolves a characteristic, discovering and caching every
// service and characteristic on first use. Rediscovering a single service
// interrupts notifications already running on it. Must hold bleMu.
func (d *device) characteristic(serviceUuidStr, charUuidStr string) (*bluetooth.DeviceCharacteristic, error) {
	serviceUuid, err := bluetooth.ParseUUID(serviceUuidStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid service UUID %q", serviceUuidStr)
	}
	charUuid, err := bluetooth.ParseUUID(charUuidStr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid characteristic UUID %q", charUuidStr)
	}

	svcKey := serviceUuid.String()
	key := svcKey + "_" + charUuid.String()
	if c, ok := d.characteristicByUuid[key]; ok {
		return c, nil
	}

	if !d.serviceCharsDiscovered[svcKey] {
		service, err := d.service(serviceUuid)
		if err != nil {
			return nil, err
		}
		chars, err := service.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, errors.Wrapf(err, "could not discover characteristics for service %s", svcKey)
		}
		for i := range chars {
			c := &chars[i]
			d.characteristicByUuid[svcKey+"_"+c.UUID().String()] = c
		}
		d.serviceCharsDiscovered[svcKey] = true
	}

	c, ok := d.characteristicByUuid[key]
	if !ok {
		return nil, errors.Errorf("characteristic %s not found in service %s", charUuid, svcKey)
	}
	return c, nil
}

// service must be called with bleMu held
func (d *device) service(serviceUuid bluetooth.UUID) (*bluetooth.DeviceService, error) {
	connected := d.getConnectedDevice()
	if connected == nil {
		return nil, errors.New("no connected device")
	}

	key := serviceUuid.String()
	if s, ok := d.serviceByUuid[key]; ok {
		return s, nil
	}

	if !d.allServicesDiscovered {
		services, err := connected.DiscoverServices(nil)
		if err != nil {
			return nil, errors.Wrap(err, "error discovering services")
		}
		for i := range services {
			s := &services[i]
			d.serviceByUuid[s.UUID().String()] = s
		}
		d.allServicesDiscovered = true
	}

	s, ok := d.serviceByUuid[key]
	if !ok {
		return nil, errors.Errorf("service %s not found on device", key)
	}
	return s, nil
}
