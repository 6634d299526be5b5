package bt

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
)

// ManagerInterface is the part of the adapter the sensor link depends on
type ManagerInterface interface {
	GetDevice(address string) Device
	StartScan(serviceUuidFilter []string)
	StopScan() error
	IsScanning() bool
	Connect(device Device) error
	Disconnect(device Device) error
	ConnectedDevices() []Device
	ScanDevices() []Device
	ClientCount() int
	ListenToConnectedDevices(ch chan<- []Device) func()
}

var _ ManagerInterface = (*Manager)(nil)

// Manager owns the adapter. The adapter has a single connect handler for
// both roles: connections we initiated are sensors, anything else is a
// training app connecting to the local server.
type Manager struct {
	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
	logger      *log.Logger

	mu                sync.RWMutex
	devicesByAddress  map[string]*device
	clients           int
	scanning          bool
	scanContextCancel context.CancelFunc

	connectedDevicesEvent *events.ChannelEvent[[]Device]
	ctx                   context.Context
	cancel                context.CancelFunc
	wg                    sync.WaitGroup
}

func NewManager(adapter *bluetooth.Adapter, scanTimeout time.Duration, logger *log.Logger) *Manager {
	if adapter == nil {
		panic("BTManager: adapter cannot be nil")
	}
	if logger == nil {
		panic("BTManager: logger cannot be nil")
	}
	if scanTimeout <= 0 {
		scanTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		adapter:               adapter,
		scanTimeout:           scanTimeout,
		logger:                logger,
		devicesByAddress:      make(map[string]*device),
		connectedDevicesEvent: events.NewChannelEvent[[]Device](true),
		ctx:                   ctx,
		cancel:                cancel,
	}
}

func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		addressStr := dev.Address.String()

		m.mu.Lock()
		d, ok := m.devicesByAddress[addressStr]
		if !ok || d.GetState() == Disconnected {
			m.updateClients(addressStr, connected)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		if connected {
			m.logger.Printf("BTManager: device connected: %s", addressStr)
			d.setConnectedDevice(&dev)
		} else {
			m.logger.Printf("BTManager: device disconnected: %s", addressStr)
			d.setConnectedDevice(nil)
		}
		m.emitConnectedDevicesChange()
	})

	return errors.Wrap(m.adapter.Enable(), "enabling bluetooth adapter")
}

// updateClients must be called with mu held
func (m *Manager) updateClients(address string, connected bool) {
	if connected {
		m.clients++
		m.logger.Printf("BTManager: client connected: %s (%d connected)", address, m.clients)
		return
	}
	if m.clients > 0 {
		m.clients--
	}
	m.logger.Printf("BTManager: client disconnected: %s (%d connected)", address, m.clients)
}

// ClientCount returns the number of training apps connected to the local server
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clients
}

// GetDevice returns a scanned device by address, or nil if not found
func (m *Manager) GetDevice(address string) Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if d, ok := m.devicesByAddress[address]; ok {
		return d
	}
	return nil
}

func (m *Manager) StartScan(serviceUuidFilter []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	filterSet := make(map[string]struct{}, len(serviceUuidFilter))
	for _, filter := range serviceUuidFilter {
		filterSet[strings.ToLower(filter)] = struct{}{}
	}

	if m.scanning && m.scanContextCancel != nil {
		m.logger.Printf("BTManager: restarting scan")
		m.scanContextCancel()
	}
	m.scanning = true
	scanCtx, cancel := context.WithCancel(m.ctx)
	m.scanContextCancel = cancel

	go_func_utils.SafeGoWait(&m.wg, m.logger, func() {
		m.cleanupStaleDevices(scanCtx)
	})

	go_func_utils.SafeGoWait(&m.wg, m.logger, func() {
		m.logger.Printf("BTManager: scanning for %d service(s)", len(filterSet))
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			select {
			case <-scanCtx.Done():
				return
			default:
			}

			if len(filterSet) > 0 && !matchesFilter(result, filterSet) {
				return
			}

			m.mu.Lock()
			d, ok := m.devicesByAddress[result.Address.String()]
			if !ok {
				d = newDevice(m.logger, result.Address, m.scanTimeout)
				m.devicesByAddress[result.Address.String()] = d
			}
			m.mu.Unlock()

			d.updateFromScan(result, time.Now())
			if !ok {
				m.logger.Printf("BTManager: found device: %s (%s) [RSSI: %d]", d.GetLocalName(), d.GetAddressString(), result.RSSI)
			}
		})
		if err != nil {
			m.logger.Printf("BTManager: scan error: %v", err)
		}
	})
}

func matchesFilter(result bluetooth.ScanResult, filterSet map[string]struct{}) bool {
	for _, uuid := range result.ServiceUUIDs() {
		if _, ok := filterSet[strings.ToLower(uuid.String())]; ok {
			return true
		}
	}
	return false
}

// cleanupStaleDevices forgets devices that stopped advertising and are not
// connected
func (m *Manager) cleanupStaleDevices(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			var removed []string
			for addr, d := range m.devicesByAddress {
				if d.GetState() == Disconnected && time.Since(d.lastSeen()) > m.scanTimeout {
					delete(m.devicesByAddress, addr)
					removed = append(removed, addr)
				}
			}
			m.mu.Unlock()

			for _, addr := range removed {
				m.logger.Printf("BTManager: device timeout: %s (not seen for %v)", addr, m.scanTimeout)
			}
		}
	}
}

func (m *Manager) StopScan() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.scanning {
		return nil
	}
	m.scanning = false
	if m.scanContextCancel != nil {
		m.scanContextCancel()
		m.scanContextCancel = nil
	}
	return errors.Wrap(m.adapter.StopScan(), "stopping scan")
}

func (m *Manager) IsScanning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scanning
}

// Connect connects to a scanned device. The device is marked Connecting
// first so the connect handler attributes the connection to a sensor.
func (m *Manager) Connect(dev Device) error {
	addressStr := dev.GetAddressString()

	m.mu.RLock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown device %s", addressStr)
	}

	d.setState(Connecting)
	connected, err := m.adapter.Connect(d.address, bluetooth.ConnectionParams{})
	if err != nil {
		d.setState(Disconnected)
		return errors.Wrapf(err, "connecting to %s", addressStr)
	}
	if !d.IsConnected() {
		d.setConnectedDevice(&connected)
		m.emitConnectedDevicesChange()
	}
	m.logger.Printf("BTManager: connected to %s (%s)", d.GetLocalName(), addressStr)
	return nil
}

func (m *Manager) Disconnect(dev Device) error {
	addressStr := dev.GetAddressString()

	m.mu.RLock()
	d, ok := m.devicesByAddress[addressStr]
	m.mu.RUnlock()
	if !ok {
		return errors.Errorf("unknown device %s", addressStr)
	}

	inner := d.getConnectedDevice()
	if inner == nil {
		return nil
	}
	return errors.Wrapf(inner.Disconnect(), "disconnecting from %s", addressStr)
}

func (m *Manager) ConnectedDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Device, 0)
	for _, d := range m.devicesByAddress {
		if d.IsConnected() {
			result = append(result, d)
		}
	}
	return result
}

func (m *Manager) ScanDevices() []Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]Device, 0)
	for _, d := range m.devicesByAddress {
		if d.IsRecentlyScanned() {
			result = append(result, d)
		}
	}
	return result
}

// ListenToConnectedDevices registers a channel for connected device list
// changes and returns a deregistration function
func (m *Manager) ListenToConnectedDevices(ch chan<- []Device) func() {
	return m.connectedDevicesEvent.Listen(ch)
}

func (m *Manager) emitConnectedDevicesChange() {
	m.connectedDevicesEvent.Notify(m.ConnectedDevices())
}

// Shutdown disconnects every sensor and stops scanning
func (m *Manager) Shutdown() {
	m.logger.Println("BTManager: shutting down")
	for _, d := range m.ConnectedDevices() {
		if err := m.Disconnect(d); err != nil {
			m.logger.Printf("BTManager: %v", err)
		}
	}
	if err := m.StopScan(); err != nil {
		m.logger.Printf("BTManager: %v", err)
	}
	m.cancel()
	m.wg.Wait()
	m.logger.Println("BTManager: shutdown complete")
}
