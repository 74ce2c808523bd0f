package manager

import (
	"log"
	"sync"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
	"github.com/evolvablehardware/iCEFARM/internal/worker/usbip"
)

// DeviceEvent is a normalised hot-plug sighting. Parsing the raw udev
// stream into this shape is an out-of-scope collaborator per spec.md §1
// ("udev parsing (we consume normalised device events)"); only
// recognised-hardware sightings should ever reach the manager.
type DeviceEvent struct {
	Action  string // "add" or "remove"
	Serial  string
	DevFile string
}

// KernelEvent is a normalised kernel-subsystem USB event, used exclusively
// to detect USB/IP client-side disconnects (spec.md §4.3).
type KernelEvent struct {
	Action string // "add" or "remove"
	BusID  string
}

// Config holds the manager's fixed, worker-wide settings.
type Config struct {
	DefaultFirmware string
	FlashTimeout    time.Duration
	FirmwareDir     string
	MountBase       string
}

// Manager tracks device events and routes them to their corresponding
// Device, and implements device.Services on their behalf.
type Manager struct {
	cfg    Config
	logger *log.Logger
	store  Store
	binder usbip.Binder
	hub    *eventbus.Hub

	mu          sync.Mutex
	devices     map[string]*device.Device
	deviceFiles map[string][]string // serial -> known device-files
	exported    map[string]string   // busid -> serial
	serialBus   map[string]string   // serial -> busid
	exiting     bool
}

// New constructs a manager. hub is the event-bus hub this worker's own
// listener socket feeds (one socket per connected client, mirroring
// control's hub — spec.md §4.5 "Worker bus: one socket per (client,
// worker) pair").
func New(cfg Config, store Store, binder usbip.Binder, hub *eventbus.Hub) *Manager {
	return &Manager{
		cfg:         cfg,
		logger:      log.New(log.Writer(), "[manager] ", log.LstdFlags),
		store:       store,
		binder:      binder,
		hub:         hub,
		devices:     make(map[string]*device.Device),
		deviceFiles: make(map[string][]string),
		exported:    make(map[string]string),
		serialBus:   make(map[string]string),
	}
}

// Scan triggers synthesised add-events for devices already connected at
// startup; cold-boot and hot-plug share this one path (spec.md §4.3).
func (m *Manager) Scan(initial []DeviceEvent) {
	m.logger.Printf("scanning for devices")
	for _, ev := range initial {
		ev.Action = "add"
		m.HandleDeviceEvent(ev)
	}
	m.logger.Printf("finished scan")
}

// HandleDeviceEvent routes a hot-plug sighting to its device, creating the
// device (and its database row) on first sighting.
func (m *Manager) HandleDeviceEvent(ev DeviceEvent) {
	if ev.Serial == "" {
		return
	}

	m.mu.Lock()
	if m.exiting {
		m.mu.Unlock()
		return
	}
	d, ok := m.devices[ev.Serial]
	if !ok {
		if err := m.store.AddDevice(ev.Serial); err != nil {
			m.logger.Printf("add device %s: %v", ev.Serial, err)
		}
		d = device.NewDevice(ev.Serial, m.store, m)
		m.devices[ev.Serial] = d
	}
	switch ev.Action {
	case "add":
		files := m.deviceFiles[ev.Serial]
		found := false
		for _, f := range files {
			if f == ev.DevFile {
				found = true
				break
			}
		}
		if !found {
			m.deviceFiles[ev.Serial] = append(files, ev.DevFile)
		}
	case "remove":
		files := m.deviceFiles[ev.Serial]
		for i, f := range files {
			if f == ev.DevFile {
				m.deviceFiles[ev.Serial] = append(files[:i], files[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if !ok {
		d.Switch(func() device.State {
			return device.NewFlashState(d, m.cfg.DefaultFirmware, "", func() device.State {
				return device.NewTestState(d)
			}, m.cfg.FlashTimeout)
		})
	}

	d.HandleDeviceEvent(ev.Action, ev.DevFile)
}

// HandleKernelEvent detects USB/IP client-side disconnects: a USB remove
// for a bus id currently marked exported, no longer present in usbip's own
// exported-bus list, means the remote client detached while the board
// itself stayed physically present (spec.md §4.3).
func (m *Manager) HandleKernelEvent(ev KernelEvent) {
	if ev.Action != "remove" {
		return
	}

	m.mu.Lock()
	serial, tracked := m.exported[ev.BusID]
	m.mu.Unlock()
	if !tracked {
		return
	}

	live, err := m.binder.ListExported()
	if err != nil {
		m.logger.Printf("list exported busids: %v", err)
		return
	}
	if live[ev.BusID] {
		return
	}

	m.mu.Lock()
	delete(m.exported, ev.BusID)
	delete(m.serialBus, serial)
	m.mu.Unlock()

	m.logger.Printf("usb/ip client detached from %s on busid %s", serial, ev.BusID)
}

// Reserve looks serial up and, if it is Ready, switches it toward the
// requested reservable kind. A no-op if the device is missing or not
// Ready, satisfying the idempotency requirement in spec.md §7.
func (m *Manager) Reserve(serial, clientID, kind string) error {
	d := m.deviceByID(serial)
	if d == nil {
		m.logger.Printf("reserve for unknown serial %s ignored", serial)
		return nil
	}
	ready, ok := d.CurrentState().(*device.ReadyState)
	if !ok {
		m.logger.Printf("reserve for %s ignored: device not Ready", serial)
		return nil
	}
	ready.Reserve(clientID, kind, m.cfg.FlashTimeout)
	return nil
}

// Unreserve switches serial back to default-flash via its current
// state's HandleExit path, per spec.md §4.1: "On unreserve or
// reservation-end: current state → Flash(default firmware) → Test →
// Ready." A no-op if the device is missing or already Ready.
func (m *Manager) Unreserve(serial string) error {
	d := m.deviceByID(serial)
	if d == nil {
		m.logger.Printf("unreserve for unknown serial %s ignored", serial)
		return nil
	}
	if _, ok := d.CurrentState().(*device.ReadyState); ok {
		m.logger.Printf("unreserve for %s ignored: device already Ready", serial)
		return nil
	}
	d.Switch(func() device.State {
		return device.NewFlashState(d, m.cfg.DefaultFirmware, "", func() device.State {
			return device.NewTestState(d)
		}, m.cfg.FlashTimeout)
	})
	return nil
}

func (m *Manager) deviceByID(serial string) *device.Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devices[serial]
}

// Shutdown unbinds every exported bus and marks the manager exiting so no
// further device events are accepted (spec.md §4.3: "Graceful shutdown
// unbinds every exported bus.").
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.exiting = true
	busids := make([]string, 0, len(m.exported))
	for busid := range m.exported {
		busids = append(busids, busid)
	}
	m.mu.Unlock()

	for _, busid := range busids {
		if err := m.binder.Unbind(busid); err != nil {
			m.logger.Printf("unbind %s on shutdown: %v", busid, err)
		}
	}
}

var _ device.Services = (*Manager)(nil)
