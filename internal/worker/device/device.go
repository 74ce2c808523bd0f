package device

import (
	"fmt"
	"log"
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// Store is the subset of the worker database adapter a Device needs: it
// publishes its own status changes, never reservation columns (those are
// control's, per spec.md §3 "Ownership").
type Store interface {
	UpdateDeviceStatus(serial string, status model.Status) error
}

// SerialPort is the subset of *serialport.Port a Reservable state needs.
// Declared here, rather than importing the concrete type, so states
// depend on a capability, not an implementation.
type SerialPort interface {
	WriteBitstream(data []byte) error
	ReadLine() (string, error)
	Close() error
}

// Services is everything a State needs from the Device Manager to act on
// hardware or the event bus, asked for by serial rather than held as a
// raw back-pointer (spec.md §9: "State... asks the Manager for services
// by id, never dereferencing a raw back-pointer").
type Services interface {
	// DeviceFiles lists the currently known device-files for serial, used
	// both for initial-scan replay and entry-time re-sync.
	DeviceFiles(serial string) []string

	// Mount/Unmount/ListDir/CopyFirmware/FirmwareImage implement the
	// bootloader mass-storage handshake (spec.md §4.1, §6).
	Mount(devFile string) (string, error)
	Unmount(mountPoint string) error
	ListDir(mountPoint string) ([]string, error)
	CopyFirmware(mountPoint string, image []byte) error
	FirmwareImage(name string) ([]byte, error)

	// EnterBootloader sends the USB-serial "enter bootloader" byte
	// sequence to a tty device-file.
	EnterBootloader(devFile string) error

	// OpenSerial opens devFile at the pulse-count protocol's fixed rate.
	OpenSerial(devFile string) (SerialPort, error)

	// Bind/Unbind export or release this device's USB/IP bus id.
	Bind(busid string) error
	Unbind(busid string) error

	// SendEvent addresses env to clientID's event-bus socket.
	SendEvent(clientID string, env model.Envelope) error
}

// Device is the single state-machine object owning one physical board's
// lifecycle. Transitions are serialised by a switch-latch: the outgoing
// state's HandleExit completes, and the device is briefly stateless, before
// the incoming state's constructor runs — so no event is ever delivered to
// both states for one transition (spec.md §4.1, §5).
type Device struct {
	serial   string
	logger   *log.Logger
	store    Store
	services Services

	mu    sync.Mutex
	state State
	// epoch counts successful state installs. It lets an outer Switch
	// detect that its factory() reentrantly called Switch (installing a
	// newer state itself) so the outer call can discard its own, now-stale
	// next state instead of clobbering the real one.
	epoch uint64
}

// NewDevice constructs a device with no state. Callers must Switch it into
// an initial state (normally FlashState, to install default firmware)
// immediately after construction.
func NewDevice(serial string, store Store, services Services) *Device {
	return &Device{
		serial:   serial,
		logger:   log.New(log.Writer(), fmt.Sprintf("[device %s] ", serial), log.LstdFlags),
		store:    store,
		services: services,
	}
}

func (d *Device) Serial() string       { return d.serial }
func (d *Device) Logger() *log.Logger  { return d.logger }
func (d *Device) Store() Store         { return d.store }
func (d *Device) Services() Services   { return d.services }

// Switch runs the current state's exit routine, then installs the state
// produced by factory. factory runs with no lock held and after the
// device's state is cleared, so a constructor that itself calls Switch
// (e.g. Flash's timeout handler) never deadlocks and never observes its
// own predecessor. If factory reentrantly calls Switch itself (e.g. a
// state constructor that immediately transitions onward), that nested
// call's result wins and this call's next is discarded rather than
// clobbering it.
func (d *Device) Switch(factory func() State) {
	d.mu.Lock()
	old := d.state
	d.state = nil
	startEpoch := d.epoch
	d.mu.Unlock()

	if old != nil {
		old.HandleExit()
	}

	next := factory()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.epoch != startEpoch {
		d.logger.Printf("discarding stale state from a reentrant Switch call")
		return
	}
	d.state = next
	d.epoch++
}

// HandleDeviceEvent routes a hot-plug add/remove to the current state.
// Events arriving during the brief gap of an in-flight Switch are dropped
// and logged, never delivered to a state mid-transition.
func (d *Device) HandleDeviceEvent(action, devFile string) {
	st := d.currentState()
	if st == nil {
		d.logger.Printf("dropping %s event for %s: device is mid-transition", action, devFile)
		return
	}
	switch action {
	case "add":
		st.HandleAdd(devFile)
	case "remove":
		st.HandleRemove(devFile)
	default:
		d.logger.Printf("unhandled device action: %s", action)
	}
}

// HandleEvent routes a client/control request to the current state's
// registry.
func (d *Device) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	st := d.currentState()
	if st == nil {
		d.logger.Printf("dropping %q event: device is mid-transition", kind)
		return false
	}
	return st.HandleEvent(kind, contents)
}

func (d *Device) currentState() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// CurrentState returns the device's current state, primarily for tests.
func (d *Device) CurrentState() State {
	return d.currentState()
}
