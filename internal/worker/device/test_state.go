package device

import (
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// TestState validates the default firmware after a flash-to-default cycle
// before promoting the device back to Ready. An exit-once latch ensures
// spurious repeat add-events (the board can expose more than one
// device-file) cannot double-switch (spec.md §4.1).
type TestState struct {
	device *Device
	reg    *EventRegistry
	once   sync.Once
}

// NewTestState enters Test, publishing status=testing.
func NewTestState(d *Device) *TestState {
	if err := d.Store().UpdateDeviceStatus(d.Serial(), model.StatusTesting); err != nil {
		d.Logger().Printf("update status to testing: %v", err)
	}
	return &TestState{device: d, reg: NewEventRegistry()}
}

// HandleAdd runs the default-firmware validity check on the first
// device-file carrying add-event, switching to Ready on success or Broken
// on failure.
func (s *TestState) HandleAdd(devFile string) {
	if !isTTYDeviceFile(devFile) {
		return
	}
	s.once.Do(func() {
		if s.runDefaultFirmwareCheck(devFile) {
			s.device.Switch(func() State { return NewReadyState(s.device) })
		} else {
			s.device.Switch(func() State { return NewBrokenState(s.device, "") })
		}
	})
}

func (s *TestState) HandleRemove(devFile string) {}
func (s *TestState) HandleExit()                 {}

func (s *TestState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	return s.reg.Dispatch(kind, contents)
}

// runDefaultFirmwareCheck opens the serial interface the default firmware
// exposes and confirms it produces at least one line of output — the
// minimal liveness probe spec.md §4.1 calls the "default firmware validity
// check".
func (s *TestState) runDefaultFirmwareCheck(devFile string) bool {
	port, err := s.device.Services().OpenSerial(devFile)
	if err != nil {
		s.device.Logger().Printf("open serial for default-firmware check: %v", err)
		return false
	}
	defer port.Close()

	line, err := port.ReadLine()
	if err != nil {
		s.device.Logger().Printf("default-firmware check read: %v", err)
		return false
	}
	return line != ""
}
