package device

import (
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// ReadyState marks the device available and waits passively for a reserve
// request routed in by the Device Manager (spec.md §4.1).
type ReadyState struct {
	device *Device
	reg    *EventRegistry
}

// NewReadyState enters Ready, publishing status=available.
func NewReadyState(d *Device) *ReadyState {
	if err := d.Store().UpdateDeviceStatus(d.Serial(), model.StatusAvailable); err != nil {
		d.Logger().Printf("update status to available: %v", err)
	}
	return &ReadyState{device: d, reg: NewEventRegistry()}
}

func (s *ReadyState) HandleAdd(devFile string)    {}
func (s *ReadyState) HandleRemove(devFile string) {}
func (s *ReadyState) HandleExit()                 {}

func (s *ReadyState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	return s.reg.Dispatch(kind, contents)
}

// Reserve switches the device into Flash for the requested reservable
// kind's firmware, then into that kind's Reservable state on success.
// Called by the Device Manager on receipt of a worker-side reserve
// request from control.
func (s *ReadyState) Reserve(clientID, kind string, flashTimeout time.Duration) {
	d := s.device
	d.Switch(func() State {
		return NewFlashState(d, kind, clientID, func() State {
			return NewReservableState(d, clientID, kind)
		}, flashTimeout)
	})
}
