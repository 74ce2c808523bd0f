package device

import "github.com/evolvablehardware/iCEFARM/internal/model"

// BrokenState is terminal for the current boot cycle. Only a hardware
// reset or explicit delete returns the device to the pool (spec.md §4.1).
type BrokenState struct {
	device *Device
	reg    *EventRegistry
}

// NewBrokenState enters Broken, publishing status=broken. clientID, if
// non-empty, names the client whose pending reserve request this break
// occurred under; that client is sent a failure event for this serial.
func NewBrokenState(d *Device, clientID string) *BrokenState {
	if err := d.Store().UpdateDeviceStatus(d.Serial(), model.StatusBroken); err != nil {
		d.Logger().Printf("update status to broken: %v", err)
	}
	d.Logger().Printf("device is broken")
	if clientID != "" {
		if err := d.Services().SendEvent(clientID, model.Envelope{
			Serial:   d.Serial(),
			Contents: map[string]any{"event": string(model.EventFailure), "reason": "device broken"},
		}); err != nil {
			d.Logger().Printf("notify %s of failure: %v", clientID, err)
		}
	}
	return &BrokenState{device: d, reg: NewEventRegistry()}
}

func (s *BrokenState) HandleAdd(devFile string)    {}
func (s *BrokenState) HandleRemove(devFile string) {}
func (s *BrokenState) HandleExit()                 {}

func (s *BrokenState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	return s.reg.Dispatch(kind, contents)
}
