package manager

import (
	"testing"

	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
)

// recordingState is a minimal device.State stub that records every
// HandleEvent call it receives, used to verify routing without driving a
// real serial port.
type recordingState struct {
	events []map[string]any
}

func (s *recordingState) HandleAdd(string)    {}
func (s *recordingState) HandleRemove(string) {}
func (s *recordingState) HandleExit()         {}
func (s *recordingState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	s.events = append(s.events, contents)
	return true
}

var _ device.State = (*recordingState)(nil)

func TestHandleEvaluateFansOutToEachNamedSerial(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.RegisterBusHandlers(&eventbus.Registry{})

	m.HandleDeviceEvent(DeviceEvent{Action: "add", Serial: "abc123"})
	m.HandleDeviceEvent(DeviceEvent{Action: "add", Serial: "def456"})

	s1 := &recordingState{}
	s2 := &recordingState{}
	m.deviceByID("abc123").Switch(func() device.State { return s1 })
	m.deviceByID("def456").Switch(func() device.State { return s2 })

	err := m.handleEvaluate(model.Envelope{
		Contents: map[string]any{
			"event":    string(model.EventEvaluate),
			"batch_id": "batch-1",
			"serials":  []any{"abc123", "def456", "unknown-serial"},
			"files":    map[string]any{"eval-1": "ZGF0YQ=="},
		},
	})
	if err != nil {
		t.Fatalf("handleEvaluate: %v", err)
	}

	if len(s1.events) != 1 || s1.events[0]["batch_id"] != "batch-1" {
		t.Fatalf("expected abc123 to receive one evaluate event, got %+v", s1.events)
	}
	if len(s2.events) != 1 {
		t.Fatalf("expected def456 to receive one evaluate event, got %+v", s2.events)
	}
}

func TestRegisterBusHandlersDispatchesThroughRegistry(t *testing.T) {
	m, _, _ := newTestManager(t)
	reg := &eventbus.Registry{}
	m.RegisterBusHandlers(reg)

	m.HandleDeviceEvent(DeviceEvent{Action: "add", Serial: "abc123"})
	s1 := &recordingState{}
	m.deviceByID("abc123").Switch(func() device.State { return s1 })

	reg.Dispatch(model.Envelope{
		Contents: map[string]any{
			"event":    string(model.EventEvaluate),
			"batch_id": "batch-1",
			"serials":  []any{"abc123"},
			"files":    map[string]any{},
		},
	})

	if len(s1.events) != 1 {
		t.Fatalf("expected registry dispatch to reach the device, got %+v", s1.events)
	}
}
