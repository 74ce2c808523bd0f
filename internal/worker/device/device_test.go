package device

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// fakeStore records status transitions for assertions.
type fakeStore struct {
	mu       sync.Mutex
	statuses []model.Status
}

func (f *fakeStore) UpdateDeviceStatus(serial string, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeStore) last() model.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1]
}

// fakePort is an in-memory SerialPort: ReadLine drains a preloaded line
// queue, WriteBitstream just records byte counts.
type fakePort struct {
	mu     sync.Mutex
	lines  []string
	writes [][]byte
	closed bool
}

func (p *fakePort) WriteBitstream(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes = append(p.writes, append([]byte(nil), data...))
	return nil
}

func (p *fakePort) ReadLine() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.lines) == 0 {
		return "", fmt.Errorf("no more lines")
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fakeServices is an in-memory Services double for a single device under
// test; every operation that would touch hardware is a bookkeeping no-op
// or driven by preloaded fixtures.
type fakeServices struct {
	mu sync.Mutex

	deviceFiles  []string
	mountFiles   map[string][]string // mountPoint -> file list
	firmware     map[string][]byte
	openSerialFn func(devFile string) (SerialPort, error)

	sentMu sync.Mutex
	sent   []model.Envelope
}

func (s *fakeServices) DeviceFiles(serial string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deviceFiles...)
}

func (s *fakeServices) Mount(devFile string) (string, error) {
	return devFile + "-mount", nil
}

func (s *fakeServices) Unmount(mountPoint string) error { return nil }

func (s *fakeServices) ListDir(mountPoint string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mountFiles[mountPoint], nil
}

func (s *fakeServices) CopyFirmware(mountPoint string, image []byte) error { return nil }

func (s *fakeServices) FirmwareImage(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware[name], nil
}

func (s *fakeServices) EnterBootloader(devFile string) error { return nil }

func (s *fakeServices) OpenSerial(devFile string) (SerialPort, error) {
	if s.openSerialFn != nil {
		return s.openSerialFn(devFile)
	}
	return &fakePort{}, nil
}

func (s *fakeServices) Bind(busid string) error   { return nil }
func (s *fakeServices) Unbind(busid string) error { return nil }

func (s *fakeServices) SendEvent(clientID string, env model.Envelope) error {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	s.sent = append(s.sent, env)
	return nil
}

func (s *fakeServices) eventsOfKind(kind model.EventKind) []model.Envelope {
	s.sentMu.Lock()
	defer s.sentMu.Unlock()
	var out []model.Envelope
	for _, e := range s.sent {
		if e.Kind() == kind {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestFlashToReadyHappyPath(t *testing.T) {
	store := &fakeStore{}
	svc := &fakeServices{
		mountFiles: map[string][]string{
			"/dev/sda1-mount": {"INDEX.HTM", "INFO_UF2.TXT"},
		},
		firmware:     map[string][]byte{"default": []byte("uf2-image")},
		openSerialFn: func(devFile string) (SerialPort, error) { return &fakePort{lines: []string{"booted"}}, nil },
	}
	d := NewDevice("serial-1", store, svc)

	d.Switch(func() State {
		return NewFlashState(d, "default", "", func() State { return NewTestState(d) }, 0)
	})

	d.HandleDeviceEvent("add", "/dev/sda1")
	if _, ok := d.CurrentState().(*TestState); !ok {
		t.Fatalf("expected TestState after successful flash, got %T", d.CurrentState())
	}

	d.HandleDeviceEvent("add", "/dev/ttyACM0")
	if _, ok := d.CurrentState().(*ReadyState); !ok {
		t.Fatalf("expected ReadyState after default-firmware check, got %T", d.CurrentState())
	}
	if store.last() != model.StatusAvailable {
		t.Fatalf("expected final status available, got %s", store.last())
	}
}

func TestFlashWrongFileSetAborts(t *testing.T) {
	store := &fakeStore{}
	svc := &fakeServices{
		mountFiles: map[string][]string{
			"/dev/sda1-mount": {"SOMETHING_ELSE.TXT"},
		},
	}
	d := NewDevice("serial-2", store, svc)
	d.Switch(func() State {
		return NewFlashState(d, "default", "", func() State { return NewTestState(d) }, 0)
	})

	d.HandleDeviceEvent("add", "/dev/sda1")

	if _, ok := d.CurrentState().(*FlashState); !ok {
		t.Fatalf("expected to remain in FlashState on bad file set, got %T", d.CurrentState())
	}
}

func TestFlashTimeoutGoesBroken(t *testing.T) {
	store := &fakeStore{}
	svc := &fakeServices{}
	d := NewDevice("serial-3", store, svc)

	d.Switch(func() State {
		return NewFlashState(d, "default", "", func() State { return NewTestState(d) }, 10*time.Millisecond)
	})

	waitFor(t, time.Second, func() bool {
		_, ok := d.CurrentState().(*BrokenState)
		return ok
	})
	if store.last() != model.StatusBroken {
		t.Fatalf("expected final status broken, got %s", store.last())
	}
}

// TestFlashTimeoutNotifiesPendingClientOfFailure covers a reserve-time
// flash (as opposed to the clientless default-firmware flash above):
// ReadyState.Reserve threads the requesting client's id through so a
// timer expiry can tell them their reservation broke, rather than leaving
// them waiting on a device that silently went Broken.
func TestFlashTimeoutNotifiesPendingClientOfFailure(t *testing.T) {
	store := &fakeStore{}
	svc := &fakeServices{}
	d := NewDevice("serial-8", store, svc)
	d.Switch(func() State { return NewReadyState(d) })

	ready := d.CurrentState().(*ReadyState)
	ready.Reserve("client-9", "pulsecount", 10*time.Millisecond)

	waitFor(t, time.Second, func() bool {
		_, ok := d.CurrentState().(*BrokenState)
		return ok
	})

	failures := svc.eventsOfKind(model.EventFailure)
	if len(failures) != 1 || failures[0].Serial != "serial-8" {
		t.Fatalf("expected one failure event for serial-8, got %+v", failures)
	}
}

// TestFlashReentrantSwitchDuringConstructionKeepsNewState covers the path
// internal/worker/manager takes for a device already sitting on a valid
// bootloader partition at first sighting: NewFlashState's constructor
// replays the known device-files via HandleAdd before it ever returns,
// which can itself call d.Switch synchronously from inside the outer
// Switch's factory(). The outer call must not clobber the state the
// nested call already installed.
func TestFlashReentrantSwitchDuringConstructionKeepsNewState(t *testing.T) {
	store := &fakeStore{}
	svc := &fakeServices{
		deviceFiles: []string{"/dev/sda1"},
		mountFiles: map[string][]string{
			"/dev/sda1-mount": {"INDEX.HTM", "INFO_UF2.TXT"},
		},
		firmware: map[string][]byte{"default": []byte("uf2-image")},
	}
	d := NewDevice("serial-7", store, svc)

	d.Switch(func() State {
		return NewFlashState(d, "default", "", func() State { return NewTestState(d) }, 0)
	})

	if _, ok := d.CurrentState().(*TestState); !ok {
		t.Fatalf("expected TestState installed by the reentrant Switch to survive, got %T", d.CurrentState())
	}
}

func TestPulseCountEvaluateRoundTrip(t *testing.T) {
	port := &fakePort{lines: []string{"Waiting for bitstream transfer", "pulses: 42"}}
	store := &fakeStore{}
	svc := &fakeServices{
		deviceFiles:  []string{"/dev/ttyACM0"},
		openSerialFn: func(devFile string) (SerialPort, error) { return port, nil },
	}
	d := NewDevice("serial-4", store, svc)
	d.Switch(func() State { return NewReservableState(d, "client-1", "pulsecount") })

	initEvents := svc.eventsOfKind(model.EventInitialized)
	if len(initEvents) != 1 {
		t.Fatalf("expected exactly one initialized event, got %d", len(initEvents))
	}

	d.HandleEvent(model.EventEvaluate, map[string]any{
		"batch_id": "batch-1",
		"files":    map[string]any{"eval-1": "aGVsbG8="},
	})

	waitFor(t, time.Second, func() bool {
		return len(svc.eventsOfKind(model.EventResults)) == 1
	})

	results := svc.eventsOfKind(model.EventResults)[0]
	if results.Contents["batch_id"] != "batch-1" {
		t.Fatalf("expected batch_id batch-1, got %v", results.Contents["batch_id"])
	}
}

func TestPulseCountWatchdogTimeoutRequeuesRatherThanFails(t *testing.T) {
	port := &fakePort{lines: []string{
		"Waiting for bitstream transfer", "Watchdog timeout",
		"Waiting for bitstream transfer", "pulses: 7",
	}}
	store := &fakeStore{}
	svc := &fakeServices{
		deviceFiles:  []string{"/dev/ttyACM0"},
		openSerialFn: func(devFile string) (SerialPort, error) { return port, nil },
	}
	d := NewDevice("serial-5", store, svc)
	d.Switch(func() State { return NewReservableState(d, "client-1", "pulsecount") })

	d.HandleEvent(model.EventEvaluate, map[string]any{
		"batch_id": "batch-2",
		"files":    map[string]any{"eval-1": "aGVsbG8="},
	})

	waitFor(t, time.Second, func() bool {
		return len(svc.eventsOfKind(model.EventResults)) == 1
	})

	results := svc.eventsOfKind(model.EventResults)
	if len(results) != 1 {
		t.Fatalf("expected exactly one results event (the requeued retry succeeding), got %d", len(results))
	}
	rs, _ := results[0].Contents["results"].([]map[string]any)
	if len(rs) != 1 || rs[0]["failed"] != false || rs[0]["pulses"] != 7 {
		t.Fatalf("expected a single successful result from the retried evaluation, got %v", rs)
	}
}

func TestPulseCountExitClosesPort(t *testing.T) {
	port := &fakePort{}
	store := &fakeStore{}
	svc := &fakeServices{
		deviceFiles:  []string{"/dev/ttyACM0"},
		openSerialFn: func(devFile string) (SerialPort, error) { return port, nil },
	}
	d := NewDevice("serial-6", store, svc)
	d.Switch(func() State { return NewReservableState(d, "client-1", "pulsecount") })

	// Force the port open without running a job.
	ps := d.CurrentState().(*PulseCountState)
	if err := ps.ensurePort(); err != nil {
		t.Fatalf("ensurePort: %v", err)
	}

	d.Switch(func() State {
		return NewFlashState(d, "default", "", func() State { return NewTestState(d) }, 0)
	})

	if !port.closed {
		t.Fatalf("expected port to be closed on unreserve")
	}
}
