package tests

import (
	"fmt"
	"sync"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
)

// fakePort is an in-memory device.SerialPort: ReadLine drains a preloaded
// line queue, WriteBitstream just records byte counts. Mirrors
// internal/worker/device's own test fixture of the same shape.
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

// fakeDeviceServices is an in-memory device.Services double shared by every
// device on one workerDouble: the bootloader mass-storage handshake is
// keyed by mount point, serial interfaces by device-file, so several
// serials can flash and evaluate independently through the one instance.
type fakeDeviceServices struct {
	mu sync.Mutex

	deviceFiles map[string][]string             // serial -> device-files present at construction
	mountFiles  map[string][]string             // mount point -> bootloader partition file list
	firmware    map[string][]byte               // firmware name -> image bytes
	openSerial  map[string]func() (device.SerialPort, error) // dev-file -> port factory

	sentMu sync.Mutex
	sent   []model.Envelope

	// hub is the worker's real event-bus hub, wired in by newWorkerDouble so
	// SendEvent actually reaches a client connected over loopback TCP, not
	// just the in-memory sent log below (which still records everything,
	// for scenarios with no connected client socket to assert against).
	hub *eventbus.Hub

	flashTimeout time.Duration
}

func newFakeDeviceServices() *fakeDeviceServices {
	return &fakeDeviceServices{
		deviceFiles: make(map[string][]string),
		mountFiles:  make(map[string][]string),
		firmware:    make(map[string][]byte),
		openSerial:  make(map[string]func() (device.SerialPort, error)),
	}
}

// primeFlashable registers serial as immediately flashable under kind's
// firmware: its bootloader partition and serial device-files are both
// already present, so Flash completes inline from within NewFlashState's
// constructor rather than waiting for a later HandleDeviceEvent replay.
func (s *fakeDeviceServices) primeFlashable(serial, kind string, readyLines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	disk := "/dev/disk-" + serial
	tty := "/dev/ttyACM-" + serial
	mountPoint := disk + "-mount"

	s.deviceFiles[serial] = []string{disk, tty}
	s.mountFiles[mountPoint] = []string{"INDEX.HTM", "INFO_UF2.TXT"}
	if _, ok := s.firmware[kind]; !ok {
		s.firmware[kind] = []byte(kind + "-image")
	}
	if _, ok := s.firmware["default"]; !ok {
		s.firmware["default"] = []byte("default-image")
	}
	lines := readyLines
	if len(lines) == 0 {
		lines = []string{"booted"}
	}
	s.openSerial[tty] = func() (device.SerialPort, error) {
		return &fakePort{lines: append([]string(nil), lines...)}, nil
	}
}

// breakFlash registers serial with no bootloader partition at all, so its
// Flash never completes and the flash-timeout path is the only way out.
func (s *fakeDeviceServices) breakFlash(serial string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceFiles[serial] = nil
}

// pulseCountPort overwrites serial's tty port with one loaded with a fixed
// readiness/outcome line script, for an evaluate-round-trip scenario run
// after the device has already reached Reservable.
func (s *fakeDeviceServices) pulseCountPort(serial string, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tty := "/dev/ttyACM-" + serial
	s.openSerial[tty] = func() (device.SerialPort, error) {
		return &fakePort{lines: append([]string(nil), lines...)}, nil
	}
}

// hasFixture reports whether serial has a primed bootloader/serial fixture
// (primeFlashable was called for it, as opposed to breakFlash).
func (s *fakeDeviceServices) hasFixture(serial string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deviceFiles[serial]) > 0
}

func (s *fakeDeviceServices) DeviceFiles(serial string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deviceFiles[serial]...)
}

func (s *fakeDeviceServices) Mount(devFile string) (string, error) {
	return devFile + "-mount", nil
}

func (s *fakeDeviceServices) Unmount(mountPoint string) error { return nil }

func (s *fakeDeviceServices) ListDir(mountPoint string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mountFiles[mountPoint], nil
}

func (s *fakeDeviceServices) CopyFirmware(mountPoint string, image []byte) error { return nil }

func (s *fakeDeviceServices) FirmwareImage(name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmware[name], nil
}

func (s *fakeDeviceServices) EnterBootloader(devFile string) error { return nil }

func (s *fakeDeviceServices) OpenSerial(devFile string) (device.SerialPort, error) {
	s.mu.Lock()
	fn, ok := s.openSerial[devFile]
	s.mu.Unlock()
	if ok {
		return fn()
	}
	return &fakePort{}, nil
}

func (s *fakeDeviceServices) Bind(busid string) error   { return nil }
func (s *fakeDeviceServices) Unbind(busid string) error { return nil }

func (s *fakeDeviceServices) SendEvent(clientID string, env model.Envelope) error {
	s.sentMu.Lock()
	s.sent = append(s.sent, env)
	s.sentMu.Unlock()

	if s.hub != nil {
		s.hub.Send(clientID, env)
	}
	return nil
}

func (s *fakeDeviceServices) eventsOfKind(kind model.EventKind) []model.Envelope {
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

var _ device.Services = (*fakeDeviceServices)(nil)
