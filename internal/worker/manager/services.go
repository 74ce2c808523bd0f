package manager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
	"github.com/evolvablehardware/iCEFARM/internal/worker/serialport"
)

// bootloaderTouch is the byte sequence written to a tty device-file to
// request the board reboot into its UF2 bootloader: a single zero byte,
// written with the port at serialport's fixed 115200 baud (the port is
// not reopened at 1200 baud for this).
var bootloaderTouch = []byte{0x00}

// DeviceFiles implements device.Services.
func (m *Manager) DeviceFiles(serial string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deviceFiles[serial]...)
}

// Mount implements device.Services by shelling out to mount(8), matching
// the manager's exec.Command adapter idiom elsewhere in this package.
func (m *Manager) Mount(devFile string) (string, error) {
	mountPoint := filepath.Join(m.cfg.MountBase, filepath.Base(devFile))
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", mountPoint, err)
	}
	if out, err := exec.Command("mount", devFile, mountPoint).CombinedOutput(); err != nil {
		return "", fmt.Errorf("mount %s at %s: %w (output: %s)", devFile, mountPoint, err, out)
	}
	return mountPoint, nil
}

// Unmount implements device.Services.
func (m *Manager) Unmount(mountPoint string) error {
	if out, err := exec.Command("umount", mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("umount %s: %w (output: %s)", mountPoint, err, out)
	}
	return nil
}

// ListDir implements device.Services, used by Flash to verify the UF2
// bootloader partition's exact file set.
func (m *Manager) ListDir(mountPoint string) ([]string, error) {
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", mountPoint, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// CopyFirmware implements device.Services by writing image onto the
// mounted UF2 partition's root, the documented flash mechanism (spec.md
// §6: "firmware is delivered by copying the .uf2 image into that
// partition's root").
func (m *Manager) CopyFirmware(mountPoint string, image []byte) error {
	dest := filepath.Join(mountPoint, "firmware.uf2")
	if err := os.WriteFile(dest, image, 0o644); err != nil {
		return fmt.Errorf("write firmware to %s: %w", dest, err)
	}
	return nil
}

// FirmwareImage implements device.Services, loading a named firmware
// image (e.g. "default", "pulsecount") from the worker's local firmware
// directory.
func (m *Manager) FirmwareImage(name string) ([]byte, error) {
	path := filepath.Join(m.cfg.FirmwareDir, name+".uf2")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read firmware image %s: %w", path, err)
	}
	return data, nil
}

// EnterBootloader implements device.Services: it opens devFile and writes
// the bootloader-entry byte sequence, then closes immediately — the board
// disconnects and re-enumerates as a mass-storage device.
func (m *Manager) EnterBootloader(devFile string) error {
	port, err := serialport.Open(devFile)
	if err != nil {
		return fmt.Errorf("open %s to enter bootloader: %w", devFile, err)
	}
	defer port.Close()
	if err := port.WriteBitstream(bootloaderTouch); err != nil {
		return fmt.Errorf("write bootloader-entry sequence to %s: %w", devFile, err)
	}
	return nil
}

// OpenSerial implements device.Services.
func (m *Manager) OpenSerial(devFile string) (device.SerialPort, error) {
	return serialport.Open(devFile)
}

// Bind implements device.Services: exports busid over USB/IP. It records
// no serial↔busid association; ExportDevice does that.
func (m *Manager) Bind(busid string) error {
	if err := m.binder.Bind(busid); err != nil {
		return err
	}
	return nil
}

// Unbind implements device.Services.
func (m *Manager) Unbind(busid string) error {
	return m.binder.Unbind(busid)
}

// SendEvent implements device.Services, addressing env to clientID's
// socket on this worker's event bus.
func (m *Manager) SendEvent(clientID string, env model.Envelope) error {
	if !m.hub.Send(clientID, env) {
		return fmt.Errorf("client %s has no connected socket on this worker", clientID)
	}
	return nil
}

// ExportDevice binds serial's busid over USB/IP and records the
// association, called once a client's worker-bus connection needs the
// device's USB endpoint tunnelled.
func (m *Manager) ExportDevice(serial, busid string) error {
	if err := m.Bind(busid); err != nil {
		return fmt.Errorf("export %s on busid %s: %w", serial, busid, err)
	}

	m.mu.Lock()
	m.exported[busid] = serial
	m.serialBus[serial] = busid
	m.mu.Unlock()

	return nil
}
