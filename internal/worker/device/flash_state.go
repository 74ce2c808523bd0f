package device

import (
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// requiredUF2Files is the exact file set spec.md §6/§9 requires on the
// bootloader mass-storage partition — tighter than some real boards allow,
// preserved per the open-question resolution in DESIGN.md.
var requiredUF2Files = map[string]bool{
	"INDEX.HTM":    true,
	"INFO_UF2.TXT": true,
}

// FlashState drives firmware installation via the UF2 bootloader partition.
// It tolerates the board exposing multiple device-files (tty + disk +
// partitions) in arbitrary interleaving, per spec.md §4.1: tty files get
// the bootloader-entry byte sequence, partition files are attempted as the
// flash target.
type FlashState struct {
	device   *Device
	firmware string
	clientID string
	next     func() State
	timer    *time.Timer
	reg      *EventRegistry
}

// NewFlashState enters Flash for device d, uploading the named firmware
// image and switching to next() once the bootloader partition accepts it.
// A zero timeout disables the expiry-to-Broken timer. clientID names the
// client whose reserve request is pending on this flash, or "" for the
// default-firmware flash that runs outside any reservation; it is only
// used to address a failure notification if the timer expires first.
func NewFlashState(d *Device, firmware, clientID string, next func() State, timeout time.Duration) *FlashState {
	s := &FlashState{device: d, firmware: firmware, clientID: clientID, next: next, reg: NewEventRegistry()}

	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, func() {
			d.Logger().Printf("flash timeout for firmware %q, switching to broken", firmware)
			d.Switch(func() State { return NewBrokenState(d, clientID) })
		})
	}

	for _, f := range d.Services().DeviceFiles(d.Serial()) {
		s.HandleAdd(f)
	}

	return s
}

// HandleAdd processes one device-file sighting: tty files receive the
// bootloader-entry byte sequence; anything else is attempted as the UF2
// mass-storage endpoint.
func (s *FlashState) HandleAdd(devFile string) {
	if isTTYDeviceFile(devFile) {
		if err := s.device.Services().EnterBootloader(devFile); err != nil {
			s.device.Logger().Printf("enter bootloader on %s: %v", devFile, err)
		}
		return
	}
	s.tryFlash(devFile)
}

// HandleRemove is a no-op: Flash only acts on arriving device-files.
func (s *FlashState) HandleRemove(devFile string) {}

func (s *FlashState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	return s.reg.Dispatch(kind, contents)
}

// HandleExit cancels the flash-timeout timer.
func (s *FlashState) HandleExit() {
	if s.timer != nil {
		s.timer.Stop()
	}
}

// tryFlash mounts devFile, checks its file set, and copies firmware onto
// it. An unmount failure is logged but not fatal; a wrong file set aborts
// without switching, leaving the device in Flash awaiting a later, correct
// attempt or the timeout (spec.md §4.1).
func (s *FlashState) tryFlash(devFile string) {
	mountPoint, err := s.device.Services().Mount(devFile)
	if err != nil {
		s.device.Logger().Printf("mount %s: %v", devFile, err)
		return
	}

	files, err := s.device.Services().ListDir(mountPoint)
	if err != nil {
		s.device.Logger().Printf("list %s: %v", mountPoint, err)
		_ = s.device.Services().Unmount(mountPoint)
		return
	}
	if !sameFileSet(files, requiredUF2Files) {
		s.device.Logger().Printf("unexpected bootloader file set on %s: %v", devFile, files)
		_ = s.device.Services().Unmount(mountPoint)
		return
	}

	image, err := s.device.Services().FirmwareImage(s.firmware)
	if err != nil {
		s.device.Logger().Printf("load firmware %q: %v", s.firmware, err)
		_ = s.device.Services().Unmount(mountPoint)
		return
	}

	if err := s.device.Services().CopyFirmware(mountPoint, image); err != nil {
		s.device.Logger().Printf("copy firmware to %s: %v", mountPoint, err)
		_ = s.device.Services().Unmount(mountPoint)
		return
	}

	if err := s.device.Services().Unmount(mountPoint); err != nil {
		s.device.Logger().Printf("unmount %s after flash: %v", mountPoint, err)
	}

	s.device.Switch(s.next)
}

func sameFileSet(files []string, want map[string]bool) bool {
	if len(files) != len(want) {
		return false
	}
	for _, f := range files {
		if !want[f] {
			return false
		}
	}
	return true
}
