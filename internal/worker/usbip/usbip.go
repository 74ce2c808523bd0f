// Package usbip is the four-function USB/IP export capability spec.md
// §4.3 requires: bind(busid), unbind(busid), list_exported() -> set<busid>,
// busid_of(device_info) -> busid. The Device Manager never shells out
// itself; this package is the adapter that does, grounded on the
// retrieved MatthiasValvekens/usbip-device-plugin reference's
// bind/detach flow and the teacher's exec.Command/CombinedOutput parsing
// idiom (controller.go's unloadKernelModule/reloadKernelModule) — see
// DESIGN.md.
package usbip

import (
	"bufio"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

// busidPattern matches USB/IP bus ids like "1-1" or "1-1.4", the sysfs
// path segment form usbip expects (no ":" interface suffix).
var busidPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)+$`)

// Binder is the capability interface the Device Manager consumes.
// Implementations must be safe for concurrent use.
type Binder interface {
	Bind(busid string) error
	Unbind(busid string) error
	ListExported() (map[string]bool, error)
	BusIDOf(devicePath string) (string, error)
}

// CLIBinder shells out to the `usbip` command-line tool.
type CLIBinder struct {
	// Bin overrides the usbip binary path; defaults to "usbip" on PATH.
	Bin string
}

func (b *CLIBinder) bin() string {
	if b.Bin != "" {
		return b.Bin
	}
	return "usbip"
}

// Bind exports busid so a remote usbip client can attach it. A device
// already bound under a different busid must be Unbind'd first — spec.md
// §5: "re-binding requires prior unbind".
func (b *CLIBinder) Bind(busid string) error {
	out, err := exec.Command(b.bin(), "bind", "-b", busid).CombinedOutput()
	if err != nil {
		return fmt.Errorf("usbip bind %s: %w (output: %s)", busid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Unbind stops exporting busid.
func (b *CLIBinder) Unbind(busid string) error {
	out, err := exec.Command(b.bin(), "unbind", "-b", busid).CombinedOutput()
	if err != nil {
		return fmt.Errorf("usbip unbind %s: %w (output: %s)", busid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ListExported returns the set of currently exported bus ids, parsed from
// `usbip list -l` (local exportable devices already bound).
func (b *CLIBinder) ListExported() (map[string]bool, error) {
	out, err := exec.Command(b.bin(), "list", "-l").Output()
	if err != nil {
		return nil, fmt.Errorf("usbip list -l: %w", err)
	}

	exported := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Lines of interest look like " - busid 1-1 (04d8:000a)"
		if !strings.HasPrefix(line, "- busid") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 3 {
			exported[fields[2]] = true
		}
	}
	return exported, scanner.Err()
}

// BusIDOf resolves the USB/IP bus id that owns devicePath by consulting
// sysfs, matching on the device node's parent bus path. Bus id resolution
// from device_info is an adapter concern per spec.md §4.3: the manager
// never parses this itself.
func (b *CLIBinder) BusIDOf(devicePath string) (string, error) {
	out, err := exec.Command("udevadm", "info", "-q", "path", "-n", devicePath).Output()
	if err != nil {
		return "", fmt.Errorf("udevadm info -q path -n %s: %w", devicePath, err)
	}
	sysPath := strings.TrimSpace(string(out))
	// sysPath looks like /devices/pci.../usb1/1-1/1-1:1.0/tty/ttyACM0;
	// the busid is the path segment matching N-M before any ':'.
	for _, seg := range strings.Split(sysPath, "/") {
		if busidPattern.MatchString(seg) {
			return seg, nil
		}
	}
	return "", fmt.Errorf("no busid segment found in sysfs path %q for %s", sysPath, devicePath)
}
