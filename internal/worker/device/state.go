// Package device implements the per-board state machine driving hot-plug
// handling, USB/IP export, firmware flashing, and reservable behaviours
// (spec.md §4.1). Grounded on the original implementation's
// worker/device/{Device,state/*}.py: a Device owns a single current State,
// transitions are serialised by a switch-latch, and states register
// event handlers with a declared list of required content fields rather
// than hand-parsing events themselves.
package device

import (
	"strings"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// State is one state in a Device's lifecycle. HandleAdd/HandleRemove
// receive raw device-file paths from hot-plug events; HandleEvent
// receives client/control requests dispatched over the event bus;
// HandleExit runs once, synchronously, before the successor state's
// constructor is invoked.
type State interface {
	HandleAdd(devFile string)
	HandleRemove(devFile string)
	HandleEvent(kind model.EventKind, contents map[string]any) bool
	HandleExit()
}

// isTTYDeviceFile distinguishes a serial interface device-file from the
// bootloader's mass-storage block/partition device-files.
func isTTYDeviceFile(devFile string) bool {
	return strings.Contains(devFile, "/tty")
}
