// Package manager implements the worker-side Device Manager: it routes
// normalised hot-plug events to per-serial device state machines, exports
// boards over USB/IP, detects USB/IP client-side disconnects, and serves
// as the device.Services every Device depends on (spec.md §4.3). Grounded
// on the original implementation's DeviceManager.py (devs map guarded by
// a lock, scan-then-subscribe startup, onExit unbind-all) generalized into
// Go's idiomatic mutex-guarded map + explicit Services interface.
package manager

import "github.com/evolvablehardware/iCEFARM/internal/worker/device"

// Store is the worker database adapter surface the manager needs: device
// row lifecycle plus the per-device status column a Device itself
// publishes through device.Store. USB/IP export bookkeeping
// (exported/serialBus) is a worker-process-local runtime concern, never
// persisted — it exists only to detect kernel disconnects, per spec.md
// §4.3, so it is not part of this interface.
type Store interface {
	device.Store
	AddDevice(serial string) error
}
