package engine

import "errors"

var (
	// ErrInsufficientDevices is returned when a reserve request cannot be
	// satisfied because no device of the requested kind is available.
	ErrInsufficientDevices = errors.New("insufficient available devices")

	// ErrUnknownWorker denotes a device whose owning worker cannot be
	// resolved (e.g. its row was deleted out from under a stale reference).
	// No Engine method returns it; the control API's writeEngineError maps
	// it to 404.
	ErrUnknownWorker = errors.New("unknown owning worker for device")

	// ErrNotReserved denotes a clientID that holds no active reservation on
	// the given serial. No Engine method returns it; writeEngineError maps
	// it to 404.
	ErrNotReserved = errors.New("client holds no reservation on this device")
)
