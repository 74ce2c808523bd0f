package device

// reservableFactories maps a reservable kind name to its constructor.
// Registered here so new kinds can be added without touching ReadyState
// or the Flash success path (spec.md §4.1: "Reservable(kind)").
var reservableFactories = map[string]func(d *Device, clientID string) State{
	"pulsecount": func(d *Device, clientID string) State { return NewPulseCountState(d, clientID) },
}

// NewReservableState looks up kind's constructor and builds its state. An
// unrecognised kind switches the device straight to Broken: a worker
// should never be asked to host a kind it didn't advertise.
func NewReservableState(d *Device, clientID, kind string) State {
	factory, ok := reservableFactories[kind]
	if !ok {
		d.Logger().Printf("unknown reservable kind %q", kind)
		return NewBrokenState(d, clientID)
	}
	return factory(d, clientID)
}
