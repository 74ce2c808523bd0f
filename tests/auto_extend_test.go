package tests

import (
	"context"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/client"
	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// TestAutoExtendPreventsExpiry reserves a device under a short lease and
// proves an AutoExtender, wired to the client's control-bus registry,
// keeps renewing it across several ending-soon warnings without the
// reservation ever actually expiring.
func TestAutoExtendPreventsExpiry(t *testing.T) {
	f := newFleet(engine.Config{
		Lease:            300 * time.Millisecond,
		ReservationWarn:  250 * time.Millisecond,
		WorkerStaleAfter: 5 * time.Second,
		ScanInterval:     20 * time.Millisecond,
	})
	defer f.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Control.Engine.Run(ctx)

	f.addWorker("worker-1", "pulsecount", "serial-1")

	clientID := "client-auto-extend"
	cc, _, reg := newClient(t, f, clientID)

	endingSoon := newEnvCollector()
	ended := newEnvCollector()
	reg.Register(model.EventReservationEndSoon, nil, endingSoon.handle)
	reg.Register(model.EventReservationEnd, nil, ended.handle)

	extender := client.NewAutoExtender(clientID, cc)
	extender.Register(reg)

	if _, err := cc.Reserve(clientID, "pulsecount", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !waitFor(1200*time.Millisecond, func() bool { return endingSoon.count() >= 2 }) {
		t.Fatalf("expected at least two ending-soon warnings, got %d", endingSoon.count())
	}

	if ended.count() != 0 {
		t.Fatalf("expected no reservation-end events while auto-extend is active, got %d", ended.count())
	}

	f.Control.Store.mu.Lock()
	status := f.Control.Store.devices["serial-1"].Status
	f.Control.Store.mu.Unlock()
	if status != model.StatusReserved {
		t.Fatalf("expected serial-1 to remain reserved, got %s", status)
	}
}
