package tests

import (
	"context"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// TestFlashFailureNotifiesClient reserves a device whose bootloader
// partition never materializes: the flash timeout should fire, the device
// should end up Broken, and the reserving client should receive a failure
// notification over the owning worker's own event bus (not control's).
func TestFlashFailureNotifiesClient(t *testing.T) {
	f := newFleet(engine.Config{
		Lease:            10 * time.Second,
		ReservationWarn:  5 * time.Second,
		WorkerStaleAfter: 5 * time.Second,
		ScanInterval:     20 * time.Millisecond,
	})
	defer f.close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Control.Engine.Run(ctx)

	f.addWorkerWithBrokenDevice("worker-1", "pulsecount", "serial-1", 40*time.Millisecond)

	clientID := "client-flash-failure"
	cc, bus, reg := newClient(t, f, clientID)

	failures := newEnvCollector()
	reg.Register(model.EventFailure, nil, failures.handle)

	workerAddr, ok := f.workerAddrOf("serial-1")
	if !ok {
		t.Fatalf("worker address for serial-1 not found")
	}
	if _, err := bus.Connect(workerAddr); err != nil {
		t.Fatalf("pre-connect to worker bus: %v", err)
	}

	if _, err := cc.Reserve(clientID, "pulsecount", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !waitFor(time.Second, func() bool { return failures.count() >= 1 }) {
		t.Fatalf("expected at least one failure event, got %d", failures.count())
	}

	env := failures.snapshot()[0]
	if env.Serial != "serial-1" {
		t.Fatalf("expected failure for serial-1, got %s", env.Serial)
	}
	if reason, _ := env.Contents["reason"].(string); reason != "device broken" {
		t.Fatalf("expected reason %q, got %q", "device broken", reason)
	}

	if !waitFor(time.Second, func() bool {
		f.Control.Store.mu.Lock()
		defer f.Control.Store.mu.Unlock()
		return f.Control.Store.devices["serial-1"].Status == model.StatusBroken
	}) {
		t.Fatalf("expected serial-1 to end up broken")
	}
}
