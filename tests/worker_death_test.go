package tests

import (
	"context"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// TestWorkerDeathMidBatchFailsReservedDevice simulates a worker going
// silent while it still owns a reserved device: the engine's stale-worker
// scan should notify the reserving client of a failure and drop the
// worker row, without anything crashing on either side.
func TestWorkerDeathMidBatchFailsReservedDevice(t *testing.T) {
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

	f.addWorker("worker-1", "pulsecount", "serial-1")

	clientID := "client-worker-death"
	cc, _, reg := newClient(t, f, clientID)

	failures := newEnvCollector()
	reg.Register(model.EventFailure, nil, failures.handle)

	if _, err := cc.Reserve(clientID, "pulsecount", 1); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if !waitFor(time.Second, func() bool {
		f.Control.Store.mu.Lock()
		defer f.Control.Store.mu.Unlock()
		return f.Control.Store.devices["serial-1"].Status == model.StatusReserved
	}) {
		t.Fatalf("serial-1 never reached reserved")
	}

	f.Control.Store.killWorker("worker-1")

	if !waitFor(time.Second, func() bool { return failures.count() >= 1 }) {
		t.Fatalf("expected at least one failure event, got %d", failures.count())
	}

	envs := failures.snapshot()
	if envs[0].Serial != "serial-1" {
		t.Fatalf("expected failure for serial-1, got %s", envs[0].Serial)
	}
	if reason, _ := envs[0].Contents["reason"].(string); reason != "worker timeout" {
		t.Fatalf("expected reason %q, got %q", "worker timeout", reason)
	}

	if !waitFor(time.Second, func() bool {
		f.Control.Store.mu.Lock()
		defer f.Control.Store.mu.Unlock()
		_, ok := f.Control.Store.workers["worker-1"]
		return !ok
	}) {
		t.Fatalf("expected worker-1 to be removed from the worker table")
	}
}
