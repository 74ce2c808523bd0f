package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/client/scheduler"
	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/serialport"
)

// TestBatchPackingAcrossInFlightCap reserves two devices on one worker and
// schedules more evaluations than a single batch's per-serial cap allows,
// forcing the Bundle to pack several rounds: every evaluation must reach
// exactly one result on each of its target serials, none dropped or
// duplicated, across however many batches that takes.
func TestBatchPackingAcrossInFlightCap(t *testing.T) {
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

	const numEvals = 5
	w := f.addWorker("worker-1", "pulsecount", "serial-a", "serial-b")

	var lines []string
	for i := 0; i < numEvals; i++ {
		lines = append(lines, serialport.ReadinessLine, serialport.SuccessPrefix+"7")
	}
	w.svc.pulseCountPort("serial-a", lines...)
	w.svc.pulseCountPort("serial-b", lines...)

	clientID := "client-batch-packing"
	cc, bus, reg := newClient(t, f, clientID)

	for _, serial := range []string{"serial-a", "serial-b"} {
		addr, ok := f.workerAddrOf(serial)
		if !ok {
			t.Fatalf("worker address for %s not found", serial)
		}
		if _, err := bus.Connect(addr); err != nil {
			t.Fatalf("pre-connect to worker bus for %s: %v", serial, err)
		}
	}

	reservations, err := cc.Reserve(clientID, "pulsecount", 2)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if len(reservations) != 2 {
		t.Fatalf("expected two reservations, got %d", len(reservations))
	}

	// batchSize of 2 forces the bundle to pack these five evaluations
	// (shared across both serials) into several rounds instead of one.
	bundle := scheduler.NewBundle(2)
	evalIDs := map[string]bool{}
	for i := 0; i < numEvals; i++ {
		id := fmt.Sprintf("eval-%d", i)
		evalIDs[id] = true
		bundle.Add(model.Evaluation{ID: id, Serials: []string{"serial-a", "serial-b"}, Payload: []byte("bits")})
	}
	bundle.Close()

	sched := scheduler.New(bundle, scheduler.NewBalanced(), bus, f.workerAddrOf)
	reg.Register(model.EventResults, []string{"batch_id", "results"}, sched.HandleResults)

	schedCtx, schedCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer schedCancel()
	go sched.Run(schedCtx)

	var results []scheduler.ResultTriple
	for r := range sched.Results() {
		results = append(results, r)
	}

	if len(results) != numEvals*2 {
		t.Fatalf("expected %d results (one per evaluation per serial), got %d", numEvals*2, len(results))
	}

	seen := map[string]bool{}
	for _, r := range results {
		if r.Result.Failed {
			t.Fatalf("unexpected failed result: %+v", r)
		}
		if !evalIDs[r.Evaluation.ID] {
			t.Fatalf("result for unknown evaluation id %s", r.Evaluation.ID)
		}
		key := r.Serial + "|" + r.Evaluation.ID
		if seen[key] {
			t.Fatalf("duplicate result for %s", key)
		}
		seen[key] = true
	}
	if len(seen) != numEvals*2 {
		t.Fatalf("expected %d distinct (serial, evaluation) pairs, got %d", numEvals*2, len(seen))
	}
}
