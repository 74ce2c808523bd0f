package tests

import (
	"sync"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// TestConcurrentReserveRace has two clients race to reserve the same
// single-device pool: exactly one must win the device, the other must see
// a non-nil error rather than a second, conflicting reservation.
func TestConcurrentReserveRace(t *testing.T) {
	f := newFleet(engine.Config{
		Lease:            10 * time.Second,
		ReservationWarn:  5 * time.Second,
		WorkerStaleAfter: 5 * time.Second,
		ScanInterval:     50 * time.Millisecond,
	})
	defer f.close()

	f.addWorker("worker-1", "pulsecount", "serial-1")

	ccA, _, _ := newClient(t, f, "client-a")
	ccB, _, _ := newClient(t, f, "client-b")

	var wg sync.WaitGroup
	results := make([]struct {
		reservations []model.Reservation
		err          error
	}, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := ccA.Reserve("client-a", "pulsecount", 1)
		results[0].reservations, results[0].err = r, err
	}()
	go func() {
		defer wg.Done()
		r, err := ccB.Reserve("client-b", "pulsecount", 1)
		results[1].reservations, results[1].err = r, err
	}()
	wg.Wait()

	winners := 0
	losers := 0
	for _, r := range results {
		switch {
		case r.err == nil && len(r.reservations) == 1:
			winners++
		case r.err != nil:
			losers++
		default:
			t.Fatalf("unexpected result: reservations=%+v err=%v", r.reservations, r.err)
		}
	}

	if winners != 1 {
		t.Fatalf("expected exactly one winning reservation, got %d", winners)
	}
	if losers != 1 {
		t.Fatalf("expected exactly one losing reserve call, got %d", losers)
	}

	f.Control.Store.mu.Lock()
	d := f.Control.Store.devices["serial-1"]
	f.Control.Store.mu.Unlock()
	if !d.Reserved() {
		t.Fatalf("expected serial-1 to be reserved after the race settles")
	}
}
