package scheduler

import (
	"testing"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

func TestQuickAlwaysReady(t *testing.T) {
	b := NewBundle(4)
	if !(Quick{}).Ready(b) {
		t.Fatalf("expected Quick to always be ready")
	}
}

func TestPatientWaitsForAwaitingEmpty(t *testing.T) {
	b := NewBundle(4)
	b.Add(model.Evaluation{ID: "e1", Serials: []string{"a"}})
	b.Close()
	batch, _ := b.NextBatch()
	_ = batch

	if (Patient{}).Ready(b) {
		t.Fatalf("expected Patient to wait while a result is outstanding")
	}
	b.RecordResult("a", "e1")
	if !(Patient{}).Ready(b) {
		t.Fatalf("expected Patient ready once awaiting is empty")
	}
}

func TestBalancedWaitsUntilBelowTargetDepth(t *testing.T) {
	b := NewBundle(1)
	for i := 0; i < 3; i++ {
		b.Add(model.Evaluation{ID: idOf(i), Serials: []string{"a"}})
	}
	b.Close()

	// NextBatch never takes a serial's pending count past batchSize, so a
	// serial is at most one batch deep; target 1 is the depth that holds.
	p := Balanced{TargetBatches: 1}

	if !p.Ready(b) { // pending[a]=0, ceil(0/1)=0 < 1
		t.Fatalf("expected ready at depth 0 under target 1")
	}
	batch1, _ := b.NextBatch() // pending[a]=1, ceil(1/1)=1, not < 1
	_ = batch1
	if p.Ready(b) {
		t.Fatalf("expected not ready at depth 1 under target 1")
	}

	b.RecordResult("a", idOf(0))
	if !p.Ready(b) {
		t.Fatalf("expected ready again once depth drops below target")
	}
}
