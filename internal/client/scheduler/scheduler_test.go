package scheduler

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/client"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

func startFakeWorkerBus(t *testing.T) (addr string, received chan model.Envelope) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	received = make(chan model.Envelope, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		// Handshake.
		if _, err := eventbus.ReadEnvelope(conn); err != nil {
			return
		}
		for {
			env, err := eventbus.ReadEnvelope(conn)
			if err != nil {
				return
			}
			received <- env
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), received
}

func TestSchedulerDispatchesEvaluateToOwningWorker(t *testing.T) {
	addr, received := startFakeWorkerBus(t)

	bundle := NewBundle(4)
	bundle.Add(model.Evaluation{ID: "e1", Serials: []string{"abc123"}, Payload: []byte("bitstream")})
	bundle.Close()

	bus := client.NewBusManager("client-1", &eventbus.Registry{})
	workerAddrOf := func(serial string) (string, bool) {
		if serial == "abc123" {
			return addr, true
		}
		return "", false
	}

	s := New(bundle, Quick{}, bus, workerAddrOf)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	select {
	case env := <-received:
		if env.Contents["event"] != string(model.EventEvaluate) {
			t.Fatalf("expected evaluate event, got %+v", env.Contents)
		}
		raw, _ := env.Contents["serials"].([]any)
		if len(raw) != 1 || raw[0] != "abc123" {
			t.Fatalf("expected serials [abc123], got %v", env.Contents["serials"])
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for dispatched batch")
	}

	<-done
}

func TestHandleResultsForwardsTripleAndRecordsResult(t *testing.T) {
	bundle := NewBundle(4)
	bundle.Add(model.Evaluation{ID: "e1", Serials: []string{"abc123"}})
	bundle.Close()
	batch, ok := bundle.NextBatch()
	if !ok {
		t.Fatalf("expected a batch")
	}

	bus := client.NewBusManager("client-1", &eventbus.Registry{})
	s := New(bundle, Quick{}, bus, func(string) (string, bool) { return "", false })
	s.batches[batch.ID] = batch

	err := s.HandleResults(model.Envelope{
		Serial: "abc123",
		Contents: map[string]any{
			"batch_id": batch.ID,
			"results": []any{
				map[string]any{"evaluation_id": "e1", "pulses": float64(42)},
			},
		},
	})
	if err != nil {
		t.Fatalf("HandleResults: %v", err)
	}

	select {
	case triple := <-s.Results():
		if triple.Serial != "abc123" || triple.Result.Pulses != 42 || triple.Evaluation.ID != "e1" {
			t.Fatalf("unexpected triple: %+v", triple)
		}
	default:
		t.Fatalf("expected a result triple on the stream")
	}

	if !bundle.Exhausted() {
		t.Fatalf("expected bundle exhausted after its only result was recorded")
	}
}
