package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/client"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// ResultTriple is one (serial, evaluation, result) item yielded by a
// Scheduler's result stream, matching spec.md §4.6's output shape.
type ResultTriple struct {
	Serial     string
	Evaluation model.Evaluation
	Result     model.Result
}

// Scheduler drains a Bundle under a Policy, dispatching batches to their
// owning workers over a BusManager and streaming results back as they
// arrive.
type Scheduler struct {
	bundle       *Bundle
	policy       Policy
	bus          *client.BusManager
	workerAddrOf func(serial string) (string, bool)
	logger       *log.Logger

	resultsMu sync.Mutex
	batches   map[string]*Batch // batch_id -> batch, for evaluation lookup on result arrival

	out chan ResultTriple
}

// New constructs a Scheduler. workerAddrOf resolves a serial to its
// owning worker's event-bus address, typically backed by the client's
// current reservation set.
func New(bundle *Bundle, policy Policy, bus *client.BusManager, workerAddrOf func(serial string) (string, bool)) *Scheduler {
	return &Scheduler{
		bundle:       bundle,
		policy:       policy,
		bus:          bus,
		workerAddrOf: workerAddrOf,
		logger:       log.New(log.Writer(), "[scheduler] ", log.LstdFlags),
		batches:      make(map[string]*Batch),
		out:          make(chan ResultTriple, 64),
	}
}

// Results returns the lazy result stream. It closes once the bundle is
// exhausted and every dispatched evaluation has a recorded result.
func (s *Scheduler) Results() <-chan ResultTriple {
	return s.out
}

// Run drives the scheduler: it polls the policy, dispatches batches as
// they become ready, and stops once the bundle is exhausted. It blocks;
// call it from its own goroutine. ctx cancellation stops it early; the
// result channel is closed whenever Run returns, on cancellation as well
// as on natural completion.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.out)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.bundle.Exhausted() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.policy.Ready(s.bundle) {
			continue
		}
		batch, ok := s.bundle.NextBatch()
		if !ok {
			continue
		}
		if err := s.dispatch(batch); err != nil {
			s.logger.Printf("dispatch batch %s: %v", batch.ID, err)
		}
	}
}

// dispatch groups each entry's serials by owning worker and sends one
// evaluate envelope per worker, per spec.md §4.5's requestBatchWorker
// description.
func (s *Scheduler) dispatch(batch *Batch) error {
	s.resultsMu.Lock()
	s.batches[batch.ID] = batch
	s.resultsMu.Unlock()

	for _, entry := range batch.Entries {
		files := make(map[string]any, len(entry.Evaluations))
		for _, ev := range entry.Evaluations {
			files[ev.ID] = ev.Payload
		}

		groups := client.GroupByWorker(entry.Serials, s.workerAddrOf)
		for workerAddr, serials := range groups {
			env := model.Envelope{
				Contents: map[string]any{
					"event":    string(model.EventEvaluate),
					"batch_id": batch.ID,
					"serials":  serials,
					"files":    files,
				},
			}
			if err := s.bus.Send(workerAddr, env); err != nil {
				return fmt.Errorf("send batch %s to worker %s: %w", batch.ID, workerAddr, err)
			}
		}
	}
	return nil
}

// HandleResults is registered against an eventbus.Registry for
// model.EventResults; it records each result against the bundle and
// forwards a ResultTriple onto the result stream.
func (s *Scheduler) HandleResults(env model.Envelope) error {
	batchID, _ := env.Contents["batch_id"].(string)
	rawResults, _ := env.Contents["results"].([]any)

	s.resultsMu.Lock()
	batch := s.batches[batchID]
	s.resultsMu.Unlock()

	serial := env.Serial
	for _, raw := range rawResults {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		evaluationID, _ := entry["evaluation_id"].(string)
		pulses, _ := entry["pulses"].(float64)
		failed, _ := entry["failed"].(bool)

		s.bundle.RecordResult(serial, evaluationID)

		eval := findEvaluation(batch, evaluationID)
		s.out <- ResultTriple{
			Serial:     serial,
			Evaluation: eval,
			Result: model.Result{
				Serial:       serial,
				EvaluationID: evaluationID,
				Pulses:       int(pulses),
				Failed:       failed,
			},
		}
	}
	return nil
}

func findEvaluation(batch *Batch, evaluationID string) model.Evaluation {
	if batch == nil {
		return model.Evaluation{ID: evaluationID}
	}
	for _, entry := range batch.Entries {
		for _, ev := range entry.Evaluations {
			if ev.ID == evaluationID {
				return ev
			}
		}
	}
	return model.Evaluation{ID: evaluationID}
}

var _ eventbus.Handler = (*Scheduler)(nil).HandleResults
