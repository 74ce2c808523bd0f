// Package scheduler implements the Client Batch Scheduler (spec.md §4.6):
// it packs an arbitrary set of per-device evaluations into per-worker
// batches, maintains a balanced in-flight window via a Policy, and streams
// results as they arrive.
package scheduler

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// BatchEntry is one `{serials -> [Evaluation]}` grouping within a Batch;
// every Evaluation in an entry shares the same target serial set.
type BatchEntry struct {
	Serials     []string
	Evaluations []model.Evaluation
}

// Batch is one scheduler step's output: a set of entries ready to be
// dispatched to their owning workers.
type Batch struct {
	ID      string
	Entries []BatchEntry
}

// Bundle is the client-side work item described in spec.md §3: a set of
// Evaluations, each targeting a subset of the bundle's reserved serials.
type Bundle struct {
	batchSize int

	mu         sync.Mutex
	queues     map[string][]model.Evaluation // SerialKey(serials) -> FIFO queue
	keySerials map[string][]string
	pending    map[string]int            // per-serial in-flight evaluation count
	awaiting   map[string]map[string]bool // serial -> evaluation ids awaiting a result
	closed     bool                       // true once the caller has finished adding evaluations
}

// NewBundle constructs an empty Bundle. batchSize caps how many pending
// evaluations any one serial may have in flight at once.
func NewBundle(batchSize int) *Bundle {
	return &Bundle{
		batchSize:  batchSize,
		queues:     make(map[string][]model.Evaluation),
		keySerials: make(map[string][]string),
		pending:    make(map[string]int),
		awaiting:   make(map[string]map[string]bool),
	}
}

// Add enqueues one evaluation. Serials should be pre-sorted by the caller
// so that evaluations targeting the same logical device set land in the
// same sub-queue regardless of slice ordering.
func (b *Bundle) Add(eval model.Evaluation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := model.SerialKey(eval.Serials)
	b.queues[key] = append(b.queues[key], eval)
	if _, ok := b.keySerials[key]; !ok {
		b.keySerials[key] = append([]string(nil), eval.Serials...)
	}
}

// Close marks the bundle as having no further evaluations to add; needed
// to distinguish "exhausted" from "temporarily blocked on in-flight cap".
func (b *Bundle) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

// NextBatch implements spec.md §4.6's batch-construction algorithm: smallest
// serial-sets first, each capped so no member serial exceeds batchSize
// pending evaluations. Returns (batch, true) if a non-empty batch was
// produced, or (nil, false) if none could be built this round (either
// genuinely exhausted, or every candidate serial-set is currently at its
// in-flight cap).
func (b *Bundle) NextBatch() (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.queues))
	for k, q := range b.queues {
		if len(q) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return len(b.keySerials[keys[i]]) < len(b.keySerials[keys[j]])
	})

	batch := &Batch{ID: uuid.NewString()}
	for _, key := range keys {
		serials := b.keySerials[key]
		maxPending := 0
		for _, s := range serials {
			if b.pending[s] > maxPending {
				maxPending = b.pending[s]
			}
		}
		slots := b.batchSize - maxPending
		if slots <= 0 {
			continue
		}

		queue := b.queues[key]
		n := slots
		if n > len(queue) {
			n = len(queue)
		}
		if n == 0 {
			continue
		}

		taken := queue[:n]
		b.queues[key] = queue[n:]

		for _, s := range serials {
			b.pending[s] += n
			if b.awaiting[s] == nil {
				b.awaiting[s] = make(map[string]bool)
			}
			for _, ev := range taken {
				b.awaiting[s][ev.ID] = true
			}
		}

		batch.Entries = append(batch.Entries, BatchEntry{
			Serials:     append([]string(nil), serials...),
			Evaluations: append([]model.Evaluation(nil), taken...),
		})
	}

	if len(batch.Entries) == 0 {
		return nil, false
	}
	return batch, true
}

// Exhausted reports whether the bundle has no further work: it is closed,
// every sub-queue is empty, and no serial is still awaiting a result.
func (b *Bundle) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		return false
	}
	for _, q := range b.queues {
		if len(q) > 0 {
			return false
		}
	}
	for _, set := range b.awaiting {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// maxCeilBatches reports the largest ceil(pending[s]/batchSize) across all
// serials, used by the Balanced policy.
func (b *Bundle) maxCeilBatches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	max := 0
	for _, p := range b.pending {
		c := (p + b.batchSize - 1) / b.batchSize
		if c > max {
			max = c
		}
	}
	return max
}

// awaitingEmpty reports whether no serial has an evaluation still in
// flight, used by the Patient policy.
func (b *Bundle) awaitingEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.awaiting {
		if len(set) > 0 {
			return false
		}
	}
	return true
}

// RecordResult removes evaluationID from serial's awaiting set, called as
// results arrive over the worker bus.
func (b *Bundle) RecordResult(serial, evaluationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.awaiting[serial]; ok {
		delete(set, evaluationID)
		if len(set) == 0 {
			delete(b.awaiting, serial)
		}
	}
	if b.pending[serial] > 0 {
		b.pending[serial]--
	}
}
