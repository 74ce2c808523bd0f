package device

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/serialport"
)

// flushThreshold is the result-buffer size spec.md §4.2 flushes at,
// whichever comes first against queue-drained.
const flushThreshold = 4

type evaluateJob struct {
	batchID string
	files   map[string][]byte // evaluation_id -> bitstream bytes
}

type pulseResult struct {
	batchID      string
	evaluationID string
	pulses       int
	failed       bool
}

// PulseCountState is the "pulsecount" Reservable kind: it accepts
// evaluate(batch_id, files) requests over a FIFO queue, uploads each
// bitstream over the device's serial line at device pace, and emits
// batched results back to the reserving client (spec.md §4.2).
type PulseCountState struct {
	device   *Device
	clientID string
	reg      *EventRegistry

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []evaluateJob
	exiting bool
	devFile string

	resultsMu sync.Mutex
	results   []pulseResult

	port SerialPort
	wg   sync.WaitGroup
}

// NewPulseCountState enters PulseCount for client clientID: it starts the
// upload worker goroutine and, once the reservable firmware is up,
// notifies the client with `initialized`.
func NewPulseCountState(d *Device, clientID string) *PulseCountState {
	if err := d.Store().UpdateDeviceStatus(d.Serial(), model.StatusReserved); err != nil {
		d.Logger().Printf("update status to reserved: %v", err)
	}

	s := &PulseCountState{device: d, clientID: clientID, reg: NewEventRegistry()}
	s.cond = sync.NewCond(&s.mu)

	s.reg.Register(model.EventEvaluate, []string{"batch_id", "files"}, func(values []any) bool {
		batchID, _ := values[0].(string)
		rawFiles, _ := values[1].(map[string]any)
		files := make(map[string][]byte, len(rawFiles))
		for evalID, v := range rawFiles {
			files[evalID] = decodeBitstream(v)
		}
		s.enqueue(evaluateJob{batchID: batchID, files: files})
		return true
	})

	for _, f := range d.Services().DeviceFiles(d.Serial()) {
		s.HandleAdd(f)
	}

	s.wg.Add(1)
	go s.run()

	if err := d.Services().SendEvent(clientID, model.Envelope{
		Serial:   d.Serial(),
		Contents: map[string]any{"event": string(model.EventInitialized)},
	}); err != nil {
		d.Logger().Printf("send initialized: %v", err)
	}

	return s
}

// HandleAdd records the device's tty interface the first time it is seen;
// later sightings (spurious replays) are ignored.
func (s *PulseCountState) HandleAdd(devFile string) {
	if !isTTYDeviceFile(devFile) {
		return
	}
	s.mu.Lock()
	if s.devFile == "" {
		s.devFile = devFile
	}
	s.mu.Unlock()
}

func (s *PulseCountState) HandleRemove(devFile string) {}

func (s *PulseCountState) HandleEvent(kind model.EventKind, contents map[string]any) bool {
	return s.reg.Dispatch(kind, contents)
}

// HandleExit signals the worker goroutine to drain and stop, joins it,
// and closes the port, per spec.md §4.2: "On unreserve: set exiting, wake
// the worker, join, close the port... switch to default-flash."
func (s *PulseCountState) HandleExit() {
	s.mu.Lock()
	s.exiting = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.wg.Wait()

	if s.port != nil {
		s.port.Close()
	}
}

func (s *PulseCountState) enqueue(job evaluateJob) {
	s.mu.Lock()
	s.queue = append(s.queue, job)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *PulseCountState) currentDevFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devFile
}

func (s *PulseCountState) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue) == 0
}

// run is the single worker goroutine draining the evaluate queue.
func (s *PulseCountState) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.exiting {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.exiting {
			s.mu.Unlock()
			return
		}
		job := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.runJob(job)
	}
}

func (s *PulseCountState) ensurePort() error {
	if s.port != nil {
		return nil
	}
	devFile := s.currentDevFile()
	if devFile == "" {
		return fmt.Errorf("no serial device-file known yet for %s", s.device.Serial())
	}
	port, err := s.device.Services().OpenSerial(devFile)
	if err != nil {
		return err
	}
	s.port = port
	return nil
}

func (s *PulseCountState) runJob(job evaluateJob) {
	if err := s.ensurePort(); err != nil {
		s.device.Logger().Printf("pulsecount: %v", err)
		for evalID := range job.files {
			s.recordResult(job.batchID, evalID, 0, true)
		}
		return
	}

	for evalID, bitstream := range job.files {
		if err := s.waitForReadiness(); err != nil {
			s.device.Logger().Printf("pulsecount: waiting for readiness: %v", err)
			s.recordResult(job.batchID, evalID, 0, true)
			continue
		}
		if err := s.port.WriteBitstream(bitstream); err != nil {
			s.device.Logger().Printf("pulsecount: write bitstream: %v", err)
			s.recordResult(job.batchID, evalID, 0, true)
			continue
		}
		pulses, ok, err := s.waitForOutcome()
		if err != nil {
			s.device.Logger().Printf("pulsecount: read outcome: %v", err)
			s.recordResult(job.batchID, evalID, 0, true)
			continue
		}
		if !ok {
			// Watchdog timeout: requeue rather than fail the evaluation,
			// matching the board's retry-until-success convention instead
			// of surfacing a spurious result.
			s.device.Logger().Printf("pulsecount: watchdog timeout on %s, requeuing", evalID)
			s.enqueue(evaluateJob{batchID: job.batchID, files: map[string][]byte{evalID: bitstream}})
			continue
		}
		s.recordResult(job.batchID, evalID, pulses, false)
	}
}

func (s *PulseCountState) waitForReadiness() error {
	for {
		line, err := s.port.ReadLine()
		if err != nil {
			return err
		}
		if line == serialport.ReadinessLine {
			return nil
		}
	}
}

func (s *PulseCountState) waitForOutcome() (pulses int, success bool, err error) {
	for {
		line, err := s.port.ReadLine()
		if err != nil {
			return 0, false, err
		}
		switch {
		case strings.HasPrefix(line, serialport.SuccessPrefix):
			n, convErr := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, serialport.SuccessPrefix)))
			if convErr != nil {
				return 0, false, fmt.Errorf("parse pulse count from %q: %w", line, convErr)
			}
			return n, true, nil
		case line == serialport.WatchdogTimeout:
			return 0, false, nil
		}
	}
}

// recordResult buffers a result and flushes when the buffer reaches
// flushThreshold or the in-memory queue has drained, whichever first
// (spec.md §4.2).
func (s *PulseCountState) recordResult(batchID, evalID string, pulses int, failed bool) {
	s.resultsMu.Lock()
	s.results = append(s.results, pulseResult{batchID: batchID, evaluationID: evalID, pulses: pulses, failed: failed})
	shouldFlush := len(s.results) >= flushThreshold
	s.resultsMu.Unlock()

	if shouldFlush || s.queueEmpty() {
		s.flush()
	}
}

func (s *PulseCountState) flush() {
	s.resultsMu.Lock()
	pending := s.results
	s.results = nil
	s.resultsMu.Unlock()

	if len(pending) == 0 {
		return
	}

	byBatch := make(map[string][]pulseResult)
	for _, r := range pending {
		byBatch[r.batchID] = append(byBatch[r.batchID], r)
	}

	for batchID, rs := range byBatch {
		results := make([]map[string]any, 0, len(rs))
		for _, r := range rs {
			results = append(results, map[string]any{
				"evaluation_id": r.evaluationID,
				"pulses":        r.pulses,
				"failed":        r.failed,
			})
		}
		env := model.Envelope{
			Serial: s.device.Serial(),
			Contents: map[string]any{
				"event":    string(model.EventResults),
				"batch_id": batchID,
				"results":  results,
			},
		}
		// Flush failures are logged; results are not re-queued — result
		// loss on transport failure is the caller's concern (spec.md §4.2).
		if err := s.device.Services().SendEvent(s.clientID, env); err != nil {
			s.device.Logger().Printf("pulsecount: flush batch %s: %v", batchID, err)
		}
	}
}

func decodeBitstream(v any) []byte {
	switch val := v.(type) {
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(val); err == nil {
			return decoded
		}
		return []byte(val)
	case []byte:
		return val
	default:
		return nil
	}
}
