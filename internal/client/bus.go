package client

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// eventBusPortOffset is the fixed offset between a worker's published
// reserve/unreserve HTTP port (the port column control dispatches to) and
// its event bus listen port — matching cmd/worker's flag defaults
// (":9090"/":9091"). Clients never learn a separate bus port from the
// database; they derive it from the one port control already publishes.
const eventBusPortOffset = 1

// WorkerAddrIndex builds a serial -> worker event-bus address lookup from
// control's /available and /workers responses, for use as
// GroupByWorker's/scheduler's workerAddrOf.
func WorkerAddrIndex(devices []model.Device, workers []model.Worker) func(serial string) (string, bool) {
	byName := make(map[string]model.Worker, len(workers))
	for _, w := range workers {
		byName[w.Name] = w
	}
	busAddr := make(map[string]string, len(devices))
	for _, d := range devices {
		w, ok := byName[d.Worker]
		if !ok {
			continue
		}
		busAddr[d.Serial] = net.JoinHostPort(w.IP, strconv.Itoa(w.Port+eventBusPortOffset))
	}
	return func(serial string) (string, bool) {
		addr, ok := busAddr[serial]
		return addr, ok
	}
}

// BusManager owns one eventbus.Conn per worker this client currently holds
// a reservation on (spec.md §4.5: "one socket per (client, worker) pair —
// established by the client only after a reservation assigns it to that
// worker, and torn down when the client no longer holds any reservation on
// that worker").
type BusManager struct {
	clientID string
	registry *eventbus.Registry

	mu    sync.Mutex
	conns map[string]*eventbus.Conn // worker event-bus address -> conn
}

// NewBusManager constructs a BusManager. registry carries every event
// handler this client wants invoked on incoming envelopes, shared across
// all worker connections.
func NewBusManager(clientID string, registry *eventbus.Registry) *BusManager {
	return &BusManager{
		clientID: clientID,
		registry: registry,
		conns:    make(map[string]*eventbus.Conn),
	}
}

// Connect dials workerAddr if not already connected, performs the
// handshake (sending this client's id), and starts its read loop on a new
// goroutine. Safe to call repeatedly; a pre-existing connection is reused.
func (b *BusManager) Connect(workerAddr string) (*eventbus.Conn, error) {
	b.mu.Lock()
	if c, ok := b.conns[workerAddr]; ok {
		b.mu.Unlock()
		return c, nil
	}
	b.mu.Unlock()

	nc, err := net.Dial("tcp", workerAddr)
	if err != nil {
		return nil, fmt.Errorf("dial worker bus %s: %w", workerAddr, err)
	}
	conn := eventbus.NewConn(nc)
	if err := conn.Send(model.Envelope{Contents: map[string]any{"client_id": b.clientID}}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with worker bus %s: %w", workerAddr, err)
	}

	b.mu.Lock()
	b.conns[workerAddr] = conn
	b.mu.Unlock()

	go func() {
		if err := conn.ReadLoop(b.registry); err != nil {
			b.mu.Lock()
			if b.conns[workerAddr] == conn {
				delete(b.conns, workerAddr)
			}
			b.mu.Unlock()
		}
	}()

	return conn, nil
}

// Disconnect tears down workerAddr's socket, called once the client no
// longer holds any reservation on that worker.
func (b *BusManager) Disconnect(workerAddr string) {
	b.mu.Lock()
	c, ok := b.conns[workerAddr]
	if ok {
		delete(b.conns, workerAddr)
	}
	b.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Send addresses env to workerAddr's socket, connecting first if needed.
func (b *BusManager) Send(workerAddr string, env model.Envelope) error {
	conn, err := b.Connect(workerAddr)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

// GroupByWorker partitions serials by the worker that owns each one,
// backing requestBatchWorker's "groups serials by owning worker" step
// (spec.md §4.5).
func GroupByWorker(serials []string, workerAddrOf func(serial string) (string, bool)) map[string][]string {
	groups := make(map[string][]string)
	for _, s := range serials {
		addr, ok := workerAddrOf(s)
		if !ok {
			continue
		}
		groups[addr] = append(groups[addr], s)
	}
	return groups
}
