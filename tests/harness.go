// Package tests exercises the control, worker and client processes
// together, over real HTTP and real loopback event-bus connections, for
// the cross-component scenarios a single package's unit tests cannot
// reach. It never touches a live database or live hardware: control's
// dataStore and the worker's device.Services are both faked in-process,
// the same way internal/control/engine's and internal/worker/device's
// own unit tests do it.
package tests

import (
	"fmt"
	"net"
	"net/http/httptest"
	"sort"
	"sync"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/client"
	"github.com/evolvablehardware/iCEFARM/internal/control/api"
	"github.com/evolvablehardware/iCEFARM/internal/control/engine"
	"github.com/evolvablehardware/iCEFARM/internal/control/store"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
	workerapi "github.com/evolvablehardware/iCEFARM/internal/worker/api"
)

// fakeStore backs both the control engine's dataStore and, per device,
// device.Store: one in-memory struct standing in for the two separate
// Postgres-backed adapters (internal/control/store, internal/worker/store)
// that a deployed fleet keeps on separate processes. Collapsing them here
// is a test-harness simplification, not a claim that control and worker
// ever share a database.
type fakeStore struct {
	mu sync.Mutex

	devices      map[string]*model.Device
	workers      map[string]model.Worker
	workerURL    map[string]string // serial -> owning worker's internal API base URL
	reservations map[string]*model.Reservation
	deadWorkers  map[string]bool
	removed      []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:      make(map[string]*model.Device),
		workers:      make(map[string]model.Worker),
		workerURL:    make(map[string]string),
		reservations: make(map[string]*model.Reservation),
		deadWorkers:  make(map[string]bool),
	}
}

func (s *fakeStore) addDevice(serial, workerName, kind, workerURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[serial] = &model.Device{Serial: serial, Worker: workerName, Status: model.StatusAvailable, Kind: kind}
	s.workerURL[serial] = workerURL
}

// UpdateDeviceStatus implements device.Store, called by the real state
// machine objects the worker double drives.
func (s *fakeStore) UpdateDeviceStatus(serial string, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.devices[serial]; ok {
		d.Status = status
	}
	return nil
}

func (s *fakeStore) Reserve(clientID, kind string, amount int, lease time.Duration) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	serials := make([]string, 0, len(s.devices))
	for serial := range s.devices {
		serials = append(serials, serial)
	}
	sort.Strings(serials)

	var out []model.Reservation
	for _, serial := range serials {
		if len(out) >= amount {
			break
		}
		d := s.devices[serial]
		if d.Status != model.StatusAvailable || (kind != "" && d.Kind != kind) {
			continue
		}
		r := model.Reservation{Serial: serial, ClientID: clientID, Kind: kind, ExpiresAt: time.Now().Add(lease)}
		s.reservations[serial] = &r
		d.Status = model.StatusReserved
		d.ClientID = clientID
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) ReserveSerials(clientID string, serials []string, lease time.Duration) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Reservation
	for _, serial := range serials {
		d, ok := s.devices[serial]
		if !ok || d.Status != model.StatusAvailable {
			continue
		}
		r := model.Reservation{Serial: serial, ClientID: clientID, ExpiresAt: time.Now().Add(lease)}
		s.reservations[serial] = &r
		d.Status = model.StatusReserved
		d.ClientID = clientID
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) Extend(clientID, serial string, extra time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[serial]
	if !ok || r.ClientID != clientID {
		return fmt.Errorf("no reservation for %s held by %s", serial, clientID)
	}
	r.ExpiresAt = time.Now().Add(extra)
	return nil
}

func (s *fakeStore) ExtendAll(clientID string, extra time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reservations {
		if r.ClientID == clientID {
			r.ExpiresAt = time.Now().Add(extra)
		}
	}
	return nil
}

func (s *fakeStore) End(clientID, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reservations, serial)
	if d, ok := s.devices[serial]; ok && d.ClientID == clientID {
		d.ClientID = ""
	}
	return nil
}

func (s *fakeStore) EndAll(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for serial, r := range s.reservations {
		if r.ClientID == clientID {
			delete(s.reservations, serial)
			if d, ok := s.devices[serial]; ok {
				d.ClientID = ""
			}
		}
	}
	return nil
}

func (s *fakeStore) Devices() ([]model.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (s *fakeStore) Workers() ([]model.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w)
	}
	return out, nil
}

func (s *fakeStore) GetDeviceWorkerURL(serial string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := s.workerURL[serial]
	if !ok {
		return "", fmt.Errorf("no worker known for serial %s", serial)
	}
	return url, nil
}

// killWorker marks worker as stale, picked up by the next WorkerTimeouts
// scan, simulating a dead worker without waiting out a real heartbeat
// window.
func (s *fakeStore) killWorker(worker string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadWorkers[worker] = true
}

func (s *fakeStore) WorkerTimeouts(staleAfter time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for w := range s.deadWorkers {
		out = append(out, w)
	}
	return out, nil
}

func (s *fakeStore) RemoveWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, name)
	s.removed = append(s.removed, name)
	return nil
}

func (s *fakeStore) ReservationsEndingSoon(warning time.Duration) ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.EndingSoon(now, warning) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) ReservationTimeouts() ([]model.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []model.Reservation
	for _, r := range s.reservations {
		if r.Expired(now) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakeStore) Listen(dsn string, stop <-chan struct{}) (<-chan store.Notification, error) {
	ch := make(chan store.Notification)
	go func() { <-stop; close(ch) }()
	return ch, nil
}

// controlHarness wires a real engine.Engine and control api.Router behind
// an httptest server, plus a real event-bus hub listening on loopback for
// client notifications (reservation ending soon/end, failure).
type controlHarness struct {
	Store     *fakeStore
	Engine    *engine.Engine
	Server    *httptest.Server
	Hub       *eventbus.Hub
	BusAddr   string
	busListen net.Listener
	stop      chan struct{}
}

func newControlHarness(cfg engine.Config) *controlHarness {
	st := newFakeStore()
	hub := eventbus.NewHub()
	eng := engine.New(cfg, st, hub)

	srv := httptest.NewServer(api.Router(eng, time.Now()))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("control bus listen: %v", err))
	}
	reg := &eventbus.Registry{}
	go acceptLoop(ln, hub, reg)

	h := &controlHarness{
		Store:     st,
		Engine:    eng,
		Server:    srv,
		Hub:       hub,
		BusAddr:   ln.Addr().String(),
		busListen: ln,
		stop:      make(chan struct{}),
	}
	return h
}

func (h *controlHarness) controlAPIAddr() string {
	return h.Server.URL + "/api/v1"
}

func (h *controlHarness) close() {
	h.busListen.Close()
	h.Server.Close()
}

// acceptLoop mirrors cmd/control's and cmd/worker's own accept loop:
// accept, hand off to the hub's handshake-then-dispatch, one goroutine
// per connection.
func acceptLoop(ln net.Listener, hub *eventbus.Hub, reg *eventbus.Registry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go hub.Accept(conn, reg)
	}
}

// workerDouble stands in for *manager.Manager: it owns a set of
// device.Device state machines (already Ready, bypassing the real
// manager's os/exec-backed mount/usbip plumbing, which has no place to
// run without real hardware) and exposes the same reserve/unreserve HTTP
// surface and evaluate-fanout bus wiring manager.Manager provides.
type workerDouble struct {
	name    string
	store   *fakeStore
	svc     *fakeDeviceServices
	Server  *httptest.Server
	Hub     *eventbus.Hub
	BusAddr string

	mu      sync.Mutex
	devices map[string]*device.Device

	busListen net.Listener
}

func newWorkerDouble(name string, st *fakeStore, flashTimeout time.Duration) *workerDouble {
	svc := newFakeDeviceServices()
	svc.flashTimeout = flashTimeout
	w := &workerDouble{
		name:    name,
		store:   st,
		svc:     svc,
		devices: make(map[string]*device.Device),
		Hub:     eventbus.NewHub(),
	}
	svc.hub = w.Hub

	w.Server = httptest.NewServer(workerapi.Router(w, "/tmp"))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("worker bus listen: %v", err))
	}
	w.busListen = ln
	w.BusAddr = ln.Addr().String()

	reg := &eventbus.Registry{}
	reg.Register(model.EventEvaluate, []string{"batch_id", "serials", "files"}, w.handleEvaluate)
	go acceptLoop(ln, w.Hub, reg)

	return w
}

// addReadyDevice registers serial as an already-Ready device on this
// worker, the state a real board reaches once its default-firmware flash
// and test cycle finish. kind primes the bootloader/serial fixtures so a
// later Reserve(serial, clientID, kind) can flash and reach Reservable
// without waiting on any real hot-plug replay.
func (w *workerDouble) addReadyDevice(serial, kind string) *device.Device {
	w.svc.primeFlashable(serial, kind)
	d := device.NewDevice(serial, w.store, w.svc)
	d.Switch(func() device.State { return device.NewReadyState(d) })
	w.mu.Lock()
	w.devices[serial] = d
	w.mu.Unlock()
	return d
}

// addBrokenFlashDevice registers serial as Ready but with no bootloader
// partition fixture at all, so a Reserve against it can never complete its
// flash and must instead resolve through the flash-timeout-to-Broken path.
func (w *workerDouble) addBrokenFlashDevice(serial string) *device.Device {
	w.svc.breakFlash(serial)
	d := device.NewDevice(serial, w.store, w.svc)
	d.Switch(func() device.State { return device.NewReadyState(d) })
	w.mu.Lock()
	w.devices[serial] = d
	w.mu.Unlock()
	return d
}

func (w *workerDouble) deviceByID(serial string) *device.Device {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.devices[serial]
}

// Reserve implements workerapi.Reserver.
func (w *workerDouble) Reserve(serial, clientID, kind string) error {
	d := w.deviceByID(serial)
	if d == nil {
		return fmt.Errorf("reserve: unknown serial %s", serial)
	}
	ready, ok := d.CurrentState().(*device.ReadyState)
	if !ok {
		return nil
	}
	// A primed device's flash completes synchronously inside the state
	// constructor, before the pending timer's HandleExit cancellation can
	// ever run; a non-zero timeout here would later fire spuriously against
	// an already-healthy Reservable state. Only a deliberately unflashable
	// device (addBrokenFlashDevice) needs the real timeout armed.
	timeout := time.Duration(0)
	if !w.svc.hasFixture(serial) {
		timeout = w.svc.flashTimeout
	}
	ready.Reserve(clientID, kind, timeout)
	return nil
}

// Unreserve implements workerapi.Reserver.
func (w *workerDouble) Unreserve(serial string) error {
	d := w.deviceByID(serial)
	if d == nil {
		return fmt.Errorf("unreserve: unknown serial %s", serial)
	}
	d.Switch(func() device.State {
		return device.NewFlashState(d, "default", "", func() device.State {
			return device.NewTestState(d)
		}, 0)
	})
	return nil
}

// handleEvaluate mirrors internal/worker/manager's own handleEvaluate:
// fan one evaluate envelope out to every named serial's current state.
func (w *workerDouble) handleEvaluate(env model.Envelope) error {
	serials, _ := env.Contents["serials"].([]any)
	for _, raw := range serials {
		serial, _ := raw.(string)
		d := w.deviceByID(serial)
		if d == nil {
			continue
		}
		d.HandleEvent(model.EventEvaluate, map[string]any{
			"batch_id": env.Contents["batch_id"],
			"files":    env.Contents["files"],
		})
	}
	return nil
}

func (w *workerDouble) close() {
	w.busListen.Close()
	w.Server.Close()
}

// fleet bundles a control harness and one or more workers, plus the
// plumbing a client needs to talk to both, for a full scenario test.
type fleet struct {
	Control *controlHarness
	Workers map[string]*workerDouble
}

func newFleet(cfg engine.Config) *fleet {
	return &fleet{
		Control: newControlHarness(cfg),
		Workers: make(map[string]*workerDouble),
	}
}

// addWorker creates a worker double, registers it with control (so
// GetDeviceWorkerURL and Workers() resolve it) and pre-populates its
// device rows in Ready state, each primed to flash straight into kind.
func (f *fleet) addWorker(name, kind string, serials ...string) *workerDouble {
	w := newWorkerDouble(name, f.Control.Store, 0)
	f.Workers[name] = w

	f.Control.Store.mu.Lock()
	f.Control.Store.workers[name] = model.Worker{Name: name, IP: "127.0.0.1", Reservables: []string{kind}}
	f.Control.Store.mu.Unlock()

	for _, serial := range serials {
		f.Control.Store.addDevice(serial, name, kind, w.Server.URL+"/api/v1")
		w.addReadyDevice(serial, kind)
	}
	return w
}

// addWorkerWithBrokenDevice is addWorker's counterpart for the flash-failure
// scenario: its one device has no bootloader partition fixture, so a
// reserve against it can only resolve through flashTimeout's expiry.
func (f *fleet) addWorkerWithBrokenDevice(name, kind, serial string, flashTimeout time.Duration) *workerDouble {
	w := newWorkerDouble(name, f.Control.Store, flashTimeout)
	f.Workers[name] = w

	f.Control.Store.mu.Lock()
	f.Control.Store.workers[name] = model.Worker{Name: name, IP: "127.0.0.1", Reservables: []string{kind}}
	f.Control.Store.mu.Unlock()

	f.Control.Store.addDevice(serial, name, kind, w.Server.URL+"/api/v1")
	w.addBrokenFlashDevice(serial)
	return w
}

func (f *fleet) close() {
	f.Control.close()
	for _, w := range f.Workers {
		w.close()
	}
}

// workerAddrOf resolves a serial to its owning workerDouble's event-bus
// address directly from the fleet's own bookkeeping, standing in for
// client.WorkerAddrIndex's port-offset convention (the fixture's worker bus
// addresses are independent httptest/loopback ports, not a fixed offset
// from the worker's reserve/unreserve HTTP port).
func (f *fleet) workerAddrOf(serial string) (string, bool) {
	f.Control.Store.mu.Lock()
	d, ok := f.Control.Store.devices[serial]
	f.Control.Store.mu.Unlock()
	if !ok {
		return "", false
	}
	w, ok := f.Workers[d.Worker]
	if !ok {
		return "", false
	}
	return w.BusAddr, true
}

// newClient builds a client-side ControlClient and a BusManager/registry
// shared across control's own bus and every worker bus the client dials,
// mirroring cmd/client's one-registry-many-connections wiring. It connects
// to control's bus immediately; worker connections are established lazily
// by BusManager.Send as the scheduler dispatches batches.
func newClient(t interface{ Fatalf(string, ...any) }, f *fleet, clientID string) (*client.ControlClient, *client.BusManager, *eventbus.Registry) {
	reg := &eventbus.Registry{}
	bus := client.NewBusManager(clientID, reg)
	if _, err := bus.Connect(f.Control.BusAddr); err != nil {
		t.Fatalf("connect to control bus: %v", err)
	}
	cc := client.NewControlClient(f.Control.controlAPIAddr())
	return cc, bus, reg
}

func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}
