package engine

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/control/store"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

type fakeStore struct {
	mu               sync.Mutex
	reserved         []model.Reservation
	devices          []model.Device
	workerURLs       map[string]string
	endedClients     []string
	staleWorkers     []string
	removedWorkers   []string
	endingSoon       []model.Reservation
	timedOut         []model.Reservation
	reserveAmountErr error
	workers          []model.Worker
}

func (f *fakeStore) Reserve(clientID, kind string, amount int, lease time.Duration) ([]model.Reservation, error) {
	if f.reserveAmountErr != nil {
		return nil, f.reserveAmountErr
	}
	var out []model.Reservation
	for i := 0; i < amount && i < len(f.reserved); i++ {
		out = append(out, f.reserved[i])
	}
	return out, nil
}

func (f *fakeStore) ReserveSerials(clientID string, serials []string, lease time.Duration) ([]model.Reservation, error) {
	var out []model.Reservation
	for _, s := range serials {
		out = append(out, model.Reservation{Serial: s, ClientID: clientID})
	}
	return out, nil
}

func (f *fakeStore) Extend(clientID, serial string, extra time.Duration) error { return nil }
func (f *fakeStore) ExtendAll(clientID string, extra time.Duration) error     { return nil }

func (f *fakeStore) End(clientID, serial string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endedClients = append(f.endedClients, clientID+":"+serial)
	return nil
}

func (f *fakeStore) EndAll(clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endedClients = append(f.endedClients, clientID+":all")
	return nil
}

func (f *fakeStore) Devices() ([]model.Device, error) { return f.devices, nil }

func (f *fakeStore) Workers() ([]model.Worker, error) { return f.workers, nil }

func (f *fakeStore) GetDeviceWorkerURL(serial string) (string, error) {
	return f.workerURLs[serial], nil
}

func (f *fakeStore) WorkerTimeouts(staleAfter time.Duration) ([]string, error) {
	return f.staleWorkers, nil
}

func (f *fakeStore) RemoveWorker(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedWorkers = append(f.removedWorkers, name)
	return nil
}

func (f *fakeStore) ReservationsEndingSoon(warning time.Duration) ([]model.Reservation, error) {
	return f.endingSoon, nil
}

func (f *fakeStore) ReservationTimeouts() ([]model.Reservation, error) {
	return f.timedOut, nil
}

func (f *fakeStore) Listen(dsn string, stop <-chan struct{}) (<-chan store.Notification, error) {
	ch := make(chan store.Notification)
	close(ch)
	return ch, nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestReserveDispatchesToOwningWorker(t *testing.T) {
	var gotPath string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := &fakeStore{
		reserved:   []model.Reservation{{Serial: "abc123", ClientID: "client-1", Kind: "pulsecount"}},
		workerURLs: map[string]string{"abc123": srv.URL},
	}
	e := New(Config{Lease: time.Minute}, fs, eventbus.NewHub())

	reservations, err := e.Reserve("client-1", "pulsecount", 1)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if len(reservations) != 1 || reservations[0].Serial != "abc123" {
		t.Fatalf("unexpected reservations: %+v", reservations)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotPath == "/reserve"
	})
}

func TestReserveReturnsInsufficientDevicesWhenEmpty(t *testing.T) {
	fs := &fakeStore{}
	e := New(Config{Lease: time.Minute}, fs, eventbus.NewHub())

	_, err := e.Reserve("client-1", "pulsecount", 1)
	if err != ErrInsufficientDevices {
		t.Fatalf("expected ErrInsufficientDevices, got %v", err)
	}
}

func TestWorkersReturnsStoreWorkers(t *testing.T) {
	fs := &fakeStore{workers: []model.Worker{{Name: "worker-a", IP: "10.0.0.5", Port: 9090}}}
	e := New(Config{Lease: time.Minute}, fs, eventbus.NewHub())

	workers, err := e.Workers()
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].Name != "worker-a" {
		t.Fatalf("unexpected workers: %+v", workers)
	}
}

func TestEndAllDispatchesUnreserveToEachOwnedDevice(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fs := &fakeStore{
		devices: []model.Device{
			{Serial: "abc123", ClientID: "client-1", Status: model.StatusReserved},
			{Serial: "def456", ClientID: "client-2", Status: model.StatusReserved},
		},
		workerURLs: map[string]string{"abc123": srv.URL},
	}
	e := New(Config{Lease: time.Minute}, fs, eventbus.NewHub())

	if err := e.EndAll("client-1"); err != nil {
		t.Fatalf("EndAll: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 1
	})
}

func TestScanWorkerTimeoutsRemovesStaleWorkersAndNotifiesClients(t *testing.T) {
	hub := eventbus.NewHub()
	fs := &fakeStore{
		staleWorkers: []string{"worker-a"},
		devices: []model.Device{
			{Serial: "abc123", Worker: "worker-a", ClientID: "client-1", Status: model.StatusReserved},
		},
	}
	e := New(Config{Lease: time.Minute}, fs, hub)

	e.scanWorkerTimeouts()

	if len(fs.removedWorkers) != 1 || fs.removedWorkers[0] != "worker-a" {
		t.Fatalf("expected worker-a removed, got %v", fs.removedWorkers)
	}
}
