// Package engine is the Control Reservation Engine: authoritative
// assignment of devices to clients with lease expiry, automatic worker
// dispatch, heartbeat timeouts and reservation-ending notifications
// (spec.md §4.4).
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/control/store"
	"github.com/evolvablehardware/iCEFARM/internal/eventbus"
	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// Config holds the engine's tunable timings.
type Config struct {
	Lease            time.Duration
	ReservationWarn  time.Duration
	WorkerStaleAfter time.Duration
	ScanInterval     time.Duration
}

// dataStore is the subset of *store.Store the engine needs, declared here
// so tests can substitute a fake without a live Postgres connection.
type dataStore interface {
	Reserve(clientID, kind string, amount int, lease time.Duration) ([]model.Reservation, error)
	ReserveSerials(clientID string, serials []string, lease time.Duration) ([]model.Reservation, error)
	Extend(clientID, serial string, extra time.Duration) error
	ExtendAll(clientID string, extra time.Duration) error
	End(clientID, serial string) error
	EndAll(clientID string) error
	Devices() ([]model.Device, error)
	Workers() ([]model.Worker, error)
	GetDeviceWorkerURL(serial string) (string, error)
	WorkerTimeouts(staleAfter time.Duration) ([]string, error)
	RemoveWorker(name string) error
	ReservationsEndingSoon(warning time.Duration) ([]model.Reservation, error)
	ReservationTimeouts() ([]model.Reservation, error)
	Listen(dsn string, stop <-chan struct{}) (<-chan store.Notification, error)
}

// Engine mediates between control's database and its event bus, and
// dispatches reserve/unreserve calls to the owning worker's own HTTP
// server.
type Engine struct {
	cfg    Config
	store  dataStore
	hub    *eventbus.Hub
	client *http.Client
	logger *log.Logger
}

var _ dataStore = (*store.Store)(nil)

// New constructs an Engine.
func New(cfg Config, s dataStore, hub *eventbus.Hub) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  s,
		hub:    hub,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: log.New(log.Writer(), "[engine] ", log.LstdFlags),
	}
}

// Reserve atomically selects up to amount available devices of kind for
// clientID and asynchronously dispatches a worker reserve call for each
// one, mirroring spec.md §4.4's reserve verb.
func (e *Engine) Reserve(clientID, kind string, amount int) ([]model.Reservation, error) {
	reservations, err := e.store.Reserve(clientID, kind, amount, e.cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if len(reservations) == 0 {
		return nil, ErrInsufficientDevices
	}
	for _, r := range reservations {
		go e.dispatchReserve(r.Serial, clientID, kind)
	}
	return reservations, nil
}

// ReserveSpecific pins a reservation to a caller-chosen serial set,
// mirroring spec.md §4.4's reserveSpecific verb.
func (e *Engine) ReserveSpecific(clientID string, serials []string, kind string) ([]model.Reservation, error) {
	reservations, err := e.store.ReserveSerials(clientID, serials, e.cfg.Lease)
	if err != nil {
		return nil, fmt.Errorf("reserve specific: %w", err)
	}
	if len(reservations) == 0 {
		return nil, ErrInsufficientDevices
	}
	for _, r := range reservations {
		go e.dispatchReserve(r.Serial, clientID, kind)
	}
	return reservations, nil
}

// Extend refreshes clientID's lease on serial.
func (e *Engine) Extend(clientID, serial string) error {
	if err := e.store.Extend(clientID, serial, e.cfg.Lease); err != nil {
		return fmt.Errorf("extend: %w", err)
	}
	return nil
}

// ExtendAll refreshes every lease clientID currently holds.
func (e *Engine) ExtendAll(clientID string) error {
	if err := e.store.ExtendAll(clientID, e.cfg.Lease); err != nil {
		return fmt.Errorf("extend all: %w", err)
	}
	return nil
}

// End releases clientID's reservation on serial and dispatches an
// unreserve call to the owning worker.
func (e *Engine) End(clientID, serial string) error {
	if err := e.store.End(clientID, serial); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	go e.dispatchUnreserve(serial)
	return nil
}

// EndAll releases every reservation clientID holds.
func (e *Engine) EndAll(clientID string) error {
	devices, err := e.store.Devices()
	if err != nil {
		return fmt.Errorf("end all: list devices: %w", err)
	}
	if err := e.store.EndAll(clientID); err != nil {
		return fmt.Errorf("end all: %w", err)
	}
	for _, d := range devices {
		if d.ClientID == clientID {
			go e.dispatchUnreserve(d.Serial)
		}
	}
	return nil
}

// Available lists every device row, mirroring spec.md §4.4's available
// verb.
func (e *Engine) Available() ([]model.Device, error) {
	devices, err := e.store.Devices()
	if err != nil {
		return nil, fmt.Errorf("available: %w", err)
	}
	return devices, nil
}

// Workers lists every registered worker row, used by clients to resolve a
// device's event-bus address (spec.md §4.5: the worker-bus address is
// derived from the same worker row control dispatches reserve/unreserve
// calls to).
func (e *Engine) Workers() ([]model.Worker, error) {
	workers, err := e.store.Workers()
	if err != nil {
		return nil, fmt.Errorf("workers: %w", err)
	}
	return workers, nil
}

// reserveRequest is the body posted to a worker's own /reserve endpoint.
type reserveRequest struct {
	Serial   string `json:"serial"`
	ClientID string `json:"client_id"`
	Kind     string `json:"kind"`
	Args     any    `json:"args,omitempty"`
}

// unreserveRequest is the body posted to a worker's own /unreserve
// endpoint.
type unreserveRequest struct {
	Serial string `json:"serial"`
}

// dispatchReserve posts a fire-and-forget reserve call to serial's owning
// worker, per spec.md §4.4: "the engine dispatches an HTTP reserve(serial,
// kind, args) to the owning worker asynchronously; workers acknowledge by
// updating device status themselves, so control never blocks on worker
// progress."
func (e *Engine) dispatchReserve(serial, clientID, kind string) {
	baseURL, err := e.store.GetDeviceWorkerURL(serial)
	if err != nil {
		e.logger.Printf("dispatch reserve %s: resolve worker: %v", serial, err)
		return
	}
	body, err := json.Marshal(reserveRequest{Serial: serial, ClientID: clientID, Kind: kind})
	if err != nil {
		e.logger.Printf("dispatch reserve %s: marshal body: %v", serial, err)
		return
	}
	if err := e.post(baseURL+"/reserve", body); err != nil {
		e.logger.Printf("dispatch reserve %s: %v", serial, err)
	}
}

// dispatchUnreserve posts a fire-and-forget unreserve call to serial's
// owning worker.
func (e *Engine) dispatchUnreserve(serial string) {
	baseURL, err := e.store.GetDeviceWorkerURL(serial)
	if err != nil {
		e.logger.Printf("dispatch unreserve %s: resolve worker: %v", serial, err)
		return
	}
	body, err := json.Marshal(unreserveRequest{Serial: serial})
	if err != nil {
		e.logger.Printf("dispatch unreserve %s: marshal body: %v", serial, err)
		return
	}
	if err := e.post(baseURL+"/unreserve", body); err != nil {
		e.logger.Printf("dispatch unreserve %s: %v", serial, err)
	}
}

func (e *Engine) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	return nil
}

// Run starts the engine's periodic background scans, stopping when ctx is
// cancelled (spec.md §4.4's "periodic tasks").
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanEndingSoon()
			e.scanExpired()
			e.scanWorkerTimeouts()
		}
	}
}

// scanEndingSoon emits a "reservation ending soon" event to each affected
// client.
func (e *Engine) scanEndingSoon() {
	reservations, err := e.store.ReservationsEndingSoon(e.cfg.ReservationWarn)
	if err != nil {
		e.logger.Printf("scan ending soon: %v", err)
		return
	}
	for _, r := range reservations {
		e.hub.Send(r.ClientID, model.Envelope{
			Serial: r.Serial,
			Contents: map[string]any{
				"event":      string(model.EventReservationEndSoon),
				"expires_at": r.ExpiresAt,
			},
		})
	}
}

// scanExpired ends reservations past their deadline and notifies the
// client and the owning worker.
func (e *Engine) scanExpired() {
	reservations, err := e.store.ReservationTimeouts()
	if err != nil {
		e.logger.Printf("scan expired: %v", err)
		return
	}
	for _, r := range reservations {
		if err := e.store.End(r.ClientID, r.Serial); err != nil {
			e.logger.Printf("expire %s: %v", r.Serial, err)
			continue
		}
		e.hub.Send(r.ClientID, model.Envelope{
			Serial:   r.Serial,
			Contents: map[string]any{"event": string(model.EventReservationEnd)},
		})
		go e.dispatchUnreserve(r.Serial)
	}
}

// scanWorkerTimeouts treats every device owned by a stale worker as lost:
// it emits a failure event to the affected client and drops the worker
// row, per spec.md §4.4(c).
func (e *Engine) scanWorkerTimeouts() {
	stale, err := e.store.WorkerTimeouts(e.cfg.WorkerStaleAfter)
	if err != nil {
		e.logger.Printf("scan worker timeouts: %v", err)
		return
	}
	if len(stale) == 0 {
		return
	}
	devices, err := e.store.Devices()
	if err != nil {
		e.logger.Printf("scan worker timeouts: list devices: %v", err)
		return
	}
	staleSet := make(map[string]bool, len(stale))
	for _, w := range stale {
		staleSet[w] = true
	}
	for _, d := range devices {
		if !staleSet[d.Worker] {
			continue
		}
		if d.Reserved() {
			e.hub.Send(d.ClientID, model.Envelope{
				Serial:   d.Serial,
				Contents: map[string]any{"event": string(model.EventFailure), "reason": "worker timeout"},
			})
		}
	}
	for worker := range staleSet {
		if err := e.store.RemoveWorker(worker); err != nil {
			e.logger.Printf("remove stale worker %s: %v", worker, err)
		}
	}
}

// RunNotifications consumes the database's reservation_updates and
// device_available LISTEN/NOTIFY channels and fans each one out over the
// event bus: reservation_updates to the affected client, device_available
// to every connected client, per spec.md §4.4's "Notifications" note. It
// blocks until stop is closed.
func (e *Engine) RunNotifications(dsn string, stop <-chan struct{}) error {
	notifications, err := e.store.Listen(dsn, stop)
	if err != nil {
		return fmt.Errorf("run notifications: %w", err)
	}
	for n := range notifications {
		switch n.Channel {
		case "reservation_updates":
			e.hub.Send(n.ClientID, model.Envelope{
				Serial:   n.Serial,
				Contents: map[string]any{"event": string(model.EventReservationEnd)},
			})
		case "device_available":
			e.hub.Broadcast(model.Envelope{
				Contents: map[string]any{"event": string(model.EventDevicesAvailable)},
			})
		default:
			e.logger.Printf("notification on unrecognised channel %q", n.Channel)
		}
	}
	return nil
}
