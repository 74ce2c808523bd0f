// Package store is control's database adapter: the authoritative source
// for reservation bookkeeping and the only reader of the worker and
// device tables that workers publish into. It never writes a device's
// status or a worker's liveness — those columns are owned by the workers
// themselves (internal/worker/store) — it only observes their effects via
// LISTEN/NOTIFY.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// Store is control's database connection, grounded on
// original_source/src/icefarm/control/ControlDatabase.py's method set.
type Store struct {
	db *sql.DB
}

// Open connects to dsn for control's own use.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open control database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping control database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDeviceWorkerURL resolves serial's owning worker's reservation
// endpoint base URL, mirroring ControlDatabase.getDeviceWorkerUrl.
func (s *Store) GetDeviceWorkerURL(serial string) (string, error) {
	var ip string
	var port int
	row := s.db.QueryRow(`
		SELECT w.ip, w.port FROM device d JOIN worker w ON d.worker = w.name
		WHERE d.serial = $1`, serial)
	if err := row.Scan(&ip, &port); err != nil {
		return "", fmt.Errorf("get_device_worker_url %s: %w", serial, err)
	}
	return fmt.Sprintf("http://%s:%d/api/v1", ip, port), nil
}

// Reserve calls make_reservations, atomically selecting up to amount
// available devices of kind and assigning them to clientID for lease,
// mirroring ControlDatabase.reserve.
func (s *Store) Reserve(clientID, kind string, amount int, lease time.Duration) ([]model.Reservation, error) {
	rows, err := s.db.Query(`SELECT serial, expires_at FROM make_reservations($1, $2, $3, $4)`,
		clientID, kind, amount, int64(lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("make_reservations: %w", err)
	}
	defer rows.Close()
	return scanKindlessReservations(rows, clientID, kind)
}

// ReserveSerials calls make_reservations_for_serials, pinning the
// reservation to a caller-chosen set of serials rather than "any device
// of kind", mirroring the reserveSpecific verb named in spec.md §4.4.
func (s *Store) ReserveSerials(clientID string, serials []string, lease time.Duration) ([]model.Reservation, error) {
	rows, err := s.db.Query(`SELECT serial, kind, expires_at FROM make_reservations_for_serials($1, $2, $3)`,
		clientID, pq.Array(serials), int64(lease.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("make_reservations_for_serials: %w", err)
	}
	defer rows.Close()
	return scanReservations(rows, clientID)
}

// Extend calls extend_reservations for one serial, mirroring
// ControlDatabase.extend.
func (s *Store) Extend(clientID, serial string, extra time.Duration) error {
	if _, err := s.db.Exec(`SELECT extend_reservations($1, $2, $3)`,
		clientID, serial, int64(extra.Seconds())); err != nil {
		return fmt.Errorf("extend_reservations %s: %w", serial, err)
	}
	return nil
}

// ExtendAll calls extend_all_reservations for every reservation held by
// clientID, mirroring ControlDatabase.extendAll.
func (s *Store) ExtendAll(clientID string, extra time.Duration) error {
	if _, err := s.db.Exec(`SELECT extend_all_reservations($1, $2)`,
		clientID, int64(extra.Seconds())); err != nil {
		return fmt.Errorf("extend_all_reservations %s: %w", clientID, err)
	}
	return nil
}

// End calls end_reservations for one serial, mirroring
// ControlDatabase.end.
func (s *Store) End(clientID, serial string) error {
	if _, err := s.db.Exec(`SELECT end_reservations($1, $2)`, clientID, serial); err != nil {
		return fmt.Errorf("end_reservations %s: %w", serial, err)
	}
	return nil
}

// EndAll calls end_all_reservations for clientID, mirroring
// ControlDatabase.endAll.
func (s *Store) EndAll(clientID string) error {
	if _, err := s.db.Exec(`SELECT end_all_reservations($1)`, clientID); err != nil {
		return fmt.Errorf("end_all_reservations %s: %w", clientID, err)
	}
	return nil
}

// Workers lists every worker row, mirroring ControlDatabase.getWorkers.
func (s *Store) Workers() ([]model.Worker, error) {
	rows, err := s.db.Query(`SELECT name, ip, port, version, reservables, last_heartbeat, shutting_down FROM worker`)
	if err != nil {
		return nil, fmt.Errorf("get_workers: %w", err)
	}
	defer rows.Close()

	var out []model.Worker
	for rows.Next() {
		var w model.Worker
		var reservables pq.StringArray
		if err := rows.Scan(&w.Name, &w.IP, &w.Port, &w.Version, &reservables, &w.LastHeartbeat, &w.ShuttingDown); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		w.Reservables = []string(reservables)
		out = append(out, w)
	}
	return out, rows.Err()
}

// Devices lists every device row, mirroring ControlDatabase.getDevices.
func (s *Store) Devices() ([]model.Device, error) {
	rows, err := s.db.Query(`SELECT serial, worker, status, coalesce(client_id, ''), coalesce(exported_busid, ''), coalesce(kind, '') FROM device`)
	if err != nil {
		return nil, fmt.Errorf("get_devices: %w", err)
	}
	defer rows.Close()

	var out []model.Device
	for rows.Next() {
		var d model.Device
		var status string
		if err := rows.Scan(&d.Serial, &d.Worker, &status, &d.ClientID, &d.ExportedBusID, &d.Kind); err != nil {
			return nil, fmt.Errorf("scan device row: %w", err)
		}
		d.Status = model.Status(status)
		out = append(out, d)
	}
	return out, rows.Err()
}

// RemoveWorker drops worker's row, called once its devices have been
// treated as lost, mirroring ControlDatabase's worker-timeout handling
// which deletes the worker row after reassigning its devices.
func (s *Store) RemoveWorker(name string) error {
	if _, err := s.db.Exec(`DELETE FROM worker WHERE name = $1`, name); err != nil {
		return fmt.Errorf("remove_worker %s: %w", name, err)
	}
	return nil
}

// WorkerTimeouts lists workers whose last heartbeat has fallen outside
// staleAfter, mirroring ControlDatabase.getWorkerTimeouts (backing
// handle_worker_timeouts).
func (s *Store) WorkerTimeouts(staleAfter time.Duration) ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM worker WHERE last_heartbeat < now() - $1 * interval '1 second'`,
		int64(staleAfter.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("get_worker_timeouts: %w", err)
	}
	defer rows.Close()
	return scanStrings(rows)
}

// ReservationsEndingSoon lists reservations expiring within warning,
// mirroring ControlDatabase.getReservationEndingSoon.
func (s *Store) ReservationsEndingSoon(warning time.Duration) ([]model.Reservation, error) {
	rows, err := s.db.Query(`
		SELECT serial, client_id, kind, expires_at FROM device_reservations
		WHERE expires_at < now() + $1 * interval '1 second' AND expires_at > now()`,
		int64(warning.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("get_reservation_ending_soon: %w", err)
	}
	defer rows.Close()
	return scanReservationRows(rows)
}

// ReservationTimeouts lists reservations whose expiry has already passed,
// mirroring ControlDatabase.getReservationTimeouts (backing
// handle_reservation_timeouts).
func (s *Store) ReservationTimeouts() ([]model.Reservation, error) {
	rows, err := s.db.Query(`
		SELECT serial, client_id, kind, expires_at FROM device_reservations
		WHERE expires_at <= now()`)
	if err != nil {
		return nil, fmt.Errorf("get_reservation_timeouts: %w", err)
	}
	defer rows.Close()
	return scanReservationRows(rows)
}

func scanReservations(rows *sql.Rows, clientID string) ([]model.Reservation, error) {
	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		r.ClientID = clientID
		if err := rows.Scan(&r.Serial, &r.Kind, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// scanKindlessReservations scans (serial, expires_at) rows and stamps in
// the already-known clientID and kind, used where the query's selection
// criterion (kind) is a parameter rather than a returned column.
func scanKindlessReservations(rows *sql.Rows, clientID, kind string) ([]model.Reservation, error) {
	var out []model.Reservation
	for rows.Next() {
		r := model.Reservation{ClientID: clientID, Kind: kind}
		if err := rows.Scan(&r.Serial, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservationRows(rows *sql.Rows) ([]model.Reservation, error) {
	var out []model.Reservation
	for rows.Next() {
		var r model.Reservation
		if err := rows.Scan(&r.Serial, &r.ClientID, &r.Kind, &r.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan string row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Notification is one decoded payload from either the reservation_updates
// or device_available LISTEN/NOTIFY channel.
type Notification struct {
	Channel  string
	Serial   string `json:"serial"`
	ClientID string `json:"client_id,omitempty"`
	Amount   int    `json:"amount,omitempty"`
}

// Listen opens a pq.Listener subscribed to reservation_updates and
// device_available, decoding each notification's JSON payload and
// forwarding it on the returned channel until stop is closed. This
// mirrors Database.listenReservations/listenAvailable's per-channel
// listener goroutines, collapsed onto one pq.Listener and one output
// channel since Go consumers select over channels rather than spawning a
// thread per callback.
func (s *Store) Listen(dsn string, stop <-chan struct{}) (<-chan Notification, error) {
	out := make(chan Notification, 16)

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("control store: listener event %v: %v\n", ev, err)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen("reservation_updates"); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen reservation_updates: %w", err)
	}
	if err := listener.Listen("device_available"); err != nil {
		listener.Close()
		return nil, fmt.Errorf("listen device_available: %w", err)
	}

	go func() {
		defer listener.Close()
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				if n == nil {
					continue
				}
				note, err := decodeNotification(n.Channel, n.Extra)
				if err != nil {
					fmt.Printf("control store: malformed notify payload on %s: %v\n", n.Channel, err)
					continue
				}
				out <- note
			case <-time.After(90 * time.Second):
				_ = listener.Ping()
			}
		}
	}()

	return out, nil
}

// decodeNotification parses a channel's JSON payload into a Notification,
// factored out of the listener goroutine so it can be tested without a
// live Postgres connection.
func decodeNotification(channel, payload string) (Notification, error) {
	var note Notification
	if err := json.Unmarshal([]byte(payload), &note); err != nil {
		return Notification{}, err
	}
	note.Channel = channel
	return note, nil
}
