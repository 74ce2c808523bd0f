// Package store is the worker process's own database adapter. A worker
// holds the authoritative connection for publishing its devices' status
// and for announcing and retiring itself — control never brokers any of
// this, it only ever observes the effects via LISTEN/NOTIFY (see
// internal/control/store).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/evolvablehardware/iCEFARM/internal/model"
	"github.com/evolvablehardware/iCEFARM/internal/worker/device"
	"github.com/evolvablehardware/iCEFARM/internal/worker/manager"
)

// Store is a worker's database connection, grounded on
// original_source/src/icefarm/worker/WorkerDatabase.py's method set.
type Store struct {
	db   *sql.DB
	name string
}

// Open connects to dsn and registers this worker by calling add_worker,
// mirroring WorkerDatabase.__init__. reservables is stored as a Postgres
// text[] via pq.Array.
func Open(dsn, name, ip string, port int, version string, reservables []string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open worker database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping worker database: %w", err)
	}

	s := &Store{db: db, name: name}
	if _, err := db.Exec(`SELECT add_worker($1, $2, $3, $4, $5)`,
		name, ip, port, version, pq.Array(reservables)); err != nil {
		db.Close()
		return nil, fmt.Errorf("add_worker: %w", err)
	}
	return s, nil
}

// AddDevice records a newly-sighted serial, implementing manager.Store.
func (s *Store) AddDevice(serial string) error {
	if _, err := s.db.Exec(`SELECT add_device($1, $2)`, serial, s.name); err != nil {
		return fmt.Errorf("add_device %s: %w", serial, err)
	}
	return nil
}

// UpdateDeviceStatus publishes serial's new lifecycle status, implementing
// device.Store.
func (s *Store) UpdateDeviceStatus(serial string, status model.Status) error {
	if _, err := s.db.Exec(`SELECT update_device_status($1, $2)`, serial, string(status)); err != nil {
		return fmt.Errorf("update_device_status %s: %w", serial, err)
	}
	return nil
}

// Heartbeat renews this worker's liveness row, called periodically by the
// worker process, mirroring WorkerDatabase's heartbeat loop.
func (s *Store) Heartbeat() error {
	if _, err := s.db.Exec(`SELECT heartbeat_worker($1)`, s.name); err != nil {
		return fmt.Errorf("heartbeat_worker %s: %w", s.name, err)
	}
	return nil
}

// EnableShutdown marks this worker as draining, so control stops
// dispatching new reservations to it while existing ones run out,
// mirroring WorkerDatabase.enableShutDown.
func (s *Store) EnableShutdown() error {
	if _, err := s.db.Exec(`SELECT shutdown_worker($1)`, s.name); err != nil {
		return fmt.Errorf("shutdown_worker %s: %w", s.name, err)
	}
	return nil
}

// HasReservations reports whether any device owned by this worker is
// still reserved, mirroring WorkerDatabase.hasReservations.
func (s *Store) HasReservations() (bool, error) {
	var n int
	row := s.db.QueryRow(`SELECT count(*) FROM device_reservations WHERE worker = $1`, s.name)
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("has_reservations %s: %w", s.name, err)
	}
	return n > 0, nil
}

// WaitUntilDrained polls HasReservations until it reports false or ctx is
// done, mirroring WorkerDatabase.waitUntilNoReservations's condition-
// variable wait as a simple poll loop (no notification channel carries
// reservation-count-reached-zero on the worker side).
func (s *Store) WaitUntilDrained(ctx context.Context, pollInterval time.Duration) error {
	return waitUntilDrained(ctx, pollInterval, s.HasReservations)
}

// waitUntilDrained is WaitUntilDrained's loop, factored out so it can be
// exercised against a fake HasReservations without a live database.
func waitUntilDrained(ctx context.Context, pollInterval time.Duration, hasReservations func() (bool, error)) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		has, err := hasReservations()
		if err != nil {
			return err
		}
		if !has {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close retires this worker's row via remove_worker and closes the
// connection, mirroring WorkerDatabase.onExit.
func (s *Store) Close() error {
	if _, err := s.db.Exec(`SELECT remove_worker($1)`, s.name); err != nil {
		s.db.Close()
		return fmt.Errorf("remove_worker %s: %w", s.name, err)
	}
	return s.db.Close()
}

var (
	_ device.Store  = (*Store)(nil)
	_ manager.Store = (*Store)(nil)
)
