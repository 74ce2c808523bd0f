package client

import (
	"time"

	"github.com/evolvablehardware/iCEFARM/internal/model"
)

// ControlClient issues spec.md §6's client-facing HTTP verbs against
// control's API.
type ControlClient struct {
	base *BaseClient
}

// NewControlClient constructs a ControlClient addressed at controlAddr
// (e.g. "http://control-host:8080/api/v1").
func NewControlClient(controlAddr string) *ControlClient {
	return &ControlClient{base: NewBaseClient(controlAddr)}
}

type reserveResponse struct {
	Reservations []model.Reservation `json:"reservations"`
}

// Reserve requests amount devices of kind for clientID.
func (c *ControlClient) Reserve(clientID, kind string, amount int) ([]model.Reservation, error) {
	var resp reserveResponse
	err := c.base.Post("/reserve", map[string]any{
		"client_id": clientID,
		"kind":      kind,
		"amount":    amount,
	}, &resp)
	return resp.Reservations, err
}

// ReserveSpecific pins a reservation to a caller-chosen serial set.
func (c *ControlClient) ReserveSpecific(clientID string, serials []string, kind string) ([]model.Reservation, error) {
	var resp reserveResponse
	err := c.base.Post("/reservespecific", map[string]any{
		"client_id": clientID,
		"serials":   serials,
		"kind":      kind,
	}, &resp)
	return resp.Reservations, err
}

// Extend refreshes clientID's lease on serial.
func (c *ControlClient) Extend(clientID, serial string) error {
	return c.base.Post("/extend", map[string]any{"client_id": clientID, "serial": serial}, nil)
}

// ExtendAll refreshes every lease clientID currently holds.
func (c *ControlClient) ExtendAll(clientID string) error {
	return c.base.Post("/extendall", map[string]any{"client_id": clientID}, nil)
}

// End releases clientID's reservation on serial.
func (c *ControlClient) End(clientID, serial string) error {
	return c.base.Post("/end", map[string]any{"client_id": clientID, "serial": serial}, nil)
}

// EndAll releases every reservation clientID holds.
func (c *ControlClient) EndAll(clientID string) error {
	return c.base.Post("/endall", map[string]any{"client_id": clientID}, nil)
}

type availableResponse struct {
	Devices []model.Device `json:"devices"`
}

// Available lists every device row control knows about.
func (c *ControlClient) Available() ([]model.Device, error) {
	var resp availableResponse
	err := c.base.Get("/available", &resp)
	return resp.Devices, err
}

type workersResponse struct {
	Workers []model.Worker `json:"workers"`
}

// Workers lists every registered worker row, used to resolve a device's
// event-bus address alongside Available()'s device-to-worker mapping.
func (c *ControlClient) Workers() ([]model.Worker, error) {
	var resp workersResponse
	err := c.base.Get("/workers", &resp)
	return resp.Workers, err
}

type logResponse struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Uptime queries control's /log debug endpoint.
func (c *ControlClient) Uptime() (time.Duration, error) {
	var resp logResponse
	if err := c.base.Get("/log", &resp); err != nil {
		return 0, err
	}
	return time.Duration(resp.UptimeSeconds * float64(time.Second)), nil
}
