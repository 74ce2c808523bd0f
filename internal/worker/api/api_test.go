package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReserver struct {
	reserved   []string
	unreserved []string
}

func (f *fakeReserver) Reserve(serial, clientID, kind string) error {
	f.reserved = append(f.reserved, serial+":"+clientID+":"+kind)
	return nil
}

func (f *fakeReserver) Unreserve(serial string) error {
	f.unreserved = append(f.unreserved, serial)
	return nil
}

func TestReserveDispatchesToManager(t *testing.T) {
	r := &fakeReserver{}
	router := Router(r, "/tmp")

	body, _ := json.Marshal(map[string]string{"serial": "abc123", "client_id": "client-1", "kind": "pulsecount"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reserve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(r.reserved) != 1 || r.reserved[0] != "abc123:client-1:pulsecount" {
		t.Fatalf("expected Reserve called, got %v", r.reserved)
	}
}

func TestStatusReportsHostMetrics(t *testing.T) {
	r := &fakeReserver{}
	router := Router(r, "/tmp")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var snap map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal status body: %v", err)
	}
	for _, key := range []string{"cpu_percent", "memory_percent", "mount_free_bytes"} {
		if _, ok := snap[key]; !ok {
			t.Fatalf("expected %q in status body, got %v", key, snap)
		}
	}
}

func TestUnreserveRejectsMissingSerial(t *testing.T) {
	r := &fakeReserver{}
	router := Router(r, "/tmp")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/unreserve", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(r.unreserved) != 0 {
		t.Fatalf("expected Unreserve not called, got %v", r.unreserved)
	}
}
