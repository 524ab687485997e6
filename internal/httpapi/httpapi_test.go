package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/ledger"
)

type fakeSource struct {
	snap map[catalog.LabID]labstate.LabRuntime
}

func (f fakeSource) Snapshot() map[catalog.LabID]labstate.LabRuntime {
	return f.snap
}

func TestHealthHandler(t *testing.T) {
	router := NewRouter(fakeSource{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Errorf("expected ok=true, got %+v", body)
	}
}

func TestSnapshotHandler_ReturnsSourceData(t *testing.T) {
	store := labstate.NewStore()
	store.UpdateSensor("lab1", "s1", 25.0, 50.0, 1000)
	source := fakeSource{snap: store.GetSnapshot()}

	router := NewRouter(source, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/snapshot", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var body map[string]labstate.LabRuntime
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	lab, ok := body["lab1"]
	if !ok {
		t.Fatalf("expected lab1 in snapshot, got %+v", body)
	}
	if lab.Sensors["s1"].T != 25.0 {
		t.Errorf("unexpected sensor reading: %+v", lab.Sensors["s1"])
	}
}

func TestMetricsHandler_ServesPrometheusExposition(t *testing.T) {
	router := NewRouter(fakeSource{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty metrics body")
	}
}

func TestCommandsHandler_ReturnsRecentCommands(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()
	if err := led.Append("lab1", "f1", "ON", "rules"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	router := NewRouter(fakeSource{}, led, nil)
	req := httptest.NewRequest(http.MethodGet, "/labs/lab1/commands", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var body struct {
		Commands []ledger.Record `json:"commands"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Commands) != 1 || body.Commands[0].Action != "ON" {
		t.Fatalf("unexpected commands: %+v", body.Commands)
	}
}

func TestCommandsHandler_RejectsBadLimit(t *testing.T) {
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("ledger.Open: %v", err)
	}
	defer led.Close()

	router := NewRouter(fakeSource{}, led, nil)
	req := httptest.NewRequest(http.MethodGet, "/labs/lab1/commands?limit=zero", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", rec.Code)
	}
}

func TestCommandsRoute_AbsentWithoutLedger(t *testing.T) {
	router := NewRouter(fakeSource{}, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/labs/lab1/commands", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 when no ledger is configured", rec.Code)
	}
}
