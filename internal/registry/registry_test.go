package registry

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	svc, err := New(Config{
		CatalogDir: dir,
		Bus:        bus.Config{Host: "127.0.0.1", Port: 1883},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRegistry_CreateAndListLab(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	rec := doJSON(t, router, http.MethodPost, "/labs/", catalog.Lab{LabID: "lab1", Name: "Lab One"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create lab: got %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/labs/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list labs: got %d", rec.Code)
	}
	var labs []catalog.Lab
	if err := json.Unmarshal(rec.Body.Bytes(), &labs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(labs) != 1 || labs[0].LabID != "lab1" {
		t.Fatalf("unexpected labs: %+v", labs)
	}
}

func TestRegistry_CreateLabRejectsInvalidID(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	rec := doJSON(t, router, http.MethodPost, "/labs/", catalog.Lab{LabID: "Lab-One", Name: "x"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestRegistry_CreateSensorAndActuator(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	doJSON(t, router, http.MethodPost, "/labs/", catalog.Lab{LabID: "lab1", Name: "Lab One"})

	rec := doJSON(t, router, http.MethodPost, "/sensors/", catalog.Sensor{SensorID: "s1", LabID: "lab1", Type: catalog.SensorTemp})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sensor: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/actuators/", catalog.Actuator{ActuatorID: "f1", LabID: "lab1", Type: catalog.ActuatorFan})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create actuator: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodPost, "/actuators/", catalog.Actuator{ActuatorID: "bad", LabID: "lab1", Type: "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected invalid actuator type rejected, got %d", rec.Code)
	}
}

func TestRegistry_UpdateThreshold(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	doJSON(t, router, http.MethodPost, "/labs/", catalog.Lab{LabID: "lab1", Name: "Lab One"})

	rec := doJSON(t, router, http.MethodPut, "/threshold/lab1/", map[string]float64{"t_high": 30})
	if rec.Code != http.StatusOK {
		t.Fatalf("update threshold: got %d body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/threshold/lab1/", nil)
	var body struct {
		Thresholds catalog.Thresholds `json:"thresholds"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Thresholds.THigh != 30 {
		t.Fatalf("expected t_high=30, got %+v", body.Thresholds)
	}
}

func TestRegistry_UpdateThresholdRejectsUnknownField(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	rec := doJSON(t, router, http.MethodPut, "/threshold/lab1/", map[string]float64{"bogus": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestRegistry_CommandRejectsInvalidAction(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	rec := doJSON(t, router, http.MethodPost, "/command", commandRequest{LabID: "lab1", ActuatorID: "f1", Action: "TOGGLE"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d, want 400", rec.Code)
	}
}

func TestRegistry_DeleteLab(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	doJSON(t, router, http.MethodPost, "/labs/", catalog.Lab{LabID: "lab1", Name: "Lab One"})
	rec := doJSON(t, router, http.MethodDelete, "/lab/lab1/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete lab: got %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/labs/", nil)
	var labs []catalog.Lab
	json.Unmarshal(rec.Body.Bytes(), &labs)
	if len(labs) != 0 {
		t.Fatalf("expected lab removed, got %+v", labs)
	}
}

func TestRegistry_Health(t *testing.T) {
	svc := newTestService(t)
	router := svc.Router()

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", body)
	}
}
