// Package registry is the HTTP CRUD surface over the catalog: create,
// read, update, and delete labs; create and list sensors and
// actuators; read and partially update thresholds; plus a
// status view assembled from the catalog and the controller's live
// snapshot, and a manual command dispatch path onto the message bus.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/labctl/labctl/internal/bridge"
	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/httpkit"
)

// Service is the registry collaborator. It owns the on-disk catalog
// and a bus connection used only to publish manual commands; it never
// runs Control Units or the rules engine itself.
type Service struct {
	store         *catalog.Store
	busAdapter    *bus.Adapter
	actBr         *bridge.ActuatorBridge
	controllerURL string
	httpClient    *http.Client
	logger        *slog.Logger
}

// Config collects the pieces New needs.
type Config struct {
	CatalogDir    string
	Bus           bus.Config
	ControllerURL string // base URL of the controller's /snapshot and /health, e.g. http://controller:8081
	Logger        *slog.Logger
}

// New builds a Service. It does not connect the bus; call Start.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := catalog.NewStore(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("registry: catalog store: %w", err)
	}
	// ActuatorBridge is built with a nil State Memory store: the
	// registry only ever calls its stateless SendCommand method, never
	// Wire/onMessage, so it never touches the store.
	// The controller-snapshot fetch retries once over a short gap so a
	// /status request racing a controller restart still gets live data.
	httpClient := httpkit.NewClient(
		httpkit.WithTimeout(2*time.Second),
		httpkit.WithRetry(1, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	return &Service{
		store:         store,
		busAdapter:    bus.New(cfg.Bus, logger),
		actBr:         bridge.NewActuatorBridge(nil, logger),
		controllerURL: cfg.ControllerURL,
		httpClient:    httpClient,
		logger:        logger,
	}, nil
}

// Start connects the bus used for manual command publication.
func (s *Service) Start(ctx context.Context) error {
	return s.busAdapter.Connect(ctx)
}

// Stop disconnects the bus.
func (s *Service) Stop(ctx context.Context) error {
	return s.busAdapter.Disconnect(ctx)
}

// Router builds the registry's HTTP handler.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	r.Route("/labs", func(r chi.Router) {
		r.Get("/", s.handleListLabs)
		r.Post("/", s.handleCreateLab)
	})
	r.Route("/lab/{labID}", func(r chi.Router) {
		r.Get("/", s.handleGetLab)
		r.Put("/", s.handleUpdateLab)
		r.Delete("/", s.handleDeleteLab)
	})

	r.Route("/sensors", func(r chi.Router) {
		r.Get("/", s.handleListSensors)
		r.Post("/", s.handleCreateSensor)
	})
	r.Route("/actuators", func(r chi.Router) {
		r.Get("/", s.handleListActuators)
		r.Post("/", s.handleCreateActuator)
	})

	r.Get("/thresholds", s.handleListThresholds)
	r.Route("/threshold/{labID}", func(r chi.Router) {
		r.Get("/", s.handleGetThreshold)
		r.Put("/", s.handleUpdateThreshold)
	})

	r.Post("/command", s.handleCommand)

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{"ok": true, "ts": time.Now().Unix()}
	if s.controllerURL != "" {
		info["controller_ok"] = s.controllerHealthy(r.Context())
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Service) controllerHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.controllerURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)
	return resp.StatusCode == http.StatusOK
}

func (s *Service) handleListLabs(w http.ResponseWriter, r *http.Request) {
	labs, err := s.store.Labs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, labs)
}

func (s *Service) handleCreateLab(w http.ResponseWriter, r *http.Request) {
	var lab catalog.Lab
	if err := json.NewDecoder(r.Body).Decode(&lab); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := catalog.ValidateLab(lab); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.PutLab(lab); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("lab created", "lab_id", lab.LabID)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "msg": "lab created"})
}

func (s *Service) handleGetLab(w http.ResponseWriter, r *http.Request) {
	labID := catalog.LabID(chi.URLParam(r, "labID"))
	labs, err := s.store.Labs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, l := range labs {
		if l.LabID == labID {
			writeJSON(w, http.StatusOK, l)
			return
		}
	}
	writeError(w, http.StatusNotFound, fmt.Errorf("lab %q not found", labID))
}

func (s *Service) handleUpdateLab(w http.ResponseWriter, r *http.Request) {
	labID := catalog.LabID(chi.URLParam(r, "labID"))
	var patch catalog.Lab
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	patch.LabID = labID
	if patch.Name == "" {
		labs, err := s.store.Labs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		found := false
		for _, l := range labs {
			if l.LabID == labID {
				patch.Name = l.Name
				found = true
			}
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Errorf("lab %q not found", labID))
			return
		}
	}
	if err := s.store.PutLab(patch); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": "lab updated"})
}

func (s *Service) handleDeleteLab(w http.ResponseWriter, r *http.Request) {
	labID := catalog.LabID(chi.URLParam(r, "labID"))
	if err := s.store.DeleteLab(labID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("lab deleted", "lab_id", labID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": "lab deleted"})
}

func (s *Service) handleListSensors(w http.ResponseWriter, r *http.Request) {
	sensors, _, err := s.store.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if labFilter := r.URL.Query().Get("lab_id"); labFilter != "" {
		filtered := sensors[:0]
		for _, sn := range sensors {
			if string(sn.LabID) == labFilter {
				filtered = append(filtered, sn)
			}
		}
		sensors = filtered
	}
	writeJSON(w, http.StatusOK, sensors)
}

func (s *Service) handleCreateSensor(w http.ResponseWriter, r *http.Request) {
	var sensor catalog.Sensor
	if err := json.NewDecoder(r.Body).Decode(&sensor); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := catalog.ValidateSensor(sensor); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.PutSensor(sensor); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("sensor created", "sensor_id", sensor.SensorID, "lab_id", sensor.LabID)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "msg": "sensor created"})
}

func (s *Service) handleListActuators(w http.ResponseWriter, r *http.Request) {
	_, actuators, err := s.store.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if labFilter := r.URL.Query().Get("lab_id"); labFilter != "" {
		filtered := actuators[:0]
		for _, a := range actuators {
			if string(a.LabID) == labFilter {
				filtered = append(filtered, a)
			}
		}
		actuators = filtered
	}
	writeJSON(w, http.StatusOK, actuators)
}

func (s *Service) handleCreateActuator(w http.ResponseWriter, r *http.Request) {
	var actuator catalog.Actuator
	if err := json.NewDecoder(r.Body).Decode(&actuator); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := catalog.ValidateActuator(actuator); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.PutActuator(actuator); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("actuator created", "actuator_id", actuator.ActuatorID, "lab_id", actuator.LabID, "type", actuator.Type)
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "msg": "actuator created"})
}

func (s *Service) handleListThresholds(w http.ResponseWriter, r *http.Request) {
	th, err := s.store.Thresholds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, th)
}

func (s *Service) handleGetThreshold(w http.ResponseWriter, r *http.Request) {
	labID := catalog.LabID(chi.URLParam(r, "labID"))
	th, err := s.store.Thresholds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resolved, ok := th[labID]
	if !ok {
		resolved = th[""]
	}
	writeJSON(w, http.StatusOK, map[string]any{"lab_id": labID, "thresholds": resolved})
}

func (s *Service) handleUpdateThreshold(w http.ResponseWriter, r *http.Request) {
	labID := catalog.LabID(chi.URLParam(r, "labID"))
	var patch map[string]float64
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	fields, err := catalog.ValidateThresholdPatch(patch)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	th := catalog.Thresholds{
		THigh:       patch["t_high"],
		TLow:        patch["t_low"],
		HHigh:       patch["h_high"],
		HLow:        patch["h_low"],
		OffDelaySec: patch["off_delay_sec"],
		Hysteresis:  patch["hysteresis"],
	}
	if err := s.store.PatchThresholds(labID, th, fields); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	merged, err := s.store.Thresholds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	resolved := merged[labID]
	s.logger.Info("thresholds updated", "lab_id", labID, "patch", patch)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": "thresholds updated", "lab_id": labID, "thresholds": resolved})
}

type commandRequest struct {
	LabID      string `json:"lab_id"`
	ActuatorID string `json:"actuator_id"`
	Action     string `json:"action"`
	Source     string `json:"source"`
}

func (s *Service) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	labID := catalog.LabID(req.LabID)
	actuatorID := catalog.ActuatorID(req.ActuatorID)
	if err := catalog.ValidateCommand(labID, actuatorID, req.Action); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	source := req.Source
	if source == "" {
		source = "manual"
	}

	if err := s.actBr.SendCommand(r.Context(), s.busAdapter, labID, actuatorID, req.Action, source); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	s.logger.Info("manual command dispatched", "lab_id", labID, "actuator_id", actuatorID, "action", req.Action, "source", source)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "msg": "command dispatched"})
}

// handleStatus assembles labs+devices+thresholds from the catalog with
// live readings pulled from the controller's snapshot endpoint.
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	labs, err := s.store.Labs()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	sensors, actuators, err := s.store.Devices()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	thresholds, err := s.store.Thresholds()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	snapshot := s.fetchControllerSnapshot(r.Context())

	type labStatus struct {
		LabID      catalog.LabID      `json:"lab_id"`
		Name       string             `json:"name"`
		Notes      string             `json:"notes,omitempty"`
		Thresholds catalog.Thresholds `json:"thresholds"`
		Sensors    []any              `json:"sensors"`
		Actuators  []any              `json:"actuators"`
		Alerts     any                `json:"alerts,omitempty"`
	}

	out := make([]labStatus, 0, len(labs))
	for _, lab := range labs {
		resolved, ok := thresholds[lab.LabID]
		if !ok {
			resolved = thresholds[""]
		}
		var labSnap map[string]any
		if snapshot != nil {
			if v, ok := snapshot[string(lab.LabID)].(map[string]any); ok {
				labSnap = v
			}
		}

		var sensorEntries []any
		for _, sn := range sensors {
			if sn.LabID != lab.LabID {
				continue
			}
			reading := lookupNested(labSnap, "Sensors", string(sn.SensorID))
			sensorEntries = append(sensorEntries, map[string]any{
				"sensor_id": sn.SensorID, "type": sn.Type, "lab_id": sn.LabID, "reading": reading,
			})
		}

		var actuatorEntries []any
		for _, a := range actuators {
			if a.LabID != lab.LabID {
				continue
			}
			state := lookupNested(labSnap, "Actuators", string(a.ActuatorID))
			actuatorEntries = append(actuatorEntries, map[string]any{
				"actuator_id": a.ActuatorID, "type": a.Type, "lab_id": a.LabID, "state": state,
			})
		}

		var alerts any
		if labSnap != nil {
			alerts = labSnap["Alerts"]
		}

		out = append(out, labStatus{
			LabID: lab.LabID, Name: lab.Name, Notes: lab.Notes,
			Thresholds: resolved, Sensors: sensorEntries, Actuators: actuatorEntries, Alerts: alerts,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"labs": out, "ts": time.Now().Unix()})
}

func lookupNested(labSnap map[string]any, field, key string) any {
	if labSnap == nil {
		return map[string]any{}
	}
	m, ok := labSnap[field].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	v, ok := m[key]
	if !ok {
		return map[string]any{}
	}
	return v
}

func (s *Service) fetchControllerSnapshot(ctx context.Context) map[string]any {
	if s.controllerURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.controllerURL+"/snapshot", nil)
	if err != nil {
		return nil
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("controller snapshot fetch failed", "error", err)
		return nil
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		s.logger.Warn("controller snapshot decode failed", "error", err)
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
