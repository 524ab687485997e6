// Package manager is the process-wide Controller Manager: it owns the
// bus connection, wires the bridges, and spawns/stops one Control
// Unit per lab as the catalog changes.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labctl/labctl/internal/bridge"
	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/controlunit"
	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/ledger"
	"github.com/labctl/labctl/internal/metrics"
	"github.com/labctl/labctl/internal/watchdog"
)

// Manager is the Controller Manager. It must be constructed with New
// and started exactly once with Start before any other method except
// Stop is called; calling ensure-lab-style methods before Start is a
// programmer error and panics, matching the core's contract that only
// that path is allowed to escape to the process boundary.
type Manager struct {
	busAdapter *bus.Adapter
	store      *labstate.Store
	catStore   *catalog.Store
	sensorBr   *bridge.SensorBridge
	actBr      *bridge.ActuatorBridge
	ledger     *ledger.Ledger
	loopSec    time.Duration
	logger     *slog.Logger

	index atomic.Pointer[catalog.ActuatorIndex]

	mu      sync.Mutex
	units   map[catalog.LabID]*controlunit.Unit
	cancels map[catalog.LabID]context.CancelFunc
	started bool

	watcher  *catalog.Watcher
	watchdog *watchdog.Watchdog
}

// Config collects the pieces New needs to wire a Manager.
type Config struct {
	Bus              bus.Config
	CatalogDir       string
	Ledger           *ledger.Ledger // optional; nil disables audit recording
	ControlLoopSec   time.Duration
	CatalogRefresh   time.Duration
	WatchdogInterval time.Duration
	Logger           *slog.Logger
}

// New constructs a Manager and its collaborators but does not start
// anything; call Start.
func New(cfg Config) (*Manager, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catStore, err := catalog.NewStore(cfg.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("manager: catalog store: %w", err)
	}

	store := labstate.NewStore()
	busAdapter := bus.New(cfg.Bus, logger)

	m := &Manager{
		busAdapter: busAdapter,
		store:      store,
		catStore:   catStore,
		sensorBr:   bridge.NewSensorBridge(store, logger),
		actBr:      bridge.NewActuatorBridge(store, logger),
		ledger:     cfg.Ledger,
		loopSec:    cfg.ControlLoopSec,
		logger:     logger,
		units:      map[catalog.LabID]*controlunit.Unit{},
		cancels:    map[catalog.LabID]context.CancelFunc{},
	}
	m.index.Store(&catalog.ActuatorIndex{})
	m.watchdog = watchdog.New(store, cfg.WatchdogInterval, logger)
	m.watcher = catalog.NewWatcher(catStore, cfg.CatalogRefresh, logger, m.reconcile)

	return m, nil
}

// ActuatorsFor implements controlunit.ActuatorIndexSource.
func (m *Manager) ActuatorsFor(labID catalog.LabID) map[catalog.ActuatorType][]catalog.ActuatorID {
	idx := *m.index.Load()
	return idx[labID]
}

// Start connects the bus, wires the bridges, starts the watchdog, and
// starts the Catalog Watcher (which performs the first reconciliation
// synchronously, spawning the initial set of Control Units before
// returning). Calling Start twice is an idempotent no-op.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info("controller manager starting")
	if err := m.busAdapter.Connect(ctx); err != nil {
		return fmt.Errorf("manager: bus connect: %w", err)
	}
	if err := m.sensorBr.Wire(ctx, m.busAdapter); err != nil {
		return fmt.Errorf("manager: wire sensor bridge: %w", err)
	}
	if err := m.actBr.Wire(ctx, m.busAdapter); err != nil {
		return fmt.Errorf("manager: wire actuator bridge: %w", err)
	}

	go m.watchdog.Run(ctx)

	m.watcher.Start(ctx)
	m.logger.Info("controller manager started")
	return nil
}

// reconcile is the Catalog Watcher's ReconcileFunc: it ensures a
// Control Unit exists for every wanted lab, removes units for labs no
// longer in the catalog, refreshes thresholds for running units, and
// swaps in the latest actuator index.
func (m *Manager) reconcile(ctx context.Context, snap catalog.Snapshot) {
	wanted := make(map[catalog.LabID]bool, len(snap.Labs))
	for _, lab := range snap.Labs {
		wanted[lab.LabID] = true
	}

	index := snap.Actuators
	m.index.Store(&index)

	for labID := range wanted {
		m.ensureLab(ctx, labID, resolveThresholds(labID, snap.Thresholds))
	}

	m.mu.Lock()
	var toRemove []catalog.LabID
	for labID := range m.units {
		if !wanted[labID] {
			toRemove = append(toRemove, labID)
		}
	}
	m.mu.Unlock()

	for _, labID := range toRemove {
		m.RemoveLab(labID)
	}

	for labID := range wanted {
		m.UpdateThresholds(labID, resolveThresholds(labID, snap.Thresholds))
	}

	metrics.ControlUnitsRunning.Set(float64(len(wanted)))
}

func resolveThresholds(labID catalog.LabID, byLab map[catalog.LabID]catalog.Thresholds) catalog.Thresholds {
	if th, ok := byLab[labID]; ok {
		return th
	}
	if th, ok := byLab[""]; ok {
		return th
	}
	return catalog.DefaultThresholds
}

// EnsureLab creates a Control Unit for labID if one is not already
// running, otherwise updates its thresholds. Calling before Start
// panics: this mirrors the one documented programmer error the core
// is allowed to raise to the process boundary.
func (m *Manager) EnsureLab(ctx context.Context, labID catalog.LabID, thresholds catalog.Thresholds) {
	m.mustBeStarted()
	m.ensureLab(ctx, labID, thresholds)
}

func (m *Manager) ensureLab(ctx context.Context, labID catalog.LabID, thresholds catalog.Thresholds) {
	m.mu.Lock()
	if _, exists := m.units[labID]; exists {
		m.mu.Unlock()
		m.UpdateThresholds(labID, thresholds)
		return
	}
	m.mu.Unlock()

	m.store.InitLabs([]catalog.LabID{labID})
	m.store.SetThresholds(labID, thresholds)

	unitCtx, cancel := context.WithCancel(ctx)
	unit := controlunit.New(labID, m.store, m.actBr, m.busAdapter, m, thresholds, m.loopSec, m.logger)

	m.mu.Lock()
	m.units[labID] = unit
	m.cancels[labID] = cancel
	m.mu.Unlock()

	go unit.Run(unitCtx)
	m.logger.Info("control unit launched", "lab_id", labID)
}

// RemoveLab stops and drops labID's Control Unit, if any.
func (m *Manager) RemoveLab(labID catalog.LabID) {
	m.mu.Lock()
	unit, ok := m.units[labID]
	cancel := m.cancels[labID]
	delete(m.units, labID)
	delete(m.cancels, labID)
	m.mu.Unlock()

	if !ok {
		return
	}
	unit.Stop()
	if cancel != nil {
		cancel()
	}
	m.store.RemoveLab(labID)
	m.logger.Info("control unit removed", "lab_id", labID)
}

// UpdateThresholds atomically updates a running unit's cached
// thresholds and State Memory's copy.
func (m *Manager) UpdateThresholds(labID catalog.LabID, thresholds catalog.Thresholds) {
	m.mu.Lock()
	unit, ok := m.units[labID]
	m.mu.Unlock()
	if ok {
		unit.UpdateThresholds(thresholds)
		return
	}
	m.store.SetThresholds(labID, thresholds)
}

// ReloadDevices refreshes the actuator index from the catalog store
// without waiting for the next Catalog Watcher tick.
func (m *Manager) ReloadDevices() error {
	idx, err := m.catStore.ActuatorIndex()
	if err != nil {
		return err
	}
	m.index.Store(&idx)
	return nil
}

// SendCommand is the controller's manual dispatch path: it publishes a
// command through the Actuator Bridge and, if a ledger is configured,
// records it for audit. The registry collaborator does not call it; it
// publishes manual commands on its own bus connection.
func (m *Manager) SendCommand(ctx context.Context, labID catalog.LabID, actuatorID catalog.ActuatorID, action, source string) error {
	if err := m.actBr.SendCommand(ctx, m.busAdapter, labID, actuatorID, action, source); err != nil {
		return err
	}
	if m.ledger != nil {
		if err := m.ledger.Append(labID, actuatorID, action, source); err != nil {
			m.logger.Warn("ledger append failed", "error", err)
		}
	}
	return nil
}

// Snapshot returns the State Memory snapshot used by the controller's
// /snapshot endpoint.
func (m *Manager) Snapshot() map[catalog.LabID]labstate.LabRuntime {
	return m.store.GetSnapshot()
}

// Stop stops all Control Units, the watchdog, the Catalog Watcher,
// and disconnects the bus. Each unit is given up to 1s to terminate.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	labs := make([]catalog.LabID, 0, len(m.units))
	for labID := range m.units {
		labs = append(labs, labID)
	}
	m.mu.Unlock()

	for _, labID := range labs {
		done := make(chan struct{})
		go func() {
			m.RemoveLab(labID)
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(time.Second):
			m.logger.Warn("control unit stop timed out", "lab_id", labID)
		}
	}

	m.watcher.Stop()
	m.watchdog.Stop()

	if err := m.busAdapter.Disconnect(ctx); err != nil {
		m.logger.Warn("bus disconnect error", "error", err)
	}

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()
	m.logger.Info("controller manager stopped")
}

func (m *Manager) mustBeStarted() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		panic("manager: EnsureLab called before Start")
	}
}
