package manager

import (
	"context"
	"testing"
	"time"

	"github.com/labctl/labctl/internal/bus"
	"github.com/labctl/labctl/internal/catalog"
)

// newTestManager builds a Manager whose bus points at a broker address
// that is never actually dialed synchronously: autopaho connects (and
// reconnects) in the background and Connect never blocks on the
// handshake, so Start is safe to call without a reachable broker.
func newTestManager(t *testing.T, dir string) *Manager {
	t.Helper()
	m, err := New(Config{
		Bus:              bus.Config{Host: "127.0.0.1", Port: 1883, Keepalive: 30},
		CatalogDir:       dir,
		ControlLoopSec:   20 * time.Millisecond,
		CatalogRefresh:   20 * time.Millisecond,
		WatchdogInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestManager_StartSpawnsUnitPerCatalogLab(t *testing.T) {
	dir := t.TempDir()
	seedCatalog(t, dir)

	m := newTestManager(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.units["lab1"]
		return ok
	})
}

func TestManager_StartTwiceIsNoOp(t *testing.T) {
	dir := t.TempDir()
	seedCatalog(t, dir)

	m := newTestManager(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	if err := m.Start(ctx); err != nil {
		t.Fatalf("second Start returned error: %v", err)
	}
}

func TestManager_RemoveLabDropsUnitAndState(t *testing.T) {
	dir := t.TempDir()
	seedCatalog(t, dir)

	m := newTestManager(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop(context.Background())

	waitFor(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		_, ok := m.units["lab1"]
		return ok
	})

	m.RemoveLab("lab1")

	m.mu.Lock()
	_, stillThere := m.units["lab1"]
	m.mu.Unlock()
	if stillThere {
		t.Fatal("expected lab1's unit to be removed")
	}
	if _, ok := m.store.GetLab("lab1"); ok {
		t.Fatal("expected lab1's state memory entry to be dropped")
	}
}

func TestManager_EnsureLabBeforeStartPanics(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t, dir)

	defer func() {
		if recover() == nil {
			t.Fatal("expected EnsureLab before Start to panic")
		}
	}()
	m.EnsureLab(context.Background(), "lab1", catalog.DefaultThresholds)
}

func seedCatalog(t *testing.T, dir string) {
	t.Helper()
	store, err := catalog.NewStore(dir)
	if err != nil {
		t.Fatalf("catalog.NewStore: %v", err)
	}
	if err := store.PutLab(catalog.Lab{LabID: "lab1", Name: "Lab One"}); err != nil {
		t.Fatalf("PutLab: %v", err)
	}
	if err := store.PutActuator(catalog.Actuator{ActuatorID: "f1", LabID: "lab1", Type: catalog.ActuatorFan}); err != nil {
		t.Fatalf("PutActuator: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
