package controlunit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/labctl/labctl/internal/bridge"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
)

type fakeBus struct {
	mu        sync.Mutex
	published []struct {
		topic   string
		payload any
	}
}

func (f *fakeBus) Subscribe(ctx context.Context, pattern string, cb func(topic string, payload map[string]any)) error {
	return nil
}

func (f *fakeBus) PublishJSON(ctx context.Context, topic string, obj any, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, struct {
		topic   string
		payload any
	}{topic, obj})
	return nil
}

func (f *fakeBus) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeIndex struct {
	actuators map[catalog.ActuatorType][]catalog.ActuatorID
}

func (f fakeIndex) ActuatorsFor(labID catalog.LabID) map[catalog.ActuatorType][]catalog.ActuatorID {
	return f.actuators
}

func TestUnit_TicksAndDispatchesCommands(t *testing.T) {
	store := labstate.NewStore()
	store.UpdateSensor("lab1", "s1", 25.0, 75, time.Now().Unix())
	store.UpdateActuatorState("lab1", "f1", "ON", time.Now().Unix()-100)

	bus := &fakeBus{}
	actBr := bridge.NewActuatorBridge(store, nil)
	index := fakeIndex{actuators: map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan: {"f1"},
	}}

	th := catalog.Thresholds{THigh: 28, TLow: 26.5, HHigh: 70, HLow: 40, OffDelaySec: 60, Hysteresis: 2}
	unit := New("lab1", store, actBr, bus, index, th, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		unit.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for bus.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.count() == 0 {
		t.Fatal("expected at least one command to be published")
	}

	unit.Stop()
	cancel()
	<-done
}

func TestUnit_StopTerminatesWithinOneLoop(t *testing.T) {
	store := labstate.NewStore()
	bus := &fakeBus{}
	actBr := bridge.NewActuatorBridge(store, nil)
	index := fakeIndex{}
	th := catalog.DefaultThresholds

	unit := New("lab1", store, actBr, bus, index, th, 50*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		unit.Run(ctx)
		close(done)
	}()

	start := time.Now()
	unit.Stop()
	elapsed := time.Since(start)

	if elapsed > 200*time.Millisecond {
		t.Errorf("Stop took %v, want within ~1 loop interval", elapsed)
	}
	<-done
}

func TestUnit_UpdateThresholdsWritesThrough(t *testing.T) {
	store := labstate.NewStore()
	bus := &fakeBus{}
	actBr := bridge.NewActuatorBridge(store, nil)
	index := fakeIndex{}

	unit := New("lab1", store, actBr, bus, index, catalog.DefaultThresholds, time.Hour, nil)
	newTh := catalog.Thresholds{THigh: 99}
	unit.UpdateThresholds(newTh)

	lab, ok := store.GetLab("lab1")
	if !ok {
		t.Fatal("expected lab to exist")
	}
	if lab.Thresholds.THigh != 99 {
		t.Errorf("thresholds not written through: got %+v", lab.Thresholds)
	}
}
