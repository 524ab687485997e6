package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
)

func TestWatchdog_FlagsStaleLabAfterTick(t *testing.T) {
	store := labstate.NewStore()
	store.InitLabs([]catalog.LabID{"lab1"})
	store.UpdateSensor("lab1", "s1", 20, 50, time.Now().Unix()-65)

	wd := New(store, 30*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		lab, ok := store.GetLab("lab1")
		if ok && lab.Alerts.SensorOffline {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	lab, _ := store.GetLab("lab1")
	if !lab.Alerts.SensorOffline {
		t.Fatal("expected lab1 to be flagged offline")
	}

	wd.Stop()
	<-done
}

func TestWatchdog_StopTerminates(t *testing.T) {
	store := labstate.NewStore()
	wd := New(store, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		wd.Run(ctx)
		close(done)
	}()

	wd.Stop()
	<-done
}
