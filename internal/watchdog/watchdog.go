// Package watchdog runs the single periodic task that marks labs with
// stale sensor data as offline. It does not delete data or emit
// commands; it only flips an alert flag State Memory exposes.
package watchdog

import (
	"context"
	"log/slog"
	"time"

	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/metrics"
)

// Watchdog periodically calls Store.RunWatchdogTick.
type Watchdog struct {
	store    *labstate.Store
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Watchdog that will mark a lab offline once
// now-last_sensor_seen exceeds 2*interval.
func New(store *labstate.Store, interval time.Duration, logger *slog.Logger) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run ticks every interval until ctx is cancelled or Stop is called.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watchdog) tick() {
	w.store.RunWatchdogTick(w.interval)
	for _, labID := range w.store.KnownLabs() {
		lab, ok := w.store.GetLab(labID)
		if !ok {
			continue
		}
		value := 0.0
		if lab.Alerts.SensorOffline {
			value = 1.0
			w.logger.Warn("sensor offline", "lab_id", labID, "last_sensor_seen", lab.LastSensorSeen)
		}
		metrics.LabsWatchdogOffline.WithLabelValues(string(labID)).Set(value)
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (w *Watchdog) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}
