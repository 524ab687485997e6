package catalog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Snapshot is the reconciled view of the catalog the Catalog Watcher
// hands to its ReconcileFunc on every poll tick or file-change event.
type Snapshot struct {
	Labs       []Lab
	Thresholds map[LabID]Thresholds
	Actuators  ActuatorIndex
}

// ReconcileFunc is invoked with a fresh Snapshot every refresh
// interval (and, best-effort, shortly after a catalog file changes).
type ReconcileFunc func(ctx context.Context, snap Snapshot)

// Watcher polls a Store on a fixed interval and additionally watches
// the catalog directory with fsnotify so a write is picked up faster
// than the next poll tick. The poll remains the source of truth: if
// the fsnotify watch fails to start (e.g. the inotify watch limit is
// exhausted), the watcher logs once and falls back to poll-only.
type Watcher struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
	reload   ReconcileFunc

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher builds a Watcher over store, refreshing every interval.
func NewWatcher(store *Store, interval time.Duration, logger *slog.Logger, reload ReconcileFunc) *Watcher {
	return &Watcher{
		store:    store,
		interval: interval,
		logger:   logger,
		reload:   reload,
	}
}

// Start begins the poll loop and, best-effort, an fsnotify watch on
// the catalog directory. It returns once the first reconciliation has
// run so callers observe a populated Manager before Start returns.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.refresh(ctx)

	notify := w.startFsnotify(ctx)

	w.wg.Add(1)
	go w.loop(ctx, notify)
}

// Stop signals the watcher to exit and waits for it to do so.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context, notify <-chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.refresh(ctx)
		case <-notify:
			w.refresh(ctx)
		}
	}
}

func (w *Watcher) refresh(ctx context.Context) {
	labs, err := w.store.Labs()
	if err != nil {
		w.logger.Error("catalog watcher: load labs", "error", err)
		return
	}
	thresholds, err := w.store.Thresholds()
	if err != nil {
		w.logger.Error("catalog watcher: load thresholds", "error", err)
		return
	}
	actuators, err := w.store.ActuatorIndex()
	if err != nil {
		w.logger.Error("catalog watcher: load actuator index", "error", err)
		return
	}
	w.reload(ctx, Snapshot{Labs: labs, Thresholds: thresholds, Actuators: actuators})
}

// startFsnotify returns a channel that receives a (possibly coalesced)
// signal whenever a catalog file changes. If fsnotify cannot start it
// returns nil: the select in loop never fires on a nil channel, and
// the poll ticker carries the watcher on its own.
func (w *Watcher) startFsnotify(ctx context.Context) <-chan struct{} {
	signal := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("catalog watcher: fsnotify unavailable, falling back to poll-only", "error", err)
		return nil
	}
	if err := watcher.Add(w.store.dir); err != nil {
		w.logger.Warn("catalog watcher: fsnotify add failed, falling back to poll-only", "error", err)
		watcher.Close()
		return nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer watcher.Close()
		for {
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case _, ok := <-watcher.Events:
				if !ok {
					return
				}
				select {
				case signal <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("catalog watcher: fsnotify error", "error", err)
			}
		}
	}()

	return signal
}
