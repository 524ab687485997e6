// Package controlunit runs one periodic evaluator per lab: read a
// State Memory snapshot, ask the rules engine for commands, dispatch
// them through the Actuator Bridge.
package controlunit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/labctl/labctl/internal/bridge"
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/rules"
)

// ActuatorIndexSource supplies the actuators known for a lab at the
// moment a tick runs, so a catalog reload is picked up without
// restarting the unit.
type ActuatorIndexSource interface {
	ActuatorsFor(labID catalog.LabID) map[catalog.ActuatorType][]catalog.ActuatorID
}

// Unit is one lab's control loop.
type Unit struct {
	labID   catalog.LabID
	store   *labstate.Store
	actBus  bridge.Publisher
	actBr   *bridge.ActuatorBridge
	index   ActuatorIndexSource
	loopSec time.Duration
	logger  *slog.Logger

	mu         sync.Mutex
	thresholds catalog.Thresholds

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Unit for labID. It does not start the loop; call Run
// in its own goroutine.
func New(labID catalog.LabID, store *labstate.Store, actBr *bridge.ActuatorBridge, actBus bridge.Publisher, index ActuatorIndexSource, thresholds catalog.Thresholds, loopSec time.Duration, logger *slog.Logger) *Unit {
	if logger == nil {
		logger = slog.Default()
	}
	store.SetThresholds(labID, thresholds)
	return &Unit{
		labID:      labID,
		store:      store,
		actBus:     actBus,
		actBr:      actBr,
		index:      index,
		loopSec:    loopSec,
		logger:     logger.With("lab_id", labID),
		thresholds: thresholds,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Run evaluates the rules engine every loopSec until Stop is called.
// It always terminates within one loopSec of Stop being called.
func (u *Unit) Run(ctx context.Context) {
	defer close(u.doneCh)
	u.logger.Info("control unit started", "loop_sec", u.loopSec.Seconds())

	timer := time.NewTimer(u.loopSec)
	defer timer.Stop()

	for {
		select {
		case <-u.stopCh:
			u.logger.Info("control unit stopped")
			return
		case <-ctx.Done():
			return
		case <-timer.C:
			u.tick(ctx)
			timer.Reset(u.loopSec)
		}
	}
}

func (u *Unit) tick(ctx context.Context) {
	lab, ok := u.store.GetLab(u.labID)
	if !ok {
		return
	}

	u.mu.Lock()
	thresholds := u.thresholds
	u.mu.Unlock()

	actuators := u.index.ActuatorsFor(u.labID)
	cmds := rules.Decide(u.labID, lab, thresholds, actuators, time.Now().Unix())

	for _, cmd := range cmds {
		u.logger.Info("rule decision", "actuator_id", cmd.ActuatorID, "action", cmd.Action)
		if err := u.actBr.SendCommand(ctx, u.actBus, u.labID, cmd.ActuatorID, string(cmd.Action), "rules"); err != nil {
			u.logger.Error("rule command dispatch failed", "actuator_id", cmd.ActuatorID, "error", err)
		}
	}
}

// UpdateThresholds replaces the cached thresholds used by the next
// tick and writes them through to State Memory.
func (u *Unit) UpdateThresholds(th catalog.Thresholds) {
	u.mu.Lock()
	u.thresholds = th
	u.mu.Unlock()
	u.store.SetThresholds(u.labID, th)
}

// Stop signals the loop to exit and blocks until it has, which is
// guaranteed within one loopSec.
func (u *Unit) Stop() {
	select {
	case <-u.stopCh:
	default:
		close(u.stopCh)
	}
	<-u.doneCh
}
