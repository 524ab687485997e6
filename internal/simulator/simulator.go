// Package simulator is a synthetic lab: it publishes plausible
// temperature/humidity sensor readings and echoes actuator commands
// back as device-reported feedback, so the full bus round trip can be
// exercised without physical hardware.
package simulator

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/labctl/labctl/internal/bridge"
	"github.com/labctl/labctl/internal/catalog"
)

const (
	minTemp = 18.0
	maxTemp = 35.0
	minHum  = 20.0
	maxHum  = 90.0
)

type labState struct {
	sensors   []catalog.Sensor
	actuators []catalog.Actuator
	temp      float64
	hum       float64
	state     map[catalog.ActuatorID]string
}

// Simulator drives one synthetic instance of every lab declared in the
// catalog's devices.json. The temp/hum model is crude on purpose:
// linear per-tick deltas, enough to make the rules engine cycle
// actuators, nothing like a thermal simulation.
type Simulator struct {
	catStore   *catalog.Store
	busAdapter bridge.Publisher
	loopSec    time.Duration
	rng        *rand.Rand
	logger     *slog.Logger

	mu   sync.Mutex
	labs map[catalog.LabID]*labState
}

// New builds a Simulator that publishes through bus (typically the
// shared *bus.Adapter) using devices declared in catStore.
func New(catStore *catalog.Store, bus bridge.Publisher, loopSec time.Duration, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		catStore:   catStore,
		busAdapter: bus,
		loopSec:    loopSec,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger,
		labs:       map[catalog.LabID]*labState{},
	}
}

// Start subscribes to actuator commands and performs an initial device
// load, publishing an OFF feedback for every actuator so dashboards
// are never blank on first connect.
func (s *Simulator) Start(ctx context.Context) error {
	s.reloadDevices()

	if err := s.busAdapter.Subscribe(ctx, "labs/+/actuators/+/cmd", s.onCommand); err != nil {
		return err
	}

	now := time.Now().Unix()
	s.mu.Lock()
	snapshot := make(map[catalog.LabID]*labState, len(s.labs))
	for id, lab := range s.labs {
		snapshot[id] = lab
	}
	s.mu.Unlock()

	for labID, lab := range snapshot {
		for _, a := range lab.actuators {
			s.publishActuatorState(ctx, labID, a.ActuatorID, "OFF", now)
		}
	}
	return nil
}

// Run ticks every loopSec (jittered ±1s so labs don't publish in
// lockstep) until ctx is cancelled, reloading the catalog and
// publishing a fresh reading per sensor on each pass.
func (s *Simulator) Run(ctx context.Context) {
	for {
		jitter := time.Duration((s.rng.Float64()*2 - 1) * float64(time.Second))
		wait := s.loopSec + jitter
		if wait < time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.reloadDevices()
		s.tick(ctx)
	}
}

func (s *Simulator) reloadDevices() {
	sensors, actuators, err := s.catStore.Devices()
	if err != nil {
		s.logger.Warn("simulator: reload devices failed", "error", err)
		return
	}

	byLab := map[catalog.LabID]*labState{}
	ensure := func(labID catalog.LabID) *labState {
		lab, ok := byLab[labID]
		if !ok {
			lab = &labState{state: map[catalog.ActuatorID]string{}}
			byLab[labID] = lab
		}
		return lab
	}
	for _, sn := range sensors {
		lab := ensure(sn.LabID)
		lab.sensors = append(lab.sensors, sn)
	}
	for _, a := range actuators {
		lab := ensure(a.LabID)
		lab.actuators = append(lab.actuators, a)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for labID, lab := range byLab {
		if existing, ok := s.labs[labID]; ok {
			lab.temp = existing.temp
			lab.hum = existing.hum
			for aid, st := range existing.state {
				lab.state[aid] = st
			}
		} else {
			lab.temp = 25.0 + s.rng.Float64()*2.0
			lab.hum = 45.0 + s.rng.Float64()*10.0
		}
		for _, a := range lab.actuators {
			if _, ok := lab.state[a.ActuatorID]; !ok {
				lab.state[a.ActuatorID] = "OFF"
			}
		}
	}
	s.labs = byLab
}

func (s *Simulator) onCommand(topic string, payload map[string]any) {
	parts := strings.Split(topic, "/")
	if len(parts) < 5 {
		return
	}
	labID := catalog.LabID(parts[1])
	actuatorID := catalog.ActuatorID(parts[3])

	action := "OFF"
	if a, ok := payload["action"].(string); ok && a != "" {
		action = strings.ToUpper(a)
	}
	ts := int64(time.Now().Unix())
	if v, ok := payload["ts"].(float64); ok {
		ts = int64(v)
	}

	s.mu.Lock()
	lab, ok := s.labs[labID]
	if ok {
		lab.state[actuatorID] = action
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	s.publishActuatorState(context.Background(), labID, actuatorID, action, ts)
	s.logger.Info("simulator actuator command applied", "lab_id", labID, "actuator_id", actuatorID, "action", action)
}

func (s *Simulator) publishActuatorState(ctx context.Context, labID catalog.LabID, actuatorID catalog.ActuatorID, state string, ts int64) {
	topic := "labs/" + string(labID) + "/actuators/" + string(actuatorID) + "/state"
	payload := map[string]any{"state": state, "ts": ts, "actuator_id": actuatorID}
	if err := s.busAdapter.PublishJSON(ctx, topic, payload, true); err != nil {
		s.logger.Warn("simulator: publish actuator state failed", "error", err)
	}
}

func (s *Simulator) tick(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[catalog.LabID]labState, len(s.labs))
	for id, lab := range s.labs {
		states := make(map[catalog.ActuatorID]string, len(lab.state))
		for k, v := range lab.state {
			states[k] = v
		}
		snapshot[id] = labState{
			sensors:   lab.sensors,
			actuators: lab.actuators,
			temp:      lab.temp,
			hum:       lab.hum,
			state:     states,
		}
	}
	s.mu.Unlock()

	now := time.Now().Unix()
	for labID, lab := range snapshot {
		temp, hum := s.applyActuatorEffects(lab)

		// Occasionally push humidity up so the dehumidifier has work to do.
		if s.rng.Float64() < 0.1 {
			hum += 2.0 + s.rng.Float64()*4.0
		}
		temp += (s.rng.Float64()*0.4 - 0.2)
		hum += (s.rng.Float64() - 0.5)
		temp = clamp(temp, minTemp, maxTemp)
		hum = clamp(hum, minHum, maxHum)

		s.mu.Lock()
		if cur, ok := s.labs[labID]; ok {
			cur.temp = temp
			cur.hum = hum
		}
		s.mu.Unlock()

		for _, sn := range lab.sensors {
			t := temp + (s.rng.Float64()*0.6 - 0.3)
			h := hum + (s.rng.Float64()*0.4 - 0.2)
			topic := "labs/" + string(labID) + "/sensors/" + string(sn.SensorID) + "/state"
			payload := map[string]any{"t": round1(t), "h": round1(h), "ts": now, "sensor_id": sn.SensorID}
			if err := s.busAdapter.PublishJSON(ctx, topic, payload, true); err != nil {
				s.logger.Warn("simulator: publish sensor reading failed", "error", err)
				continue
			}
			s.logger.Debug("simulator sensor published", "lab_id", labID, "sensor_id", sn.SensorID, "t", t, "h", h)
		}
	}
}

// applyActuatorEffects nudges temp/hum per the actuator types
// currently ON in lab: a running fan cools and dries, a heater warms,
// a humidifier raises humidity, a dehumidifier lowers it.
func (s *Simulator) applyActuatorEffects(lab labState) (temp, hum float64) {
	temp, hum = lab.temp, lab.hum

	fanOn := false
	for _, a := range lab.actuators {
		if a.Type == catalog.ActuatorFan && lab.state[a.ActuatorID] == "ON" {
			fanOn = true
			break
		}
	}
	if fanOn {
		temp -= 0.3
		hum -= 0.5
	}

	for _, a := range lab.actuators {
		if lab.state[a.ActuatorID] != "ON" {
			continue
		}
		switch a.Type {
		case catalog.ActuatorHeater:
			temp += 0.5
		case catalog.ActuatorHumidifier:
			hum += 1.0
		case catalog.ActuatorDehumidifier:
			hum -= 1.2
		}
	}
	return temp, hum
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
