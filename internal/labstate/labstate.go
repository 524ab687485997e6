// Package labstate is the thread-safe, in-process truth of the most
// recent sensor readings, actuator feedback, thresholds, and staleness
// flags for every lab. It owns LabRuntime instances exclusively; every
// other component only ever sees deep copies returned from its API.
package labstate

import (
	"sync"
	"time"

	"github.com/labctl/labctl/internal/catalog"
)

// SensorReading is the latest (t, h, ts) reported by a sensor, plus a
// trailing average over the last up-to-3 samples.
type SensorReading struct {
	T     float64
	H     float64
	Ts    int64
	AvgT  float64
	AvgH  float64
}

// ActuatorState is the latest device-reported ON/OFF feedback for an
// actuator. It is updated only from the .../state topic, never from a
// command the core itself publishes.
type ActuatorState struct {
	State string
	Ts    int64
}

// Alerts holds derived health flags for a lab.
type Alerts struct {
	SensorOffline bool
}

// LabRuntime is the complete live view of one lab.
type LabRuntime struct {
	Sensors        map[catalog.SensorID]SensorReading
	Actuators      map[catalog.ActuatorID]ActuatorState
	LastSensorSeen int64
	Alerts         Alerts
	Thresholds     catalog.Thresholds
}

func newRuntime() *LabRuntime {
	return &LabRuntime{
		Sensors:   map[catalog.SensorID]SensorReading{},
		Actuators: map[catalog.ActuatorID]ActuatorState{},
	}
}

func (r *LabRuntime) clone() LabRuntime {
	out := LabRuntime{
		Sensors:        make(map[catalog.SensorID]SensorReading, len(r.Sensors)),
		Actuators:      make(map[catalog.ActuatorID]ActuatorState, len(r.Actuators)),
		LastSensorSeen: r.LastSensorSeen,
		Alerts:         r.Alerts,
		Thresholds:     r.Thresholds,
	}
	for id, v := range r.Sensors {
		out.Sensors[id] = v
	}
	for id, v := range r.Actuators {
		out.Actuators[id] = v
	}
	return out
}

const readingWindow = 3

// Store is the coarse-locked in-memory truth for all labs. A single
// mutex protects the entire store; critical sections are O(entities
// in a lab) and never perform I/O, so lock contention stays negligible
// at the scale this system targets (tens of labs, not thousands).
type Store struct {
	mu      sync.Mutex
	labs    map[catalog.LabID]*LabRuntime
	history map[catalog.LabID]map[catalog.SensorID][][2]float64
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		labs:    map[catalog.LabID]*LabRuntime{},
		history: map[catalog.LabID]map[catalog.SensorID][][2]float64{},
	}
}

// InitLabs idempotently ensures a runtime entry exists for each lab ID.
func (s *Store) InitLabs(ids []catalog.LabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLabsLocked(ids)
}

func (s *Store) initLabsLocked(ids []catalog.LabID) {
	for _, id := range ids {
		if _, ok := s.labs[id]; !ok {
			s.labs[id] = newRuntime()
		}
	}
}

// SetThresholds replaces a lab's thresholds atomically.
func (s *Store) SetThresholds(labID catalog.LabID, th catalog.Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLabsLocked([]catalog.LabID{labID})
	s.labs[labID].Thresholds = th
}

// UpdateSensor records a new (t, h, ts) sample for sensorID in labID,
// auto-creating the lab's runtime entry if it is not yet known, since
// a sensor may be newer than the catalog. It maintains a trailing
// window of the last up-to-3 samples and recomputes avg_t/avg_h from
// it, updates last_sensor_seen, and clears the sensor_offline alert.
func (s *Store) UpdateSensor(labID catalog.LabID, sensorID catalog.SensorID, t, h float64, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initLabsLocked([]catalog.LabID{labID})
	lab := s.labs[labID]

	byLab, ok := s.history[labID]
	if !ok {
		byLab = map[catalog.SensorID][][2]float64{}
		s.history[labID] = byLab
	}
	hist := append(byLab[sensorID], [2]float64{t, h})
	if len(hist) > readingWindow {
		hist = hist[len(hist)-readingWindow:]
	}
	byLab[sensorID] = hist

	var sumT, sumH float64
	for _, sample := range hist {
		sumT += sample[0]
		sumH += sample[1]
	}
	n := float64(len(hist))

	lab.Sensors[sensorID] = SensorReading{
		T:    t,
		H:    h,
		Ts:   ts,
		AvgT: sumT / n,
		AvgH: sumH / n,
	}
	lab.LastSensorSeen = ts
	lab.Alerts.SensorOffline = false
}

// UpdateActuatorState upserts device-reported feedback for an
// actuator, auto-creating the lab's runtime entry if needed.
func (s *Store) UpdateActuatorState(labID catalog.LabID, actuatorID catalog.ActuatorID, state string, ts int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initLabsLocked([]catalog.LabID{labID})
	s.labs[labID].Actuators[actuatorID] = ActuatorState{State: state, Ts: ts}
}

// GetLab returns a deep copy of a lab's runtime, including thresholds.
// The zero value (ok=false) is returned if the lab is unknown.
func (s *Store) GetLab(labID catalog.LabID) (LabRuntime, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lab, ok := s.labs[labID]
	if !ok {
		return LabRuntime{}, false
	}
	return lab.clone(), true
}

// GetSnapshot returns a deep copy of every lab's runtime.
func (s *Store) GetSnapshot() map[catalog.LabID]LabRuntime {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[catalog.LabID]LabRuntime, len(s.labs))
	for id, lab := range s.labs {
		out[id] = lab.clone()
	}
	return out
}

// Stale reports whether labID's last sensor reading is older than
// maxAge. An unknown lab is considered stale.
func (s *Store) Stale(labID catalog.LabID, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	lab, ok := s.labs[labID]
	if !ok {
		return true
	}
	age := time.Now().Unix() - lab.LastSensorSeen
	return age > int64(maxAge.Seconds())
}

// RunWatchdogTick flips alerts.sensor_offline for every known lab
// based on now - last_sensor_seen > 2*interval. It performs one pass;
// callers (internal/watchdog) own the periodic scheduling.
func (s *Store) RunWatchdogTick(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	threshold := int64(2 * interval.Seconds())
	for _, lab := range s.labs {
		offline := (now - lab.LastSensorSeen) > threshold
		lab.Alerts.SensorOffline = offline
	}
}

// RemoveLab drops a lab's runtime and history entirely. Used when the
// Catalog Watcher observes the lab has been removed from the catalog.
func (s *Store) RemoveLab(labID catalog.LabID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.labs, labID)
	delete(s.history, labID)
}

// KnownLabs returns the lab IDs currently tracked, for reconciliation.
func (s *Store) KnownLabs() []catalog.LabID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]catalog.LabID, 0, len(s.labs))
	for id := range s.labs {
		out = append(out, id)
	}
	return out
}
