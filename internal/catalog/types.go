// Package catalog reads and writes the JSON catalog files that declare
// labs, sensors, actuators, and thresholds, and watches them for changes.
package catalog

import "regexp"

// LabID, SensorID, and ActuatorID are snake_case identifiers, unique
// within their kind.
type LabID string
type SensorID string
type ActuatorID string

// SensorType classifies what a sensor measures.
type SensorType string

const (
	SensorTemp  SensorType = "temp"
	SensorHum   SensorType = "hum"
	SensorOther SensorType = "other"
)

// ActuatorType classifies what an actuator controls.
type ActuatorType string

const (
	ActuatorFan          ActuatorType = "fan"
	ActuatorHumidifier   ActuatorType = "humidifier"
	ActuatorDehumidifier ActuatorType = "dehumidifier"
	ActuatorHeater       ActuatorType = "heater"
)

// ValidActuatorTypes lists the actuator types the rules engine knows
// how to drive, in the priority order decide() evaluates them.
var ValidActuatorTypes = []ActuatorType{ActuatorFan, ActuatorDehumidifier, ActuatorHumidifier, ActuatorHeater}

func (t ActuatorType) Valid() bool {
	switch t {
	case ActuatorFan, ActuatorHumidifier, ActuatorDehumidifier, ActuatorHeater:
		return true
	default:
		return false
	}
}

var idPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidID reports whether s is a legal lab/sensor/actuator identifier.
func ValidID(s string) bool {
	return s != "" && idPattern.MatchString(s)
}

// Lab is a physical room with sensors and actuators.
type Lab struct {
	LabID LabID  `json:"lab_id"`
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// Sensor declares a sensor belonging to a lab.
type Sensor struct {
	SensorID SensorID   `json:"sensor_id"`
	LabID    LabID      `json:"lab_id"`
	Type     SensorType `json:"type"`
}

// Actuator declares an actuator belonging to a lab.
type Actuator struct {
	ActuatorID ActuatorID   `json:"actuator_id"`
	LabID      LabID        `json:"lab_id"`
	Type       ActuatorType `json:"type"`
}

// Thresholds holds the environmental control setpoints for a lab.
type Thresholds struct {
	THigh       float64 `json:"t_high"`
	TLow        float64 `json:"t_low"`
	HHigh       float64 `json:"h_high"`
	HLow        float64 `json:"h_low"`
	OffDelaySec float64 `json:"off_delay_sec"`
	Hysteresis  float64 `json:"hysteresis"`
}

// DefaultThresholds mirrors the defaults documented for the control
// system: comfortable room temperature/humidity with a minute of
// anti-chatter on fan shutoff.
var DefaultThresholds = Thresholds{
	THigh:       28.0,
	TLow:        26.5,
	HHigh:       70.0,
	HLow:        40.0,
	OffDelaySec: 60.0,
	Hysteresis:  2.0,
}

// labsFile is the on-disk shape of labs.json.
type labsFile struct {
	LastUpdate string `json:"last_update,omitempty"`
	Labs       []Lab  `json:"labs"`
}

// devicesFile is the on-disk shape of devices.json.
type devicesFile struct {
	LastUpdate string     `json:"last_update,omitempty"`
	Sensors    []Sensor   `json:"sensors"`
	Actuators  []Actuator `json:"actuators"`
}

// thresholdsFile is the on-disk shape of thresholds.json.
type thresholdsFile struct {
	LastUpdate string               `json:"last_update,omitempty"`
	Default    *Thresholds          `json:"default,omitempty"`
	PerLab     map[LabID]Thresholds `json:"per_lab,omitempty"`
}

// ActuatorIndex maps lab_id -> actuator_type -> [actuator_id], used by
// the rules engine to find which actuators it may command for a lab.
type ActuatorIndex map[LabID]map[ActuatorType][]ActuatorID
