package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
)

var defaultThresholds = catalog.Thresholds{
	THigh:       28.0,
	TLow:        26.5,
	HHigh:       70.0,
	HLow:        40.0,
	OffDelaySec: 60.0,
	Hysteresis:  2.0,
}

func labWith(t, h float64, ts int64, actuators map[catalog.ActuatorID]labstate.ActuatorState) labstate.LabRuntime {
	return labstate.LabRuntime{
		Sensors: map[catalog.SensorID]labstate.SensorReading{
			"s1": {T: t, H: h, Ts: ts, AvgT: t, AvgH: h},
		},
		Actuators: actuators,
	}
}

func TestDecide_NoSensors_ReturnsNil(t *testing.T) {
	lab := labstate.LabRuntime{Sensors: map[catalog.SensorID]labstate.SensorReading{}}
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan: {"f1"},
	}
	cmds := Decide("lab1", lab, defaultThresholds, idx, 1000)
	assert.Nil(t, cmds)
}

// Scenario 1: heater needed, fan forced off immediately regardless of off_delay.
func TestDecide_HeaterOnFanForcedOff(t *testing.T) {
	lab := labWith(25.0, 75, 1000, map[catalog.ActuatorID]labstate.ActuatorState{
		"f1": {State: "ON", Ts: 900},
		"h1": {State: "OFF", Ts: 0},
	})
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan:    {"f1"},
		catalog.ActuatorHeater: {"h1"},
	}
	cmds := Decide("lab1", lab, defaultThresholds, idx, 1000)
	assert.Equal(t, []Command{
		{ActuatorID: "f1", Action: ActionOff},
		{ActuatorID: "h1", Action: ActionOn},
	}, cmds)
}

// Scenario 2: hysteresis holds both fan and heater in their current states.
func TestDecide_HysteresisHoldsState(t *testing.T) {
	lab := labWith(27.5, 65, 1100, map[catalog.ActuatorID]labstate.ActuatorState{
		"f1": {State: "ON", Ts: 1100},
		"h1": {State: "ON", Ts: 1050},
	})
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan:    {"f1"},
		catalog.ActuatorHeater: {"h1"},
	}
	cmds := Decide("lab1", lab, defaultThresholds, idx, 1100)
	assert.Empty(t, cmds)
}

// Off-delay suppresses a fan OFF that would otherwise fire, when
// heat is not needed and the actuator's last feedback is too recent.
func TestDecide_FanOffSuppressedByOffDelay(t *testing.T) {
	th := defaultThresholds
	th.TLow = 20.0 // keep heat_needed false while still allowing an off condition below
	lab := labWith(25.9, 60, 1200, map[catalog.ActuatorID]labstate.ActuatorState{
		"f1": {State: "ON", Ts: 1199},
	})
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan: {"f1"},
	}
	cmds := Decide("lab1", lab, th, idx, 1200)
	assert.Empty(t, cmds, "fan OFF must wait for off_delay_sec to elapse since last feedback")
}

func TestDecide_FanOffFiresOnceOffDelayElapses(t *testing.T) {
	th := defaultThresholds
	th.TLow = 20.0
	lab := labWith(25.9, 60, 1200, map[catalog.ActuatorID]labstate.ActuatorState{
		"f1": {State: "ON", Ts: 1140},
	})
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan: {"f1"},
	}
	cmds := Decide("lab1", lab, th, idx, 1200)
	assert.Equal(t, []Command{{ActuatorID: "f1", Action: ActionOff}}, cmds)
}

// Scenario 4: dehumidifier cycling with hysteresis, no off-delay.
func TestDecide_DehumidifierCycling(t *testing.T) {
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorDehumidifier: {"d1"},
	}

	on := labWith(25, 72, 1000, map[catalog.ActuatorID]labstate.ActuatorState{"d1": {State: "OFF"}})
	assert.Equal(t, []Command{{ActuatorID: "d1", Action: ActionOn}}, Decide("lab1", on, defaultThresholds, idx, 1000))

	hold := labWith(25, 71, 1010, map[catalog.ActuatorID]labstate.ActuatorState{"d1": {State: "ON"}})
	assert.Empty(t, Decide("lab1", hold, defaultThresholds, idx, 1010))

	off := labWith(25, 67, 1020, map[catalog.ActuatorID]labstate.ActuatorState{"d1": {State: "ON"}})
	assert.Equal(t, []Command{{ActuatorID: "d1", Action: ActionOff}}, Decide("lab1", off, defaultThresholds, idx, 1020))
}

func TestDecide_HumidifierTurnsOnBelowLow(t *testing.T) {
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorHumidifier: {"hu1"},
	}
	lab := labWith(25, 35, 1000, map[catalog.ActuatorID]labstate.ActuatorState{"hu1": {State: "OFF"}})
	assert.Equal(t, []Command{{ActuatorID: "hu1", Action: ActionOn}}, Decide("lab1", lab, defaultThresholds, idx, 1000))
}

func TestDecide_IsPure(t *testing.T) {
	lab := labWith(25.0, 75, 1000, map[catalog.ActuatorID]labstate.ActuatorState{
		"f1": {State: "ON", Ts: 900},
	})
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorFan: {"f1"},
	}
	first := Decide("lab1", lab, defaultThresholds, idx, 1000)
	second := Decide("lab1", lab, defaultThresholds, idx, 1000)
	assert.Equal(t, first, second)
}

func TestDecide_NoCommandWhenAlreadyInTargetState(t *testing.T) {
	idx := map[catalog.ActuatorType][]catalog.ActuatorID{
		catalog.ActuatorHeater: {"h1"},
	}
	lab := labWith(30.0, 50, 1000, map[catalog.ActuatorID]labstate.ActuatorState{"h1": {State: "OFF"}})
	assert.Empty(t, Decide("lab1", lab, defaultThresholds, idx, 1000))
}
