// Package rules is the stateless decision function turning a lab's
// live sensor snapshot and thresholds into a set of actuator commands.
// decide has no side effects and no hidden state beyond its
// arguments, so it is trivially testable and safe to call from every
// Control Unit tick without synchronization.
package rules

import (
	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
)

// ActuatorAction is the command action decide() emits.
type ActuatorAction string

const (
	ActionOn  ActuatorAction = "ON"
	ActionOff ActuatorAction = "OFF"
)

// Command is one actuator instruction decide() wants issued.
type Command struct {
	ActuatorID catalog.ActuatorID
	Action     ActuatorAction
}

// latestReading picks the sensor reading with the highest timestamp in
// the lab, preferring its trailing average when available.
func latestReading(lab labstate.LabRuntime) (t, h float64, ts int64, ok bool) {
	if len(lab.Sensors) == 0 {
		return 0, 0, 0, false
	}
	var best labstate.SensorReading
	found := false
	for _, r := range lab.Sensors {
		if !found || r.Ts > best.Ts {
			best = r
			found = true
		}
	}
	return best.AvgT, best.AvgH, best.Ts, true
}

func actuatorState(lab labstate.LabRuntime, id catalog.ActuatorID) (state string, ts int64) {
	a, ok := lab.Actuators[id]
	if !ok {
		return "OFF", 0
	}
	return a.State, a.Ts
}

// Decide returns the commands needed to keep labID's environment
// within thresholds, given its current snapshot and the precomputed
// actuator index for the lab (actuator_type -> [actuator_id]).
//
// If the lab has no sensor readings yet, Decide returns nil: there is
// nothing to act on. Rules are evaluated per actuator type, in the
// fixed order fan, dehumidifier, humidifier, heater. The heater's
// "heat_needed" signal takes priority over the fan's own thresholds,
// forcing any running fan off immediately, bypassing off_delay.
func Decide(labID catalog.LabID, lab labstate.LabRuntime, th catalog.Thresholds, actuators map[catalog.ActuatorType][]catalog.ActuatorID, now int64) []Command {
	t, h, _, ok := latestReading(lab)
	if !ok {
		return nil
	}

	heatNeeded := t < th.TLow
	var cmds []Command

	for _, id := range actuators[catalog.ActuatorFan] {
		state, lastTs := actuatorState(lab, id)
		shouldForceOn := (t > th.THigh || h > th.HHigh) && !heatNeeded
		shouldAllowOff := t < (th.THigh-th.Hysteresis) && h < (th.HHigh-th.Hysteresis)

		switch {
		case heatNeeded && state == "ON":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOff})
		case shouldForceOn && state != "ON":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOn})
		case shouldAllowOff && state == "ON":
			if lastTs != 0 && float64(now-lastTs) >= th.OffDelaySec {
				cmds = append(cmds, Command{ActuatorID: id, Action: ActionOff})
			}
		}
	}

	for _, id := range actuators[catalog.ActuatorDehumidifier] {
		state, _ := actuatorState(lab, id)
		switch {
		case h > th.HHigh && state != "ON":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOn})
		case h < th.HHigh-th.Hysteresis && state != "OFF":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOff})
		}
	}

	for _, id := range actuators[catalog.ActuatorHumidifier] {
		state, _ := actuatorState(lab, id)
		switch {
		case h < th.HLow && state != "ON":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOn})
		case h > th.HLow+th.Hysteresis && state != "OFF":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOff})
		}
	}

	for _, id := range actuators[catalog.ActuatorHeater] {
		state, _ := actuatorState(lab, id)
		switch {
		case t < th.TLow && state != "ON":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOn})
		case t > th.TLow+th.Hysteresis && state != "OFF":
			cmds = append(cmds, Command{ActuatorID: id, Action: ActionOff})
		}
	}

	return cmds
}
