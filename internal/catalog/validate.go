package catalog

import (
	"fmt"
	"strings"
)

// ValidateLab checks a Lab payload the way the registry collaborator
// accepts one over the wire: required fields present, lab_id snake_case.
func ValidateLab(l Lab) error {
	var missing []string
	if l.LabID == "" {
		missing = append(missing, "lab_id")
	}
	if l.Name == "" {
		missing = append(missing, "name")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if !ValidID(string(l.LabID)) {
		return fmt.Errorf("lab_id must be snake_case (e.g., lab1, lab_chem)")
	}
	return nil
}

// ValidateSensor checks a Sensor payload.
func ValidateSensor(s Sensor) error {
	var missing []string
	if s.SensorID == "" {
		missing = append(missing, "sensor_id")
	}
	if s.LabID == "" {
		missing = append(missing, "lab_id")
	}
	if s.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if !ValidID(string(s.SensorID)) {
		return fmt.Errorf("sensor_id must be snake_case (e.g., lab1_temp_1)")
	}
	if !ValidID(string(s.LabID)) {
		return fmt.Errorf("lab_id must be snake_case")
	}
	return nil
}

// ValidateActuator checks an Actuator payload.
func ValidateActuator(a Actuator) error {
	var missing []string
	if a.ActuatorID == "" {
		missing = append(missing, "actuator_id")
	}
	if a.LabID == "" {
		missing = append(missing, "lab_id")
	}
	if a.Type == "" {
		missing = append(missing, "type")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	if !ValidID(string(a.ActuatorID)) {
		return fmt.Errorf("actuator_id must be snake_case (e.g., lab1_fan_1)")
	}
	if !ValidID(string(a.LabID)) {
		return fmt.Errorf("lab_id must be snake_case")
	}
	if !a.Type.Valid() {
		return fmt.Errorf("type must be 'fan', 'humidifier', 'dehumidifier', or 'heater'")
	}
	return nil
}

// ValidThresholdFields lists the patch keys the registry's partial
// threshold update endpoint (PUT /threshold/{lab_id}) accepts.
var ValidThresholdFields = map[string]bool{
	"t_high":        true,
	"t_low":         true,
	"h_high":        true,
	"h_low":         true,
	"off_delay_sec": true,
	"hysteresis":    true,
}

// ValidateThresholdPatch checks that a raw patch map only names known
// numeric fields, returning the set of field names actually present.
func ValidateThresholdPatch(patch map[string]float64) (map[string]bool, error) {
	fields := make(map[string]bool, len(patch))
	for k := range patch {
		if !ValidThresholdFields[k] {
			return nil, fmt.Errorf("unknown field: %s", k)
		}
		fields[k] = true
	}
	return fields, nil
}

// ValidateCommand checks a manual-dispatch command payload.
func ValidateCommand(labID LabID, actuatorID ActuatorID, action string) error {
	if !ValidID(string(labID)) {
		return fmt.Errorf("lab_id must be snake_case")
	}
	if !ValidID(string(actuatorID)) {
		return fmt.Errorf("actuator_id must be snake_case")
	}
	switch strings.ToUpper(action) {
	case "ON", "OFF":
		return nil
	default:
		return fmt.Errorf("action must be either 'ON' or 'OFF'")
	}
}
