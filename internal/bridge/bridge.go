// Package bridge maps bus topics to State Memory updates and back:
// the Sensor Bridge ingests sensor state, the Actuator Bridge ingests
// actuator feedback and emits outbound commands.
package bridge

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/labctl/labctl/internal/catalog"
	"github.com/labctl/labctl/internal/labstate"
	"github.com/labctl/labctl/internal/metrics"
)

// Publisher is the subset of the bus adapter the bridges need. It is
// an interface so tests can exercise bridge logic without a broker.
type Publisher interface {
	Subscribe(ctx context.Context, pattern string, cb func(topic string, payload map[string]any)) error
	PublishJSON(ctx context.Context, topic string, obj any, retain bool) error
}

var sensorTopicRe = regexp.MustCompile(`^labs/([^/]+)/sensors/([^/]+)/state$`)
var actuatorStateTopicRe = regexp.MustCompile(`^labs/([^/]+)/actuators/([^/]+)/state$`)

// SensorBridge subscribes to labs/+/sensors/+/state and forwards
// decoded readings into State Memory.
type SensorBridge struct {
	store  *labstate.Store
	logger *slog.Logger
}

// NewSensorBridge returns a SensorBridge writing into store.
func NewSensorBridge(store *labstate.Store, logger *slog.Logger) *SensorBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &SensorBridge{store: store, logger: logger}
}

// Wire subscribes the bridge to the bus.
func (b *SensorBridge) Wire(ctx context.Context, bus Publisher) error {
	return bus.Subscribe(ctx, "labs/+/sensors/+/state", b.onMessage)
}

func (b *SensorBridge) onMessage(topic string, payload map[string]any) {
	m := sensorTopicRe.FindStringSubmatch(topic)
	if m == nil {
		return
	}
	labID, sensorID := catalog.LabID(m[1]), catalog.SensorID(m[2])

	t := numberField(payload, "t")
	h := numberField(payload, "h")
	ts := tsField(payload)

	b.store.UpdateSensor(labID, sensorID, t, h, ts)
	b.logger.Debug("sensor update", "lab_id", labID, "sensor_id", sensorID, "t", t, "h", h, "ts", ts)
}

// ActuatorBridge subscribes to labs/+/actuators/+/state for
// device-reported feedback and publishes outbound commands to
// labs/{lab_id}/actuators/{actuator_id}/cmd.
type ActuatorBridge struct {
	store  *labstate.Store
	logger *slog.Logger
}

// NewActuatorBridge returns an ActuatorBridge writing into store.
func NewActuatorBridge(store *labstate.Store, logger *slog.Logger) *ActuatorBridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &ActuatorBridge{store: store, logger: logger}
}

// Wire subscribes the bridge to the bus.
func (b *ActuatorBridge) Wire(ctx context.Context, bus Publisher) error {
	return bus.Subscribe(ctx, "labs/+/actuators/+/state", b.onMessage)
}

func (b *ActuatorBridge) onMessage(topic string, payload map[string]any) {
	m := actuatorStateTopicRe.FindStringSubmatch(topic)
	if m == nil {
		return
	}
	labID, actuatorID := catalog.LabID(m[1]), catalog.ActuatorID(m[2])

	state := "OFF"
	if s, ok := payload["state"].(string); ok && s != "" {
		state = strings.ToUpper(s)
	}
	ts := tsField(payload)

	b.store.UpdateActuatorState(labID, actuatorID, state, ts)
	b.logger.Debug("actuator feedback", "lab_id", labID, "actuator_id", actuatorID, "state", state, "ts", ts)
}

// SendCommand publishes a retained {action, source, ts} command to
// labs/{lab_id}/actuators/{actuator_id}/cmd at QoS 1.
func (b *ActuatorBridge) SendCommand(ctx context.Context, bus Publisher, labID catalog.LabID, actuatorID catalog.ActuatorID, action, source string) error {
	topic := "labs/" + string(labID) + "/actuators/" + string(actuatorID) + "/cmd"
	action = strings.ToUpper(action)
	payload := map[string]any{
		"action": action,
		"source": source,
		"ts":     time.Now().Unix(),
	}
	if err := bus.PublishJSON(ctx, topic, payload, true); err != nil {
		return err
	}
	metrics.CommandsDispatched.WithLabelValues(source, action).Inc()
	b.logger.Info("command dispatched", "topic", topic, "action", action, "source", source)
	return nil
}

func numberField(payload map[string]any, key string) float64 {
	v, ok := payload[key]
	if !ok {
		return 0.0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	default:
		return 0.0
	}
}

func tsField(payload map[string]any) int64 {
	v, ok := payload["ts"]
	if !ok {
		return time.Now().Unix()
	}
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		return time.Now().Unix()
	}
}
