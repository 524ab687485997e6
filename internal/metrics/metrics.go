// Package metrics defines the Prometheus collectors exported by the
// controller's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DroppedPayloads counts inbound bus messages dropped because
	// their payload was not valid JSON.
	DroppedPayloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labctl_dropped_payloads_total",
		Help: "Inbound bus messages dropped due to malformed (non-JSON) payloads.",
	})

	// CommandsDispatched counts actuator commands published, labeled
	// by their source (rules, manual, bot).
	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labctl_commands_dispatched_total",
		Help: "Actuator commands dispatched, by source.",
	}, []string{"source", "action"})

	// LabsWatchdogOffline reports, per lab, whether its sensors are
	// currently considered offline (1) or online (0).
	LabsWatchdogOffline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "labctl_lab_sensor_offline",
		Help: "1 if a lab's sensors are flagged offline by the watchdog, else 0.",
	}, []string{"lab_id"})

	// ControlUnitsRunning reports the number of active per-lab control loops.
	ControlUnitsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labctl_control_units_running",
		Help: "Number of per-lab control units currently running.",
	})

	// BusReconnects counts how many times the bus adapter's
	// connection to the broker has come back up (including the
	// initial connect).
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labctl_bus_reconnects_total",
		Help: "Number of times the bus adapter's connection has come up.",
	})
)
