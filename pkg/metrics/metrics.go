package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_agent_state",
			Help: "Current session manager state (1 = current)",
		},
		[]string{"state"},
	)

	ConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_connection_state",
			Help: "Current transport connection state (1 = current)",
		},
		[]string{"state"},
	)

	AgentFailed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_agent_failed",
			Help: "Whether the agent raised its failure signal (1 = failed)",
		},
	)

	ProvisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_provisioning_duration_seconds",
			Help:    "Time taken to provision the device in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SessionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_sessions_total",
			Help: "Total number of sessions established",
		},
	)

	// Telemetry metrics
	TelemetrySent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_telemetry_sent_total",
			Help: "Total number of telemetry messages published",
		},
	)

	TelemetrySkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_telemetry_skipped_total",
			Help: "Total number of telemetry ticks skipped for lack of a valid sample",
		},
	)

	TelemetryErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_telemetry_errors_total",
			Help: "Total number of telemetry publish errors by kind",
		},
		[]string{"kind"},
	)

	TelemetryPublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tracker_telemetry_publish_duration_seconds",
			Help:    "Telemetry publish duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TelemetryInterval = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_telemetry_interval_seconds",
			Help: "Current telemetry interval in seconds",
		},
	)

	// Property metrics
	PropertyAcks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_property_acks_total",
			Help: "Total number of writable property acknowledgements by property and code",
		},
		[]string{"property", "code"},
	)

	PropertyVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tracker_property_acked_version",
			Help: "Last acknowledged desired version by property",
		},
		[]string{"property"},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_commands_total",
			Help: "Total number of direct method invocations by command and status",
		},
		[]string{"command", "status"},
	)

	RebootsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_reboots_total",
			Help: "Total number of completed reboot cycles",
		},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tracker_events_dropped",
			Help: "Number of lifecycle events dropped because the queue was full",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(AgentState)
	prometheus.MustRegister(ConnectionState)
	prometheus.MustRegister(AgentFailed)
	prometheus.MustRegister(ProvisioningDuration)
	prometheus.MustRegister(SessionsTotal)
	prometheus.MustRegister(TelemetrySent)
	prometheus.MustRegister(TelemetrySkipped)
	prometheus.MustRegister(TelemetryErrors)
	prometheus.MustRegister(TelemetryPublishDuration)
	prometheus.MustRegister(TelemetryInterval)
	prometheus.MustRegister(PropertyAcks)
	prometheus.MustRegister(PropertyVersion)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(RebootsTotal)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
