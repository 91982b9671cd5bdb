/*
Package metrics exposes Prometheus metrics and health state for the tracker.

All metrics are registered in the default registry under the tracker_
prefix and served by Handler on /metrics.

# Metrics

	tracker_agent_state{state}                 1 for the current state
	tracker_connection_state{state}            1 for the current state
	tracker_agent_failed                       1 once the failure signal is raised
	tracker_provisioning_duration_seconds
	tracker_sessions_total
	tracker_telemetry_sent_total
	tracker_telemetry_skipped_total
	tracker_telemetry_errors_total{kind}       recoverable | fatal
	tracker_telemetry_publish_duration_seconds
	tracker_telemetry_interval_seconds
	tracker_property_acks_total{property,code}
	tracker_property_version{property}
	tracker_commands_total{command,status}
	tracker_reboots_total
	tracker_events_dropped

Counters are driven by the Collector, which subscribes to the event broker.
Gauges that mirror agent state are polled every five seconds.

# Health

Components report their health with UpdateComponent. Readiness requires the
session and location components to be healthy:

	metrics.UpdateComponent(metrics.ComponentSession, true, "connected")
	http.Handle("/ready", metrics.ReadyHandler())

# Timing

	timer := metrics.NewTimer()
	err := provision()
	timer.ObserveDuration(metrics.ProvisioningDuration)
*/
package metrics
