/*
Package agent implements the session manager of the asset tracker.

An Agent provisions the device, opens a transport session to the assigned
hub and runs two goroutines for as long as that session lives: the property
synchronizer and the telemetry loop.

# Lifecycle

	Idle ──► Provisioning ──► Connecting ──► Connected ◄──► Faulted
	 ▲                                           │
	 └──────────────── Closing ◄─────────────────┘   (Reboot, Stop)

	any step ──► Failed   (unrecoverable error, failure signal raised)

Connected and Faulted follow the connection status reported by the
transport. The agent never reconnects on its own; the transport does.

# Writable Properties

The only writable property is Interval, a whole number of seconds. On
connect the desired value of the twin is applied and acknowledged with
"Ack initial cloud value". Every later desired patch is applied in arrival
order and acknowledged with "Updated completed":

	{"Interval": {"value": 2, "av": 7, "ac": 200, "ad": "Updated completed"}}

Patches older than the last acknowledged version are ignored, and so is the
Interval of a twin fetched after a Reboot when its version is older. A twin
without Interval puts the default interval back in effect. A value that is
not a positive whole number is acknowledged with ac=400 and leaves the
interval unchanged. Acks count as acknowledged once the hub accepts them.

# Commands

Reboot answers 200 right away, then closes the session, waits RebootDelay
and starts again from provisioning. Unknown commands answer 404.

# Telemetry

Each iteration reads the interval cell, takes the latest location sample and
publishes it as {"Location":{"lon":..,"lat":..,"alt":..}}. Samples without a
fix are skipped. Communication and timeout errors are logged and retried on
the next tick; any other error is fatal.

# Usage

	a, err := agent.New(agent.Options{
		Provisioner: provisioner,
		Dialer:      mqtt.NewDialer(types.ModelID),
		Location:    route,
		Signal:      fault.NewSignal(),
	})
	if err != nil {
		return err
	}
	return a.Run(ctx)
*/
package agent
