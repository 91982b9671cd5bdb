/*
Package transport defines the contract between the device agent and the
messaging layer that carries its traffic to the cloud.

A Dialer opens a Session to the endpoint assigned at provisioning time and
delivers inbound traffic to Handlers: connection status changes, direct
method invocations and desired property patches. A Session sends telemetry,
reads the twin and patches reported properties.

Errors are classified so callers can decide whether to keep going:

	if transport.IsRecoverable(err) {
		// ErrCommunication or ErrTimeout, try again on the next tick
	}

The MQTT implementation lives in the mqtt subpackage.
*/
package transport
