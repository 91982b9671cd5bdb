/*
Package mqtt implements the device transport over MQTT 3.1.1 using the
IoT Hub and Device Provisioning Service topic conventions.

# Hub Sessions

Dialer.Dial connects with the device id as client id, a username of the form

	{hub}/{deviceId}/?api-version=2021-04-12&model-id={modelId}

and a freshly signed shared access signature as password. The credentials
provider signs a new token on every reconnect. Once connected the session
subscribes to:

	$iothub/twin/res/#                        twin request responses
	$iothub/twin/PATCH/properties/desired/#   desired property updates
	$iothub/methods/POST/#                    direct method invocations

Telemetry is published at least once on

	devices/{deviceId}/messages/events/$.ct=application%2Fjson&$.ce=utf-8

Twin requests carry a request id ($rid) and are matched with their response
by that id. Method responses are published on $iothub/methods/res/{status}.

# Registration

Registrar.Register connects to the provisioning service with the
registration id as client id, publishes a registration request carrying the
model id and polls the operation status until the service answers with a
final registration state.

# Errors

Broken connections, refused publishes and throttling are reported as
transport.ErrCommunication; unanswered requests as transport.ErrTimeout.
*/
package mqtt
