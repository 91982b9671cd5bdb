/*
Package hubsim is a local stand-in for the cloud side of the tracker.

It runs an MQTT broker (gmqtt) whose plugin answers the requests a device
makes to the provisioning service and to its hub:

	$dps/registrations/PUT/iotdps-register/?$rid=..            202, then 200 on poll
	$dps/registrations/GET/iotdps-get-operationstatus/?$rid=.. assigned to AssignedHub
	$iothub/twin/GET/?$rid=..                                  200 + twin document
	$iothub/twin/PATCH/properties/reported/?$rid=..            204 + $version
	devices/{id}/messages/events/..                            recorded telemetry

A REST API drives the device from the service side:

	GET    /devices
	DELETE /devices/{id}
	GET    /devices/{id}/twin
	PATCH  /devices/{id}/twin/desired           {"Interval": 2}
	POST   /devices/{id}/methods/{name}         waits for the device answer
	GET    /devices/{id}/telemetry

When a group key is configured every connection must present a SAS token
signed with the key derived for its client id. Without one, any client is
accepted.

With Options.Store set, twins and registrations are kept in a storage.Store
and reloaded on start. Options.TLSConfig switches the broker listener to TLS;
security.EnsureServerCertificate produces a certificate and the CA devices
should trust.

Service-to-device messages are published on the shared IoT Hub topics, so
every connected device sees them. Run one device per emulator.
*/
package hubsim
