/*
Package types defines the data model shared by the asset tracker packages.

The model is deliberately small: one device, one session, one writable
property (Interval) and a handful of read-only properties.

# Identity

DeviceIdentity is created once at provisioning time. The device key is
derived from the enrollment group key with HMAC-SHA256 over the device id, so
re-provisioning with the same inputs always yields the same key:

	deviceKey = HMAC-SHA256(groupKey, deviceID)

# Twin

The twin holds desired properties (set by the cloud) and reported properties
(pushed by the device). Writable properties are acknowledged with a
PropertyAck, which marshals to the Plug and Play ack shape:

	{"Interval": {"value": 10, "av": 4, "ac": 200, "ad": "Ack initial cloud value"}}

# Telemetry

A valid location Sample becomes a Telemetry record:

	{"Location": {"lon": -122.13, "lat": 47.64, "alt": 12.5}}

Invalid samples are never converted; the telemetry loop skips them.
*/
package types
