/*
Package config loads the tracker configuration.

Configuration comes from an optional YAML file layered over Default, then
from TRACKER_* environment variables:

	device:
	  id_scope: 0ne0000ABCD
	  device_id: tracker-01
	  group_key_sealed: v1:...      # or group_key: <base64>
	  provisioning_host: ssl://localhost:8883
	transport:
	  ca_file: hub-certs/ca.crt     # trust a private hub
	agent:
	  default_interval: 5s
	  reboot_delay: 5s
	location:
	  route_file: routes/harbor.yaml
	http:
	  addr: :9090

A device connection string replaces the id_scope, device_id and group key
settings:

	HostName=<hub>;DeviceId=<id>;SharedAccessKey=<base64>
	IdScope=<scope>;DeviceId=<id>;SharedAccessKey=<base64>

The passphrase of a sealed group key is only read from
TRACKER_KEY_PASSPHRASE.
*/
package config
