package mqtt

import "runtime/debug"

const pahoModule = "github.com/eclipse/paho.mqtt.golang"

// SDKVersion names the MQTT client library and its version as linked into
// the running binary.
func SDKVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "paho.mqtt.golang"
	}
	for _, dep := range info.Deps {
		if dep.Path == pahoModule {
			return "paho.mqtt.golang/" + dep.Version
		}
	}
	return "paho.mqtt.golang"
}
