package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/types"
)

// PassphraseEnv names the variable holding the passphrase of a sealed
// group key. It is never read from the file.
const PassphraseEnv = "TRACKER_KEY_PASSPHRASE"

// Config is the tracker configuration. Values are read from a YAML file
// first, then overridden by TRACKER_* environment variables.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
	Agent     AgentConfig     `yaml:"agent"`
	Location  LocationConfig  `yaml:"location"`
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// DeviceConfig identifies the device. Either ConnectionString, or IDScope
// plus DeviceID plus a group key, must be set.
type DeviceConfig struct {
	ConnectionString string `yaml:"connection_string" env:"TRACKER_CONNECTION_STRING"`
	IDScope          string `yaml:"id_scope" env:"TRACKER_ID_SCOPE"`
	DeviceID         string `yaml:"device_id" env:"TRACKER_DEVICE_ID"`
	GroupKey         string `yaml:"group_key" env:"TRACKER_GROUP_KEY"`
	GroupKeySealed   string `yaml:"group_key_sealed" env:"TRACKER_GROUP_KEY_SEALED"`
	ProvisioningHost string `yaml:"provisioning_host" env:"TRACKER_PROVISIONING_HOST"`
	ModelID          string `yaml:"model_id" env:"TRACKER_MODEL_ID"`
}

// TransportConfig tunes the MQTT transport
type TransportConfig struct {
	OperationTimeout time.Duration `yaml:"operation_timeout" env:"TRACKER_OPERATION_TIMEOUT"`
	KeepAlive        time.Duration `yaml:"keep_alive" env:"TRACKER_KEEP_ALIVE"`
	TokenTTL         time.Duration `yaml:"token_ttl" env:"TRACKER_TOKEN_TTL"`

	// CAFile is a PEM bundle trusted in place of the system roots, for
	// private hubs such as the local emulator
	CAFile string `yaml:"ca_file" env:"TRACKER_CA_FILE"`
}

// AgentConfig tunes the session manager
type AgentConfig struct {
	DefaultInterval time.Duration `yaml:"default_interval" env:"TRACKER_DEFAULT_INTERVAL"`
	RebootDelay     time.Duration `yaml:"reboot_delay" env:"TRACKER_REBOOT_DELAY"`
	SamplePeriod    time.Duration `yaml:"sample_period" env:"TRACKER_SAMPLE_PERIOD"`
}

// LocationConfig selects the location source: a route file when RouteFile
// is set, a fixed position otherwise.
type LocationConfig struct {
	RouteFile string  `yaml:"route_file" env:"TRACKER_ROUTE_FILE"`
	Latitude  float64 `yaml:"latitude" env:"TRACKER_LATITUDE"`
	Longitude float64 `yaml:"longitude" env:"TRACKER_LONGITUDE"`
	Altitude  float64 `yaml:"altitude" env:"TRACKER_ALTITUDE"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level" env:"TRACKER_LOG_LEVEL"`
	JSON  bool   `yaml:"json" env:"TRACKER_LOG_JSON"`
}

// HTTPConfig configures the health and metrics listener. An empty Addr
// disables it.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"TRACKER_HTTP_ADDR"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			ModelID: types.ModelID,
		},
		Transport: TransportConfig{
			OperationTimeout: 30 * time.Second,
			KeepAlive:        30 * time.Second,
			TokenTTL:         security.DefaultTokenTTL,
		},
		Agent: AgentConfig{
			DefaultInterval: 5 * time.Second,
			RebootDelay:     5 * time.Second,
			SamplePeriod:    time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		HTTP: HTTPConfig{
			Addr: ":9090",
		},
	}
}

// Load reads path (optional) over the defaults and applies environment
// overrides. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the TRACKER_* variables that are set
func ApplyEnv(cfg *Config) error {
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return fmt.Errorf("failed to decode environment: %w", err)
	}
	return nil
}

// Validate checks that the device can be provisioned and that timings
// are usable.
func (c *Config) Validate() error {
	d := c.Device
	if d.ConnectionString != "" {
		if _, err := ParseConnectionString(d.ConnectionString); err != nil {
			return err
		}
	} else {
		if d.IDScope == "" {
			return fmt.Errorf("device.id_scope is required without a connection string")
		}
		if d.DeviceID == "" {
			return fmt.Errorf("device.device_id is required without a connection string")
		}
		if d.GroupKey == "" && d.GroupKeySealed == "" {
			return fmt.Errorf("device.group_key or device.group_key_sealed is required without a connection string")
		}
		if d.GroupKey != "" && d.GroupKeySealed != "" {
			return fmt.Errorf("device.group_key and device.group_key_sealed are mutually exclusive")
		}
	}

	if c.Agent.DefaultInterval <= 0 {
		return fmt.Errorf("agent.default_interval must be positive")
	}
	if c.Agent.RebootDelay < 0 {
		return fmt.Errorf("agent.reboot_delay cannot be negative")
	}
	if c.Agent.SamplePeriod <= 0 {
		return fmt.Errorf("agent.sample_period must be positive")
	}
	if c.Transport.OperationTimeout <= 0 {
		return fmt.Errorf("transport.operation_timeout must be positive")
	}
	if c.Location.RouteFile == "" {
		if c.Location.Latitude < -90 || c.Location.Latitude > 90 {
			return fmt.Errorf("location.latitude is out of range")
		}
		if c.Location.Longitude < -180 || c.Location.Longitude > 180 {
			return fmt.Errorf("location.longitude is out of range")
		}
	}
	return nil
}

// TLSConfig returns the client TLS configuration for the transport, or nil
// to use the system roots
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.Transport.CAFile == "" {
		return nil, nil
	}
	pool, err := security.LoadCAPool(c.Transport.CAFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// GroupKey returns the decoded enrollment group key. A sealed key is
// opened with the passphrase from TRACKER_KEY_PASSPHRASE.
func (c *Config) GroupKey() ([]byte, error) {
	if c.Device.GroupKeySealed != "" {
		passphrase := os.Getenv(PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("%s must be set to open the sealed group key", PassphraseEnv)
		}
		key, err := security.OpenKey(c.Device.GroupKeySealed, passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to open sealed group key: %w", err)
		}
		return key, nil
	}

	key, err := security.DecodeKey(c.Device.GroupKey)
	if err != nil {
		return nil, fmt.Errorf("invalid group key: %w", err)
	}
	return key, nil
}

// ConnectionString is a parsed device connection string. It carries either
// a hub (HostName) or a provisioning scope (IdScope).
type ConnectionString struct {
	HostName        string
	IDScope         string
	DeviceID        string
	SharedAccessKey string
}

// UsesProvisioning reports whether the device must be registered first
func (c *ConnectionString) UsesProvisioning() bool {
	return c.IDScope != ""
}

// ParseConnectionString parses "Key=Value;Key=Value" device connection
// strings. Keys are case-insensitive; values may contain '='. A segment
// without '=' continues the previous value, so values such as
// "dtmi:example:Tracker;1" may contain ';'.
func ParseConnectionString(s string) (*ConnectionString, error) {
	type pair struct{ key, value string }
	var pairs []pair
	for _, part := range strings.Split(s, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			if len(pairs) == 0 {
				if strings.TrimSpace(part) == "" {
					continue
				}
				return nil, fmt.Errorf("invalid connection string segment %q", part)
			}
			pairs[len(pairs)-1].value += ";" + part
			continue
		}
		pairs = append(pairs, pair{key: key, value: value})
	}

	cs := &ConnectionString{}
	for _, p := range pairs {
		key, value := p.key, strings.TrimSpace(strings.TrimRight(p.value, "; \t"))
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "hostname":
			cs.HostName = value
		case "idscope":
			cs.IDScope = value
		case "deviceid":
			cs.DeviceID = value
		case "sharedaccesskey":
			cs.SharedAccessKey = value
		}
	}

	if cs.DeviceID == "" {
		return nil, fmt.Errorf("connection string is missing DeviceId")
	}
	if cs.SharedAccessKey == "" {
		return nil, fmt.Errorf("connection string is missing SharedAccessKey")
	}
	if cs.HostName == "" && cs.IDScope == "" {
		return nil, fmt.Errorf("connection string needs HostName or IdScope")
	}
	if cs.HostName != "" && cs.IDScope != "" {
		return nil, fmt.Errorf("connection string cannot carry both HostName and IdScope")
	}
	if _, err := security.DecodeKey(cs.SharedAccessKey); err != nil {
		return nil, fmt.Errorf("connection string has an invalid SharedAccessKey: %w", err)
	}
	return cs, nil
}
