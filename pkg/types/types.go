package types

import (
	"time"

	"github.com/goccy/go-json"
)

// ModelID is the Plug and Play model the tracker announces on registration
// and on connect.
const ModelID = "dtmi:assetTrackerDemo:XFAssetTrackert0;1"

// Manufacturer is reported as a static read-only property
const Manufacturer = "Contoso"

// Property names used on the device twin
const (
	PropertyInterval         = "Interval"
	PropertyFrameworkVersion = "FrameworkVersion"
	PropertyManufacturer     = "Manufacturer"
	PropertySDKVersion       = "SDKVersion"
)

// Command names understood by the device
const (
	CommandReboot = "Reboot"
)

// DeviceIdentity is the identity of the device as established at
// provisioning time. It is never mutated after creation.
type DeviceIdentity struct {
	DeviceID  string
	ScopeID   string
	DeviceKey []byte // HMAC-SHA256(GroupKey, DeviceID)
	GroupKey  []byte
}

// Credential authenticates a device against its assigned endpoint
type Credential struct {
	DeviceID string
	Key      []byte
}

// Assignment is the outcome of a successful provisioning
type Assignment struct {
	Endpoint   string
	DeviceID   string
	Credential Credential
}

// RegistrationRequest is sent to the provisioning service
type RegistrationRequest struct {
	ScopeID        string
	RegistrationID string
	DeviceKey      string // base64
	ModelID        string
}

// RegistrationStatus is the state reported by the provisioning service
type RegistrationStatus string

const (
	RegistrationUnassigned RegistrationStatus = "unassigned"
	RegistrationAssigning  RegistrationStatus = "assigning"
	RegistrationAssigned   RegistrationStatus = "assigned"
	RegistrationFailed     RegistrationStatus = "failed"
	RegistrationDisabled   RegistrationStatus = "disabled"
)

// RegistrationResult is the final answer of the provisioning service
type RegistrationResult struct {
	Status       RegistrationStatus `json:"status"`
	AssignedHub  string             `json:"assignedHub,omitempty"`
	DeviceID     string             `json:"deviceId,omitempty"`
	ErrorCode    int                `json:"errorCode,omitempty"`
	ErrorMessage string             `json:"errorMessage,omitempty"`
}

// ConnectionState is the transport-level state of a session
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionFaulted      ConnectionState = "faulted"
)

// AgentState is the state of the session manager
type AgentState string

const (
	AgentIdle         AgentState = "idle"
	AgentProvisioning AgentState = "provisioning"
	AgentConnecting   AgentState = "connecting"
	AgentConnected    AgentState = "connected"
	AgentClosing      AgentState = "closing"
	AgentFaulted      AgentState = "faulted"
	AgentFailed       AgentState = "failed"
)

// DesiredPatch is a desired-properties update delivered by the twin service.
// Version is monotonic per twin.
type DesiredPatch struct {
	Version    int64
	Properties map[string]json.RawMessage
}

// Twin is the full device twin as fetched on connect
type Twin struct {
	Desired         DesiredPatch
	Reported        map[string]json.RawMessage
	ReportedVersion int64
}

// PropertyAck acknowledges a writable property update
type PropertyAck struct {
	Value       any    `json:"value"`
	Version     int64  `json:"av"`
	Code        int    `json:"ac"`
	Description string `json:"ad"`
}

// PropertyState is the in-memory view of one writable property
type PropertyState struct {
	Name         string
	Value        any
	AckedVersion int64
	LastAck      *PropertyAck
	UpdatedAt    time.Time
}

// Sample is one reading of the location source
type Sample struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Valid     bool
	Timestamp time.Time
}

// Location is the telemetry representation of a position
type Location struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
	Alt float64 `json:"alt"`
}

// Telemetry is the message published on every telemetry tick
type Telemetry struct {
	Location Location `json:"Location"`
}

// TelemetryFromSample converts a sample to its telemetry record without
// altering any coordinate.
func TelemetryFromSample(s Sample) Telemetry {
	return Telemetry{
		Location: Location{
			Lon: s.Longitude,
			Lat: s.Latitude,
			Alt: s.Altitude,
		},
	}
}

// CommandRequest is a direct method invocation
type CommandRequest struct {
	Name    string
	Payload []byte
}

// CommandResponse answers a CommandRequest
type CommandResponse struct {
	Status  int
	Payload []byte
}
