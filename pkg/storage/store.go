package storage

import (
	"errors"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// DeviceRecord is the persisted state of one emulated device. Telemetry is
// not part of it.
type DeviceRecord struct {
	ID              string                     `json:"id"`
	ModelID         string                     `json:"modelId,omitempty"`
	Registered      bool                       `json:"registered"`
	LastSeen        time.Time                  `json:"lastSeen"`
	Desired         map[string]json.RawMessage `json:"desired"`
	DesiredVersion  int64                      `json:"desiredVersion"`
	Reported        map[string]json.RawMessage `json:"reported"`
	ReportedVersion int64                      `json:"reportedVersion"`
}

// Store defines the interface for hub state storage
type Store interface {
	SaveDevice(rec *DeviceRecord) error
	GetDevice(id string) (*DeviceRecord, error)
	ListDevices() ([]*DeviceRecord, error)
	DeleteDevice(id string) error

	Close() error
}
