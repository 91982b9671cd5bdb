package provisioning

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/assettracker/pkg/log"
	"github.com/cuemby/assettracker/pkg/security"
	"github.com/cuemby/assettracker/pkg/transport"
	"github.com/cuemby/assettracker/pkg/types"
)

// Provisioner establishes where and as whom the device connects
type Provisioner interface {
	Provision(ctx context.Context) (*types.Assignment, error)
}

// ProvisioningError is returned when the registry answered but did not
// assign the device.
type ProvisioningError struct {
	Status    types.RegistrationStatus
	ErrorCode int
	Message   string
}

func (e *ProvisioningError) Error() string {
	msg := fmt.Sprintf("device registration ended with status %q", e.Status)
	if e.ErrorCode != 0 {
		msg += fmt.Sprintf(" (code %d)", e.ErrorCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// IsProvisioningError reports whether err carries a *ProvisioningError
func IsProvisioningError(err error) bool {
	var pe *ProvisioningError
	return errors.As(err, &pe)
}

// GroupEnrollment provisions a device enrolled through a symmetric-key
// group. The device key is derived locally and never stored.
type GroupEnrollment struct {
	GroupKey  []byte
	DeviceID  string
	ScopeID   string
	ModelID   string
	Registrar transport.Registrar
}

// Provision derives the device key, registers with the provisioning
// service and returns the assigned endpoint. It does not retry.
func (g *GroupEnrollment) Provision(ctx context.Context) (*types.Assignment, error) {
	if g.Registrar == nil {
		return nil, fmt.Errorf("no registrar configured")
	}
	if g.ScopeID == "" {
		return nil, fmt.Errorf("scope id cannot be empty")
	}

	identity, err := security.NewIdentity(g.GroupKey, g.DeviceID, g.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create device identity: %w", err)
	}

	logger := log.ForDevice("provisioning", identity.DeviceID)
	logger.Info().Str("scope_id", identity.ScopeID).Msg("Provisioning device")

	result, err := g.Registrar.Register(ctx, types.RegistrationRequest{
		ScopeID:        identity.ScopeID,
		RegistrationID: identity.DeviceID,
		DeviceKey:      security.EncodeKey(identity.DeviceKey),
		ModelID:        g.ModelID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	if result.Status != types.RegistrationAssigned {
		return nil, &ProvisioningError{
			Status:    result.Status,
			ErrorCode: result.ErrorCode,
			Message:   result.ErrorMessage,
		}
	}
	if result.AssignedHub == "" {
		return nil, &ProvisioningError{Status: result.Status, Message: "no hub assigned"}
	}

	deviceID := result.DeviceID
	if deviceID == "" {
		deviceID = identity.DeviceID
	}

	logger.Info().Str("assigned_hub", result.AssignedHub).Msg("Device assigned")
	return &types.Assignment{
		Endpoint: result.AssignedHub,
		DeviceID: deviceID,
		Credential: types.Credential{
			DeviceID: deviceID,
			Key:      identity.DeviceKey,
		},
	}, nil
}

// Static provisions a device whose hub and key are known up front, as
// given by a device connection string.
type Static struct {
	Endpoint string
	DeviceID string
	Key      []byte
}

// Provision returns the fixed assignment
func (s *Static) Provision(_ context.Context) (*types.Assignment, error) {
	if s.Endpoint == "" || s.DeviceID == "" || len(s.Key) == 0 {
		return nil, fmt.Errorf("static assignment requires endpoint, device id and key")
	}
	return &types.Assignment{
		Endpoint: s.Endpoint,
		DeviceID: s.DeviceID,
		Credential: types.Credential{
			DeviceID: s.DeviceID,
			Key:      append([]byte(nil), s.Key...),
		},
	}, nil
}
