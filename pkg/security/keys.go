package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/cuemby/assettracker/pkg/types"
)

// DeriveDeviceKey derives the per-device symmetric key from an enrollment
// group key: HMAC-SHA256(groupKey, deviceID). The derivation is deterministic.
func DeriveDeviceKey(groupKey []byte, deviceID string) ([]byte, error) {
	if len(groupKey) == 0 {
		return nil, fmt.Errorf("group key cannot be empty")
	}
	if deviceID == "" {
		return nil, fmt.Errorf("device id cannot be empty")
	}

	mac := hmac.New(sha256.New, groupKey)
	mac.Write([]byte(deviceID))
	return mac.Sum(nil), nil
}

// NewIdentity builds the immutable identity of a device enrolled through a
// group.
func NewIdentity(groupKey []byte, deviceID, scopeID string) (*types.DeviceIdentity, error) {
	deviceKey, err := DeriveDeviceKey(groupKey, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to derive device key: %w", err)
	}

	return &types.DeviceIdentity{
		DeviceID:  deviceID,
		ScopeID:   scopeID,
		DeviceKey: deviceKey,
		GroupKey:  append([]byte(nil), groupKey...),
	}, nil
}

// EncodeKey renders a key in the standard base64 form used by the cloud
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a base64 key, tolerating surrounding whitespace
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 key: %w", err)
	}
	return key, nil
}
