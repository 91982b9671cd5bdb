package security

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveDeviceKey(t *testing.T) {
	groupKey := []byte("enrollment-group-secret")

	tests := []struct {
		name     string
		groupKey []byte
		deviceID string
		wantErr  bool
	}{
		{
			name:     "valid inputs",
			groupKey: groupKey,
			deviceID: "tracker-01",
		},
		{
			name:     "empty group key",
			groupKey: nil,
			deviceID: "tracker-01",
			wantErr:  true,
		},
		{
			name:     "empty device id",
			groupKey: groupKey,
			deviceID: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := DeriveDeviceKey(tt.groupKey, tt.deviceID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, 32)
		})
	}
}

func TestDeriveDeviceKeyIsDeterministic(t *testing.T) {
	groupKey := []byte("enrollment-group-secret")

	first, err := DeriveDeviceKey(groupKey, "tracker-01")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := DeriveDeviceKey(groupKey, "tracker-01")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	other, err := DeriveDeviceKey(groupKey, "tracker-02")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

// Known vector: HMAC-SHA256(key="key", "The quick brown fox jumps over the lazy dog")
func TestDeriveDeviceKeyKnownVector(t *testing.T) {
	key, err := DeriveDeviceKey([]byte("key"), "The quick brown fox jumps over the lazy dog")
	require.NoError(t, err)

	want, _ := base64.StdEncoding.DecodeString("97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=")
	assert.Equal(t, want, key)
}

func TestNewIdentity(t *testing.T) {
	groupKey := []byte("enrollment-group-secret")

	id, err := NewIdentity(groupKey, "tracker-01", "0ne0000ABCD")
	require.NoError(t, err)

	assert.Equal(t, "tracker-01", id.DeviceID)
	assert.Equal(t, "0ne0000ABCD", id.ScopeID)
	assert.Equal(t, groupKey, id.GroupKey)

	expected, _ := DeriveDeviceKey(groupKey, "tracker-01")
	assert.Equal(t, expected, id.DeviceKey)

	// the identity keeps its own copy of the group key
	groupKey[0] = 'X'
	assert.NotEqual(t, groupKey, id.GroupKey)
}

func TestEncodeDecodeKey(t *testing.T) {
	key := []byte{0x01, 0x02, 0xfe, 0xff}
	decoded, err := DecodeKey("  " + EncodeKey(key) + "\n")
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = DecodeKey("")
	assert.Error(t, err)

	_, err = DecodeKey("not base64!")
	assert.Error(t, err)
}

func TestSASTokenRoundTrip(t *testing.T) {
	key := []byte("device-key")
	expiry := time.Unix(1700000000, 0)

	token, err := NewSASToken(DeviceResource("hub.example.net", "tracker-01"), key, "", expiry)
	require.NoError(t, err)

	s := token.String()
	assert.True(t, strings.HasPrefix(s, "SharedAccessSignature sr=hub.example.net%2Fdevices%2Ftracker-01&sig="))
	assert.True(t, strings.HasSuffix(s, "&se=1700000000"))
	assert.NotContains(t, s, "skn=")

	parsed, err := ParseSASToken(s)
	require.NoError(t, err)
	assert.Equal(t, token.Resource, parsed.Resource)
	assert.Equal(t, token.Signature, parsed.Signature)
	assert.Equal(t, token.Expiry.Unix(), parsed.Expiry.Unix())

	assert.NoError(t, VerifySASToken(parsed, key, expiry.Add(-time.Minute)))
	assert.Error(t, VerifySASToken(parsed, []byte("wrong"), expiry.Add(-time.Minute)))
	assert.Error(t, VerifySASToken(parsed, key, expiry))
}

func TestSASTokenKeyName(t *testing.T) {
	token, err := NewSASToken(RegistrationResource("0ne0000ABCD", "tracker-01"), []byte("k"), "registration", time.Unix(10, 0))
	require.NoError(t, err)
	assert.Contains(t, token.String(), "&skn=registration")

	parsed, err := ParseSASToken(token.String())
	require.NoError(t, err)
	assert.Equal(t, "registration", parsed.KeyName)
	assert.Equal(t, "0ne0000ABCD/registrations/tracker-01", parsed.Resource)
}

func TestParseSASTokenErrors(t *testing.T) {
	tests := []string{
		"",
		"Bearer abc",
		"SharedAccessSignature sr=x&sig=y&se=notanumber",
		"SharedAccessSignature sig=y&se=10",
	}
	for _, s := range tests {
		_, err := ParseSASToken(s)
		assert.Error(t, err, s)
	}
}

func TestSealOpenKey(t *testing.T) {
	key := []byte("enrollment-group-secret")

	sealed, err := SealKey(key, "correct horse")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "v1:"))

	opened, err := OpenKey(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, key, opened)

	_, err = OpenKey(sealed, "wrong passphrase")
	assert.ErrorIs(t, err, ErrSealedKeyInvalid)

	// sealing twice yields different ciphertexts
	again, err := SealKey(key, "correct horse")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again)
}

func TestSealKeyErrors(t *testing.T) {
	_, err := SealKey(nil, "p")
	assert.Error(t, err)

	_, err = SealKey([]byte("k"), "")
	assert.Error(t, err)

	_, err = OpenKey("v2:abc", "p")
	assert.Error(t, err)

	_, err = OpenKey("v1:AAAA", "p")
	assert.ErrorIs(t, err, ErrSealedKeyInvalid)
}
