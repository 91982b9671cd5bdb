package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultTokenTTL is the lifetime of generated shared access signatures
const DefaultTokenTTL = time.Hour

// SASToken is a shared access signature for a resource URI
type SASToken struct {
	Resource  string
	Signature string
	Expiry    time.Time
	KeyName   string
}

// NewSASToken signs resource with key. The signed string is the url-encoded
// resource, a newline and the expiry in unix seconds.
func NewSASToken(resource string, key []byte, keyName string, expiry time.Time) (*SASToken, error) {
	if resource == "" {
		return nil, fmt.Errorf("resource cannot be empty")
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("signing key cannot be empty")
	}

	return &SASToken{
		Resource:  resource,
		Signature: sign(resource, key, expiry),
		Expiry:    expiry,
		KeyName:   keyName,
	}, nil
}

// String renders the token in its wire form
func (t *SASToken) String() string {
	var b strings.Builder
	b.WriteString("SharedAccessSignature sr=")
	b.WriteString(url.QueryEscape(t.Resource))
	b.WriteString("&sig=")
	b.WriteString(url.QueryEscape(t.Signature))
	b.WriteString("&se=")
	b.WriteString(strconv.FormatInt(t.Expiry.Unix(), 10))
	if t.KeyName != "" {
		b.WriteString("&skn=")
		b.WriteString(url.QueryEscape(t.KeyName))
	}
	return b.String()
}

// Expired reports whether the token is no longer valid at now
func (t *SASToken) Expired(now time.Time) bool {
	return !now.Before(t.Expiry)
}

// ParseSASToken parses the wire form produced by String
func ParseSASToken(s string) (*SASToken, error) {
	const prefix = "SharedAccessSignature "
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("not a shared access signature")
	}

	values, err := url.ParseQuery(strings.TrimPrefix(s, prefix))
	if err != nil {
		return nil, fmt.Errorf("invalid shared access signature: %w", err)
	}

	se, err := strconv.ParseInt(values.Get("se"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid expiry: %w", err)
	}

	t := &SASToken{
		Resource:  values.Get("sr"),
		Signature: values.Get("sig"),
		Expiry:    time.Unix(se, 0),
		KeyName:   values.Get("skn"),
	}
	if t.Resource == "" || t.Signature == "" {
		return nil, fmt.Errorf("shared access signature is missing sr or sig")
	}
	return t, nil
}

// VerifySASToken checks the signature of t against key and its expiry
func VerifySASToken(t *SASToken, key []byte, now time.Time) error {
	if t.Expired(now) {
		return fmt.Errorf("shared access signature expired at %s", t.Expiry.UTC().Format(time.RFC3339))
	}
	expected := sign(t.Resource, key, t.Expiry)
	if !hmac.Equal([]byte(expected), []byte(t.Signature)) {
		return fmt.Errorf("shared access signature does not match")
	}
	return nil
}

func sign(resource string, key []byte, expiry time.Time) string {
	toSign := url.QueryEscape(resource) + "\n" + strconv.FormatInt(expiry.Unix(), 10)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(toSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// DeviceResource is the resource URI a device signs to connect to a hub
func DeviceResource(hubHost, deviceID string) string {
	return hubHost + "/devices/" + deviceID
}

// RegistrationResource is the resource URI a device signs to register with
// the provisioning service
func RegistrationResource(scopeID, registrationID string) string {
	return scopeID + "/registrations/" + registrationID
}
