package security

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for sealing keys at rest
const (
	sealSaltLen        = 16
	sealKeyLen         = chacha20poly1305.KeySize
	argonTime   uint32 = 3
	argonMemory uint32 = 64 * 1024
	argonThread uint8  = 1

	sealedPrefix = "v1:"
)

// ErrSealedKeyInvalid is returned when a sealed key cannot be opened
var ErrSealedKeyInvalid = errors.New("sealed key is invalid or the passphrase is wrong")

// SealKey encrypts key with a passphrase so it can be kept in a config file.
// Output: "v1:" + base64(salt || nonce || ciphertext).
func SealKey(key []byte, passphrase string) (string, error) {
	if len(key) == 0 {
		return "", fmt.Errorf("cannot seal an empty key")
	}
	if passphrase == "" {
		return "", fmt.Errorf("passphrase cannot be empty")
	}

	salt := make([]byte, sealSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveSealKey(passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(key)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, key, []byte(sealedPrefix))...)

	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// OpenKey reverses SealKey
func OpenKey(sealed, passphrase string) ([]byte, error) {
	sealed = strings.TrimSpace(sealed)
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return nil, fmt.Errorf("unsupported sealed key format")
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return nil, fmt.Errorf("invalid sealed key encoding: %w", err)
	}
	if len(raw) < sealSaltLen+chacha20poly1305.NonceSizeX {
		return nil, ErrSealedKeyInvalid
	}

	salt := raw[:sealSaltLen]
	nonce := raw[sealSaltLen : sealSaltLen+chacha20poly1305.NonceSizeX]
	ciphertext := raw[sealSaltLen+chacha20poly1305.NonceSizeX:]

	aead, err := chacha20poly1305.NewX(deriveSealKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	key, err := aead.Open(nil, nonce, ciphertext, []byte(sealedPrefix))
	if err != nil {
		return nil, ErrSealedKeyInvalid
	}
	return key, nil
}

func deriveSealKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThread, sealKeyLen)
}
