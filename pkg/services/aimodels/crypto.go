package aimodels

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/loomery/loom/pkg/errkind"
)

// encPrefix marks a credential value as encrypted. The prefix keeps
// re-encryption idempotent and lets decryption pass plaintext through
// (pre-encryption rows, test fixtures).
const encPrefix = "enc:v1:"

// Cipher encrypts credential values with AES-GCM under the service key.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init credential cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptString seals one value. Values already carrying the prefix are
// returned unchanged.
func (c *Cipher) EncryptString(plain string) (string, error) {
	if strings.HasPrefix(plain, encPrefix) {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens one value. Values without the prefix are returned
// unchanged.
func (c *Cipher) DecryptString(stored string) (string, error) {
	if !strings.HasPrefix(stored, encPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", errkind.Internal("stored credential is corrupt: %v", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", errkind.Internal("stored credential is corrupt: short ciphertext")
	}
	nonce, ct := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errkind.Internal("stored credential is corrupt: %v", err)
	}
	return string(plain), nil
}

// EncryptCredentials seals every credentials.properties.*.default
// string in place.
func (c *Cipher) EncryptCredentials(configuration map[string]any) error {
	return c.mapCredentials(configuration, c.EncryptString)
}

// DecryptCredentials opens every credentials.properties.*.default
// string in place.
func (c *Cipher) DecryptCredentials(configuration map[string]any) error {
	return c.mapCredentials(configuration, c.DecryptString)
}

func (c *Cipher) mapCredentials(configuration map[string]any, fn func(string) (string, error)) error {
	props := sectionProperties(configuration, "credentials")
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		val, ok := prop["default"].(string)
		if !ok {
			continue
		}
		out, err := fn(val)
		if err != nil {
			return fmt.Errorf("credential %q: %w", name, err)
		}
		prop["default"] = out
	}
	return nil
}

// sectionProperties returns configuration[section].properties, or nil
// when the path is absent or malformed.
func sectionProperties(configuration map[string]any, section string) map[string]any {
	sec, ok := configuration[section].(map[string]any)
	if !ok {
		return nil
	}
	props, ok := sec["properties"].(map[string]any)
	if !ok {
		return nil
	}
	return props
}
