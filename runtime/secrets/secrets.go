// Package secrets provides authenticated encryption for stored request
// headers. A per-deployment secret derives a 256-bit AES-GCM key; header maps
// that contain sensitive names are sealed as a canonical JSON blob with a
// random 128-bit nonce and stored as base64(nonce):base64(tag):base64(ct).
// Header maps without sensitive names are stored as plain JSON.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	// MinSecretLen is the minimum accepted deployment secret length.
	MinSecretLen = 32

	nonceSize = 16
	tagSize   = 16
)

var (
	// ErrMalformedCiphertext indicates stored header data that is neither
	// plain JSON nor a well-formed nonce:tag:ciphertext triple. It is
	// distinct from the absence of headers, which decodes to a nil map.
	ErrMalformedCiphertext = errors.New("malformed header ciphertext")

	// ErrAuthentication indicates the ciphertext failed AEAD verification,
	// meaning the data was tampered with or sealed under a different secret.
	ErrAuthentication = errors.New("header ciphertext failed authentication")
)

// sensitiveFragments match header names that trigger encryption at write
// time. Matching is case-insensitive substring containment.
var sensitiveFragments = []string{"authorization", "api-key", "apikey", "token", "secret", "password", "auth"}

// Sensitive reports whether a header name triggers encryption.
func Sensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// Cipher seals and opens header maps with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the AEAD key from the deployment secret via SHA-256.
func New(secret string) (*Cipher, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("deployment secret must be at least %d characters", MinSecretLen)
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// EncryptHeaders produces the stored representation of a header map. Maps
// containing a sensitive header name are sealed; others serialize to plain
// JSON. A nil or empty map stores as the empty string.
func (c *Cipher) EncryptHeaders(headers map[string]string) (string, error) {
	if len(headers) == 0 {
		return "", nil
	}
	plain, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}
	for name := range headers {
		if Sensitive(name) {
			return c.seal(plain)
		}
	}
	return string(plain), nil
}

// DecryptHeaders reverses EncryptHeaders. An empty stored value yields a nil
// map with no error; malformed or tampered values fail with
// ErrMalformedCiphertext or ErrAuthentication.
func (c *Cipher) DecryptHeaders(stored string) (map[string]string, error) {
	if stored == "" {
		return nil, nil
	}
	var plain []byte
	if strings.HasPrefix(strings.TrimSpace(stored), "{") {
		plain = []byte(stored)
	} else {
		var err error
		plain, err = c.open(stored)
		if err != nil {
			return nil, err
		}
	}
	var headers map[string]string
	if err := json.Unmarshal(plain, &headers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return headers, nil
}

func (c *Cipher) seal(plain []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(nonce),
		base64.StdEncoding.EncodeToString(tag),
		base64.StdEncoding.EncodeToString(ct),
	}, ":"), nil
}

func (c *Cipher) open(encoded string) ([]byte, error) {
	parts := strings.Split(encoded, ":")
	if len(parts) != 3 {
		return nil, ErrMalformedCiphertext
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrMalformedCiphertext
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrMalformedCiphertext
	}
	ct, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrMalformedCiphertext
	}
	plain, err := c.aead.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return nil, ErrAuthentication
	}
	return plain, nil
}
