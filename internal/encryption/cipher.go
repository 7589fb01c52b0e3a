// Package encryption implements the field-level envelope used for every
// credential-bearing column.
//
// A sealed value looks like
//
//	$enc$v1$<key-id>$<base64 nonce>$<base64 ciphertext>
//
// The prefix makes both directions idempotent: sealing an enveloped string
// returns it unchanged and opening a plain string returns it unchanged. The
// key id is a fingerprint of the data key, so a value written under a rotated
// key fails with ErrKeyMismatch rather than a generic authentication error.
package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopePrefix = "$enc$"
	version1       = "v1"

	tagString = "s:"
	tagJSON   = "j:"
)

var (
	// ErrKeyMismatch means the value was sealed under a different key.
	ErrKeyMismatch = errors.New("encryption: value sealed with a different key")
	// ErrUnsupportedVersion means the envelope version is unknown.
	ErrUnsupportedVersion = errors.New("encryption: unsupported envelope version")
	// ErrMalformed means the envelope could not be parsed.
	ErrMalformed = errors.New("encryption: malformed envelope")
	// ErrKeySize means the key is not 32 bytes.
	ErrKeySize = fmt.Errorf("encryption: key must be %d bytes", chacha20poly1305.KeySize)
)

// Cipher seals and opens field values with one data key.
type Cipher struct {
	aead  cipher.AEAD
	keyID string
}

// NewCipher creates a Cipher for a 32 byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead, keyID: Fingerprint(key)}, nil
}

// KeyID returns the fingerprint embedded in every envelope.
func (c *Cipher) KeyID() string {
	return c.keyID
}

// IsEncrypted reports whether s carries the envelope prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, envelopePrefix)
}

// Encrypt seals v. Strings are sealed as-is, any other value is JSON encoded
// first. An already sealed string is returned unchanged.
func (c *Cipher) Encrypt(v any) (string, error) {
	var plain []byte
	switch val := v.(type) {
	case string:
		if IsEncrypted(val) {
			return val, nil
		}
		plain = append([]byte(tagString), val...)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return "", fmt.Errorf("encryption: serialize value: %w", err)
		}
		plain = append([]byte(tagJSON), b...)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nil, nonce, plain, []byte(c.keyID))

	return strings.Join([]string{
		envelopePrefix + version1,
		c.keyID,
		base64.RawStdEncoding.EncodeToString(nonce),
		base64.RawStdEncoding.EncodeToString(sealed),
	}, "$"), nil
}

// Decrypt opens s. Values without the envelope prefix are returned
// unchanged. JSON payloads are decoded, with numbers as json.Number so
// integers keep their precision; if decoding fails the raw decrypted text is
// returned instead.
func (c *Cipher) Decrypt(s string) (any, error) {
	if !IsEncrypted(s) {
		return s, nil
	}
	plain, err := c.open(s)
	if err != nil {
		return nil, err
	}

	switch {
	case strings.HasPrefix(plain, tagString):
		return strings.TrimPrefix(plain, tagString), nil
	case strings.HasPrefix(plain, tagJSON):
		raw := strings.TrimPrefix(plain, tagJSON)
		out, err := decodeJSON(raw)
		if err != nil {
			return raw, nil
		}
		return out, nil
	default:
		return plain, nil
	}
}

func decodeJSON(raw string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("encryption: trailing data after json payload")
	}
	return out, nil
}

// DecryptString opens s and returns its textual form.
func (c *Cipher) DecryptString(s string) (string, error) {
	v, err := c.Decrypt(s)
	if err != nil {
		return "", err
	}
	if str, ok := v.(string); ok {
		return str, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecryptInto opens s and decodes the payload into out. Plain (unsealed)
// input is decoded as JSON, or assigned directly when out is a *string.
func (c *Cipher) DecryptInto(s string, out any) error {
	var payload string
	if IsEncrypted(s) {
		plain, err := c.open(s)
		if err != nil {
			return err
		}
		if strings.HasPrefix(plain, tagString) {
			if sp, ok := out.(*string); ok {
				*sp = strings.TrimPrefix(plain, tagString)
				return nil
			}
		}
		payload = strings.TrimPrefix(strings.TrimPrefix(plain, tagJSON), tagString)
	} else {
		if sp, ok := out.(*string); ok {
			*sp = s
			return nil
		}
		payload = s
	}
	if payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(payload), out); err != nil {
		return fmt.Errorf("encryption: decode payload: %w", err)
	}
	return nil
}

func (c *Cipher) open(s string) (string, error) {
	parts := strings.Split(strings.TrimPrefix(s, envelopePrefix), "$")
	if len(parts) != 4 {
		return "", ErrMalformed
	}
	if parts[0] != version1 {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVersion, parts[0])
	}
	if parts[1] != c.keyID {
		return "", fmt.Errorf("%w: sealed with %s, have %s", ErrKeyMismatch, parts[1], c.keyID)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", ErrMalformed
	}
	sealed, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", ErrMalformed
	}
	plain, err := c.aead.Open(nil, nonce, sealed, []byte(parts[1]))
	if err != nil {
		return "", fmt.Errorf("encryption: open value: %w", err)
	}
	return string(plain), nil
}

// Fingerprint returns the short key id for key.
func Fingerprint(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// NewKey generates a random data key, base64 encoded the way key references
// are expected to store it.
func NewKey() (string, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
