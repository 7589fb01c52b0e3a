package encryption

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"

	"gocloud.dev/runtimevar"
	_ "gocloud.dev/runtimevar/constantvar"
	_ "gocloud.dev/runtimevar/filevar"
)

// ErrNoKeyRef is returned when an owner has no key reference configured.
var ErrNoKeyRef = errors.New("encryption: no key reference")

// KeyResolver returns the raw data key behind an external key reference.
type KeyResolver interface {
	Key(ctx context.Context, ref string) ([]byte, error)
}

// RuntimeVarResolver resolves key references as gocloud runtimevar URLs,
// e.g. "file:///run/secrets/tenant-a?decoder=string" or a cloud secret
// manager URL. The variable holds the base64 encoded key. Resolved keys are
// cached for the life of the process.
type RuntimeVarResolver struct {
	mu    sync.Mutex
	cache map[string][]byte
}

// NewRuntimeVarResolver creates a RuntimeVarResolver.
func NewRuntimeVarResolver() *RuntimeVarResolver {
	return &RuntimeVarResolver{cache: make(map[string][]byte)}
}

// Key implements KeyResolver.
func (r *RuntimeVarResolver) Key(ctx context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, ErrNoKeyRef
	}

	r.mu.Lock()
	if key, ok := r.cache[ref]; ok {
		r.mu.Unlock()
		return key, nil
	}
	r.mu.Unlock()

	v, err := runtimevar.OpenVariable(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("encryption: open key variable: %w", err)
	}
	defer v.Close()

	snap, err := v.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("encryption: read key variable: %w", err)
	}

	var encoded string
	switch val := snap.Value.(type) {
	case string:
		encoded = val
	case []byte:
		encoded = string(val)
	default:
		return nil, fmt.Errorf("encryption: unexpected key variable type %T", snap.Value)
	}

	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[ref] = key
	r.mu.Unlock()
	return key, nil
}

// Forget drops a cached key so the next lookup re-reads the secret store.
func (r *RuntimeVarResolver) Forget(ref string) {
	r.mu.Lock()
	delete(r.cache, ref)
	r.mu.Unlock()
}

// StaticResolver serves keys from memory. Values are base64 encoded keys.
type StaticResolver map[string]string

// Key implements KeyResolver.
func (s StaticResolver) Key(_ context.Context, ref string) ([]byte, error) {
	if ref == "" {
		return nil, ErrNoKeyRef
	}
	encoded, ok := s[ref]
	if !ok {
		return nil, fmt.Errorf("encryption: unknown key reference %q", ref)
	}
	return DecodeKey(encoded)
}

// DecodeKey decodes a base64 key and checks its size.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("encryption: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	return key, nil
}

// Keyring builds Ciphers for key references on demand.
type Keyring struct {
	resolver KeyResolver
}

// NewKeyring creates a Keyring over resolver.
func NewKeyring(resolver KeyResolver) *Keyring {
	return &Keyring{resolver: resolver}
}

// Cipher returns a Cipher for the key behind ref.
func (k *Keyring) Cipher(ctx context.Context, ref string) (*Cipher, error) {
	key, err := k.resolver.Key(ctx, ref)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}
