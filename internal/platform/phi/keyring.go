package phi

import (
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// Keyring resolves key references ("v1", "v2", ...) to AEAD instances.
// Exactly one reference is active for new encryptions; rotated-out keys stay
// resolvable for decryption until operators retire them from configuration.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string]*fieldCipher
}

// NewKeyring builds a keyring from hex-encoded 32-byte keys. activeRef must
// name one of the provided keys.
func NewKeyring(keys map[string]string, activeRef string) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no keys configured", ErrEncryption)
	}
	kr := &Keyring{active: activeRef, keys: make(map[string]*fieldCipher, len(keys))}
	for ref, keyHex := range keys {
		raw, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("%w: key %q is not valid hex: %v", ErrEncryption, ref, err)
		}
		fc, err := newFieldCipher(raw)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", ref, err)
		}
		kr.keys[ref] = fc
	}
	if _, ok := kr.keys[activeRef]; !ok {
		return nil, fmt.Errorf("%w: active key %q not present in key set", ErrEncryption, activeRef)
	}
	return kr, nil
}

// ParseKeySpec parses the PHI_ENCRYPTION_KEYS config format, a comma list of
// "<ref>:<hex>" pairs, e.g. "v1:<64 hex chars>,v2:<64 hex chars>".
func ParseKeySpec(spec string) (map[string]string, error) {
	keys := make(map[string]string)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ref, keyHex, ok := strings.Cut(part, ":")
		if !ok || ref == "" || keyHex == "" {
			return nil, fmt.Errorf("%w: malformed key spec entry %q", ErrEncryption, part)
		}
		if _, dup := keys[ref]; dup {
			return nil, fmt.Errorf("%w: duplicate key reference %q", ErrEncryption, ref)
		}
		keys[ref] = keyHex
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: empty key spec", ErrEncryption)
	}
	return keys, nil
}

// ActiveRef returns the reference used for new encryptions.
func (k *Keyring) ActiveRef() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

// Rotate switches the active reference to an already-loaded key.
func (k *Keyring) Rotate(ref string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[ref]; !ok {
		return fmt.Errorf("%w: unknown key reference %q", ErrEncryption, ref)
	}
	k.active = ref
	return nil
}

func (k *Keyring) resolve(ref string) (*fieldCipher, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	fc, ok := k.keys[ref]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key reference %q", ErrEncryption, ref)
	}
	return fc, nil
}
