// Package phi implements the encryption gate for protected session fields.
// It provides AES-256-GCM field-level encryption keyed by versioned key
// references, a field classification table used for entitlement filtering,
// and an access audit log.
//
// The gate is stateless and fails closed: any key-resolution or cryptographic
// failure yields ErrEncryption, never a partial or best-effort plaintext.
package phi

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrEncryption is the sentinel wrapped by every failure the gate returns.
// Callers must treat the affected field as withheld.
var ErrEncryption = errors.New("encryption gate failure")

// Classification names the capability a subscriber needs to see a field in
// decrypted form.
type Classification string

const (
	ClassClinicalNotes Classification = "clinical_notes"
	ClassTranscript    Classification = "transcript"
	ClassMetadata      Classification = "metadata"
)

// FieldClassifications maps payload field names to the capability required
// to view them. Fields absent from the map default to ClassMetadata, the
// lowest-sensitivity class, except on protected entity kinds where unknown
// fields are treated as clinical notes.
func FieldClassifications() map[string]Classification {
	return map[string]Classification{
		"notes":             ClassClinicalNotes,
		"chart_summary":     ClassClinicalNotes,
		"mini_recap":        ClassClinicalNotes,
		"insights":          ClassClinicalNotes,
		"transcript":        ClassTranscript,
		"diarization":       ClassTranscript,
		"processing_status": ClassMetadata,
		"session_date":      ClassMetadata,
		"source":            ClassMetadata,
	}
}

// ClassifyField returns the classification for a payload field. protected
// controls the default for unmapped fields.
func ClassifyField(name string, protected bool) Classification {
	if c, ok := FieldClassifications()[name]; ok {
		return c
	}
	if protected {
		return ClassClinicalNotes
	}
	return ClassMetadata
}

// fieldCipher holds one AEAD instance for a single 32-byte key.
type fieldCipher struct {
	aead cipher.AEAD
}

func newFieldCipher(key []byte) (*fieldCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes, got %d", ErrEncryption, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: create cipher: %v", ErrEncryption, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: create GCM: %v", ErrEncryption, err)
	}
	return &fieldCipher{aead: aead}, nil
}

// seal encrypts data and returns base64(nonce + ciphertext).
func (f *fieldCipher) seal(plaintext []byte) (string, error) {
	nonce := make([]byte, f.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrEncryption, err)
	}
	return base64.StdEncoding.EncodeToString(f.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// open reverses seal.
func (f *fieldCipher) open(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrEncryption, err)
	}
	nonceSize := f.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrEncryption)
	}
	plaintext, err := f.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrEncryption, err)
	}
	return plaintext, nil
}

// Gate encrypts and decrypts protected fields using a Keyring of versioned
// keys. Ciphertexts carry their key reference as a "<ref>:" prefix so the
// gate can decrypt data written under rotated-out keys.
type Gate struct {
	keys *Keyring
}

// NewGate creates a gate over the given keyring.
func NewGate(keys *Keyring) *Gate {
	return &Gate{keys: keys}
}

// Encrypt encrypts plaintext under keyRef ("" means the keyring's active
// key) and returns the key-reference-prefixed ciphertext.
func (g *Gate) Encrypt(plaintext string, class Classification, keyRef string) (string, error) {
	if keyRef == "" {
		keyRef = g.keys.ActiveRef()
	}
	fc, err := g.keys.resolve(keyRef)
	if err != nil {
		return "", err
	}
	sealed, err := fc.seal([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return keyRef + ":" + sealed, nil
}

// Decrypt decrypts a key-reference-prefixed ciphertext. When keyRef is empty
// the reference embedded in the ciphertext is used; when set, it must match
// the embedded reference. The classification is carried for audit context
// only; it never changes the cryptographic result.
func (g *Gate) Decrypt(ciphertext string, class Classification, keyRef string) (string, error) {
	ref, body, ok := strings.Cut(ciphertext, ":")
	if !ok || ref == "" {
		return "", fmt.Errorf("%w: ciphertext missing key reference", ErrEncryption)
	}
	if keyRef != "" && keyRef != ref {
		return "", fmt.Errorf("%w: key reference mismatch: have %q, ciphertext uses %q", ErrEncryption, keyRef, ref)
	}
	fc, err := g.keys.resolve(ref)
	if err != nil {
		return "", err
	}
	plaintext, err := fc.open(body)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
