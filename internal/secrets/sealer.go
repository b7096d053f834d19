// Package secrets seals tenant credentials and webhook signing secrets with age
// (X25519) so the database only ever holds ciphertext. Ciphertext is base64 for
// storage in TEXT columns; plaintext is returned to callers for the duration of a
// single signature check or outbound call and must not be retained or logged.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
)

// ErrNoIdentity is returned by Open when the sealer was built without a private key
var ErrNoIdentity = errors.New("secrets: no identity configured")

// Sealer encrypts to a recipient and decrypts with the matching identity
type Sealer struct {
	recipient age.Recipient
	identity  age.Identity
}

// NewSealer builds a Sealer from an AGE-SECRET-KEY-1... identity.
// recipientKey may be empty, in which case the identity's own recipient is used.
func NewSealer(identityKey, recipientKey string) (*Sealer, error) {
	s := &Sealer{}

	if identityKey != "" {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(identityKey))
		if err != nil {
			return nil, fmt.Errorf("parsing age identity: %w", err)
		}
		s.identity = identity
		s.recipient = identity.Recipient()
	}

	if recipientKey != "" {
		recipient, err := age.ParseX25519Recipient(strings.TrimSpace(recipientKey))
		if err != nil {
			return nil, fmt.Errorf("parsing age recipient %q: %w", recipientKey, err)
		}
		s.recipient = recipient
	}

	if s.recipient == nil {
		return nil, fmt.Errorf("age identity or recipient is required")
	}
	return s, nil
}

// NewEphemeralSealer generates a throwaway keypair, for development and tests
func NewEphemeralSealer() (*Sealer, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	return &Sealer{identity: identity, recipient: identity.Recipient()}, nil
}

// Seal encrypts plaintext and returns base64 ciphertext
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing age encryption: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// SealString is Seal for string secrets
func (s *Sealer) SealString(plaintext string) (string, error) {
	return s.Seal([]byte(plaintext))
}

// Open decrypts base64 ciphertext produced by Seal
func (s *Sealer) Open(sealed string) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoIdentity
	}
	if sealed == "" {
		return nil, fmt.Errorf("empty ciphertext")
	}

	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}

// Zero overwrites b in place once a plaintext secret is no longer needed
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
