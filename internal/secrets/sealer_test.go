package secrets

import (
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	s, err := NewSealer(identity.String(), "")
	require.NoError(t, err)

	sealed, err := s.SealString("whsec_0123456789")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "whsec_0123456789")

	plaintext, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "whsec_0123456789", string(plaintext))

	Zero(plaintext)
	assert.Equal(t, make([]byte, len(plaintext)), plaintext)
}

func TestSealer_RecipientOnlyCannotOpen(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	s, err := NewSealer("", identity.Recipient().String())
	require.NoError(t, err)

	sealed, err := s.SealString("api-key")
	require.NoError(t, err)

	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestSealer_WrongIdentityFails(t *testing.T) {
	a, err := NewEphemeralSealer()
	require.NoError(t, err)
	b, err := NewEphemeralSealer()
	require.NoError(t, err)

	sealed, err := a.SealString("api-key")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestSealer_MalformedInput(t *testing.T) {
	s, err := NewEphemeralSealer()
	require.NoError(t, err)

	_, err = s.Open("")
	assert.Error(t, err)

	_, err = s.Open("not base64 !!")
	assert.Error(t, err)

	_, err = NewSealer("AGE-SECRET-KEY-1NOTAKEY", "")
	assert.Error(t, err)

	_, err = NewSealer("", "")
	assert.Error(t, err)
}
