package sealer

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestNew_KeyTooShort(t *testing.T) {
	_, err := New([]byte("short"))
	assert.ErrorIs(t, err, ErrKeyTooShort)

	_, err = NewFromString("short")
	assert.ErrorIs(t, err, ErrKeyTooShort)
}

func TestNewFromString_Base64(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString(testKey())
	a, err := NewFromString(encoded)
	require.NoError(t, err)
	b, err := New(testKey())
	require.NoError(t, err)

	assert.Equal(t, b.Index("customer", "cus_1"), a.Index("customer", "cus_1"))
}

func TestSealOpen(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.SealString("customer_id", "cus_123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "cus_123")

	again, err := s.SealString("customer_id", "cus_123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces are random")

	plain, err := s.OpenString("customer_id", sealed)
	require.NoError(t, err)
	assert.Equal(t, "cus_123", plain)
}

func TestOpen_FieldBinding(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.SealString("customer_id", "cus_123")
	require.NoError(t, err)

	_, err = s.OpenString("subscription_id", sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpen_Tampered(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.Seal("status", []byte("active"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = s.Open("status", sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = s.Open("status", []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = s.OpenString("status", "!!not base64!!")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestOpen_WrongKey(t *testing.T) {
	a, err := New(testKey())
	require.NoError(t, err)
	b, err := New(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)

	sealed, err := a.SealString("email", "a@example.com")
	require.NoError(t, err)
	_, err = b.OpenString("email", sealed)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEmptyValues(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	sealed, err := s.SealString("customer_id", "")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := s.OpenString("customer_id", "")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestIndex(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	idx := s.Index("subscription", "sub_1")
	assert.Len(t, idx, 64)
	assert.Equal(t, idx, s.Index("subscription", "sub_1"))
	assert.NotEqual(t, idx, s.Index("customer", "sub_1"), "kinds are namespaced")
	assert.NotEqual(t, idx, s.Index("subscription", "sub_2"))
	assert.False(t, strings.Contains(idx, "sub_1"))
}

func TestPassphrase(t *testing.T) {
	s, err := New(testKey())
	require.NoError(t, err)

	assert.Len(t, s.Passphrase("pgcrypto"), 64)
	assert.Equal(t, s.Passphrase("pgcrypto"), s.Passphrase("pgcrypto"))
	assert.NotEqual(t, s.Passphrase("pgcrypto"), s.Passphrase("other"))
}
