package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCookieCipherRoundTrip(t *testing.T) {
	c, err := NewCookieCipher("encryption-secret")
	require.NoError(t, err)
	require.True(t, c.Enabled())

	sealed, err := c.Encrypt("session=abc123; csrf=xyz")
	require.NoError(t, err)
	assert.NotEqual(t, "session=abc123; csrf=xyz", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "session=abc123; csrf=xyz", plain)
}

func TestCookieCipherWrongSecret(t *testing.T) {
	a, err := NewCookieCipher("secret-a")
	require.NoError(t, err)
	b, err := NewCookieCipher("secret-b")
	require.NoError(t, err)

	sealed, err := a.Encrypt("session=abc")
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCookieCipherPassThrough(t *testing.T) {
	c, err := NewCookieCipher("")
	require.NoError(t, err)
	assert.False(t, c.Enabled())

	sealed, err := c.Encrypt("session=abc")
	require.NoError(t, err)
	assert.Equal(t, "session=abc", sealed)

	plain, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "session=abc", plain)
}

func TestCookieCipherGarbage(t *testing.T) {
	c, err := NewCookieCipher("secret")
	require.NoError(t, err)

	_, err = c.Decrypt("not-base64!!!")
	assert.Error(t, err)

	_, err = c.Decrypt("c2hvcnQ=") // valid base64, too short for a nonce
	assert.Error(t, err)
}
