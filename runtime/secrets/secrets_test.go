package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New("too-short")
	assert.Error(t, err)
}

func TestSensitive(t *testing.T) {
	for _, name := range []string{"Authorization", "X-Api-Key", "x-auth-token", "SECRET-THING", "Proxy-Password"} {
		assert.True(t, Sensitive(name), name)
	}
	for _, name := range []string{"Content-Type", "Accept", "X-Request-ID"} {
		assert.False(t, Sensitive(name), name)
	}
}

func TestRoundTripSensitive(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	headers := map[string]string{
		"Authorization": "Bearer tok",
		"Content-Type":  "application/json",
	}
	stored, err := c.EncryptHeaders(headers)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(stored, ":")), "sealed form is nonce:tag:ct")
	assert.NotContains(t, stored, "Bearer tok")

	got, err := c.DecryptHeaders(stored)
	require.NoError(t, err)
	assert.Equal(t, headers, got)
}

func TestPlainHeadersNotEncrypted(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	headers := map[string]string{"Accept": "application/json"}
	stored, err := c.EncryptHeaders(headers)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored, "{"))

	got, err := c.DecryptHeaders(stored)
	require.NoError(t, err)
	assert.Equal(t, headers, got)
}

func TestEmptyHeaders(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	stored, err := c.EncryptHeaders(nil)
	require.NoError(t, err)
	assert.Empty(t, stored)

	got, err := c.DecryptHeaders("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDecryptMalformed(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	_, err = c.DecryptHeaders("not-base64-at-all")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)

	_, err = c.DecryptHeaders("AAAA:BBBB")
	assert.ErrorIs(t, err, ErrMalformedCiphertext)
}

func TestDecryptWrongSecret(t *testing.T) {
	c1, err := New(testSecret)
	require.NoError(t, err)
	c2, err := New("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	stored, err := c1.EncryptHeaders(map[string]string{"Authorization": "Bearer tok"})
	require.NoError(t, err)

	_, err = c2.DecryptHeaders(stored)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestNoncesAreRandom(t *testing.T) {
	c, err := New(testSecret)
	require.NoError(t, err)

	headers := map[string]string{"Authorization": "Bearer tok"}
	a, err := c.EncryptHeaders(headers)
	require.NoError(t, err)
	b, err := c.EncryptHeaders(headers)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}
