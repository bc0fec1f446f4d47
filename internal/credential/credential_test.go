package credential

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.Len(t, a, TokenBytes*2)
	assert.NotEqual(t, a, b)
}

func TestNewClientID(t *testing.T) {
	id, err := NewClientID()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "sso_"))
	assert.Len(t, id, len("sso_")+32)
}

func TestNewClientSecret(t *testing.T) {
	secret, hash, err := NewClientSecret()
	require.NoError(t, err)
	assert.Len(t, secret, 64)
	assert.NotEqual(t, secret, hash)

	assert.True(t, CompareSecret(hash, secret))
	assert.False(t, CompareSecret(hash, secret+"x"))
	assert.False(t, CompareSecret(hash, ""))
	assert.False(t, CompareSecret("", secret))
}

func TestVerifyPKCE(t *testing.T) {
	// RFC 7636 appendix B
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"

	assert.Equal(t, challenge, S256Challenge(verifier))
	assert.True(t, VerifyPKCE(verifier, challenge, MethodS256))
	assert.False(t, VerifyPKCE(verifier+"a", challenge, MethodS256))
	assert.False(t, VerifyPKCE(verifier, challenge, MethodPlain))

	assert.True(t, VerifyPKCE("abc", "abc", MethodPlain))
	assert.False(t, VerifyPKCE("abc", "abd", MethodPlain))

	assert.False(t, VerifyPKCE("abc", "abc", "S512"))
	assert.False(t, VerifyPKCE("abc", "abc", ""))
}

func TestSupportedMethod(t *testing.T) {
	assert.True(t, SupportedMethod("plain"))
	assert.True(t, SupportedMethod("S256"))
	assert.False(t, SupportedMethod("s256"))
	assert.False(t, SupportedMethod(""))
}
