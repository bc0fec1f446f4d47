// Package credential mints the random values handed out by the server and
// verifies the secrets presented back to it.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// TokenBytes is the entropy of codes, access tokens and refresh tokens.
	TokenBytes = 32

	clientIDPrefix    = "sso_"
	clientIDBytes     = 16
	clientSecretBytes = 32
)

// PKCE challenge methods.
const (
	MethodPlain = "plain"
	MethodS256  = "S256"
)

// Random returns n random bytes, hex encoded.
func Random(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NewToken returns an opaque value for authorization codes, access and refresh
// tokens, CSRF tokens and minted state parameters.
func NewToken() (string, error) {
	return Random(TokenBytes)
}

// NewClientID returns a public client identifier.
func NewClientID() (string, error) {
	id, err := Random(clientIDBytes)
	if err != nil {
		return "", err
	}
	return clientIDPrefix + id, nil
}

// NewClientSecret returns a fresh client secret together with the hash that
// gets persisted. The plaintext is never stored.
func NewClientSecret() (secret, hash string, err error) {
	secret, err = Random(clientSecretBytes)
	if err != nil {
		return "", "", err
	}
	hash, err = HashSecret(secret)
	if err != nil {
		return "", "", err
	}
	return secret, hash, nil
}

// HashSecret hashes a password or client secret with bcrypt.
func HashSecret(secret string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(b), nil
}

// CompareSecret reports whether secret matches the stored bcrypt hash.
func CompareSecret(hash, secret string) bool {
	if hash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// SupportedMethod reports whether method is a PKCE method the server accepts.
func SupportedMethod(method string) bool {
	return method == MethodPlain || method == MethodS256
}

// VerifyPKCE checks a code_verifier against the challenge stored with the code.
func VerifyPKCE(verifier, challenge, method string) bool {
	var computed string
	switch method {
	case MethodPlain:
		computed = verifier
	case MethodS256:
		computed = S256Challenge(verifier)
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// Equal compares two secrets in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
