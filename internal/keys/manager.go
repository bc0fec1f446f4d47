// Package keys owns the RS256 key used to sign identity tokens and publishes
// its public half as a JSON Web Key Set.
package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// Algorithm is the only signing algorithm in use.
const Algorithm = "RS256"

// Manager resolves the signing key from its sources on first use and caches
// it for the life of the process.
type Manager struct {
	sources []Source
	logger  *zap.Logger

	mu   sync.Mutex
	pair *KeyPair
}

// NewManager tries sources in order; the first one that does not return
// ErrNoKey wins.
func NewManager(logger *zap.Logger, sources ...Source) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{sources: sources, logger: logger}
}

func (m *Manager) keyPair(ctx context.Context) (*KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pair != nil {
		return m.pair, nil
	}
	for _, src := range m.sources {
		pair, err := src.Load(ctx)
		if errors.Is(err, ErrNoKey) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading signing key from %s: %w", src.Name(), err)
		}
		m.logger.Info("signing key loaded", zap.String("source", src.Name()), zap.String("kid", pair.KeyID))
		m.pair = pair
		return pair, nil
	}
	return nil, ErrNoKey
}

// Load forces the key to be resolved, so startup fails fast on a bad config.
func (m *Manager) Load(ctx context.Context) error {
	_, err := m.keyPair(ctx)
	return err
}

// KeyID returns the identifier advertised in the key set and token headers.
func (m *Manager) KeyID(ctx context.Context) (string, error) {
	pair, err := m.keyPair(ctx)
	if err != nil {
		return "", err
	}
	return pair.KeyID, nil
}

// PublicKey returns the verification key.
func (m *Manager) PublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	pair, err := m.keyPair(ctx)
	if err != nil {
		return nil, err
	}
	return &pair.Private.PublicKey, nil
}

// Sign returns a compact RS256 JWT carrying claims.
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	pair, err := m.keyPair(ctx)
	if err != nil {
		return "", err
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = pair.KeyID
	signed, err := token.SignedString(pair.Private)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// JWKS returns the one-entry public key set.
func (m *Manager) JWKS(ctx context.Context) (jose.JSONWebKeySet, error) {
	pair, err := m.keyPair(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &pair.Private.PublicKey,
		KeyID:     pair.KeyID,
		Algorithm: Algorithm,
		Use:       "sig",
	}}}, nil
}
