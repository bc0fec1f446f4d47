package oauth

import (
	"context"
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

// IDTokenClaims is the OpenID Connect identity token payload.
type IDTokenClaims struct {
	jwt.RegisteredClaims
	AuthTime          int64  `json:"auth_time"`
	Nonce             string `json:"nonce,omitempty"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
}

func (s *Service) idToken(ctx context.Context, userID, clientID, scope, nonce string, authTime int64) (string, error) {
	u, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", errors.New("user not found")
	}
	now := s.now()
	if authTime == 0 {
		authTime = now.Unix()
	}
	claims := IDTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   u.ID,
			Audience:  jwt.ClaimStrings{clientID},
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.IDTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		AuthTime: authTime,
		Nonce:    nonce,
	}
	if HasScope(scope, ScopeProfile) {
		claims.Name = u.DisplayName()
		claims.PreferredUsername = u.Username
	}
	if HasScope(scope, ScopeEmail) {
		verified := true
		claims.Email = u.Email
		claims.EmailVerified = &verified
	}
	return s.signer.Sign(ctx, claims)
}
