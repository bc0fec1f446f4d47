package oauth

import (
	"context"
	"net/http"

	"github.com/example/idp/internal/store"
)

const bearerChallenge = `Bearer error="invalid_token"`

// UserInfo is the userinfo response, gated by the token's scope.
type UserInfo struct {
	Subject           string `json:"sub"`
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	EmailVerified     *bool  `json:"email_verified,omitempty"`
}

func invalidToken(desc string) *Error {
	e := newError(http.StatusUnauthorized, CodeInvalidToken, desc)
	e.Challenge = bearerChallenge
	return e
}

// ValidateAccessToken returns the live access token or an invalid_token
// error.
func (s *Service) ValidateAccessToken(ctx context.Context, token string) (*store.AccessToken, error) {
	if token == "" {
		return nil, invalidToken("Missing or invalid access token")
	}
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		return nil, serverError(err)
	}
	if at == nil || at.ExpiresAt <= s.now().Unix() {
		return nil, invalidToken("Access token is invalid or expired")
	}
	return at, nil
}

func (s *Service) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	at, err := s.ValidateAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	u, err := s.store.GetUserByID(ctx, at.UserID)
	if err != nil {
		return nil, serverError(err)
	}
	if u == nil {
		return nil, invalidToken("Access token is invalid or expired")
	}
	info := &UserInfo{Subject: u.ID}
	if HasScope(at.Scope, ScopeProfile) {
		info.Name = u.DisplayName()
		info.PreferredUsername = u.Username
	}
	if HasScope(at.Scope, ScopeEmail) {
		verified := true
		info.Email = u.Email
		info.EmailVerified = &verified
	}
	return info, nil
}
