package oauth

import (
	"context"

	"github.com/example/idp/internal/store"
)

// Revoke deletes token as an access token or a refresh token. Unknown tokens
// are not an error.
func (s *Service) Revoke(ctx context.Context, token string, meta RequestMeta) error {
	if token == "" {
		return invalidRequest("token is required")
	}

	var userID, clientID string
	at, err := s.store.GetAccessToken(ctx, token)
	if err != nil {
		return serverError(err)
	}
	if at != nil {
		userID, clientID = at.UserID, at.ClientID
	} else {
		rg, err := s.store.GetRefreshToken(ctx, token)
		if err != nil {
			return serverError(err)
		}
		if rg != nil {
			userID, clientID = rg.UserID, rg.ClientID
		}
	}

	removed, err := s.store.RevokeToken(ctx, token)
	if err != nil {
		return serverError(err)
	}
	if removed {
		s.record(ctx, store.ActionRevoke, userID, clientID, meta)
	}
	return nil
}

// RevokeConsent withdraws the user's grant to clientID together with every
// token issued under it.
func (s *Service) RevokeConsent(ctx context.Context, userID, clientID string) error {
	return s.store.RevokeConsent(ctx, userID, clientID)
}
