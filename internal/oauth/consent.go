package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/example/idp/internal/auth"
	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/store"
)

// CSRFCookie holds the double-submit token for the consent POST.
const CSRFCookie = "oauth_csrf"

// ConsentRequest is the consent page submission.
type ConsentRequest struct {
	ClientID            string `json:"clientId"`
	RedirectURI         string `json:"redirectUri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	Nonce               string `json:"nonce"`
	CodeChallenge       string `json:"codeChallenge"`
	CodeChallengeMethod string `json:"codeChallengeMethod"`
	Approve             bool   `json:"approve"`

	CSRFHeader string `json:"-"`
	CSRFCookie string `json:"-"`
}

// Consent records the user's decision and returns the callback URL for the
// page to navigate to.
func (s *Service) Consent(ctx context.Context, req ConsentRequest, id *auth.Identity, meta RequestMeta) (string, error) {
	if id == nil {
		return "", newError(http.StatusUnauthorized, CodeUnauthorized, "login required")
	}
	if s.cfg.CSRFConsent {
		if req.CSRFCookie == "" || !credential.Equal(req.CSRFHeader, req.CSRFCookie) {
			return "", newError(http.StatusForbidden, CodeForbidden, "invalid CSRF token")
		}
		if req.State == "" {
			return "", invalidRequest("state is required")
		}
	}

	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		return "", serverError(err)
	}
	if app == nil {
		return "", newError(http.StatusBadRequest, CodeInvalidClient, "Client not found")
	}
	if !MatchRedirectURI(app.RedirectURIs, req.RedirectURI) {
		return "", invalidRequest("Invalid redirect_uri")
	}
	if req.Scope == "" {
		req.Scope = ScopeOpenID
	}
	if bad, ok := ValidateScopes(app.Scopes, req.Scope); !ok {
		return "", newError(http.StatusBadRequest, CodeInvalidScope, fmt.Sprintf("Scope '%s' is not allowed", bad))
	}
	if err := normalizeChallenge(&req.CodeChallenge, &req.CodeChallengeMethod); err != nil {
		return "", err
	}

	if !req.Approve {
		s.logger.Debug("consent denied")
		return withQuery(req.RedirectURI, map[string]string{
			"error":             CodeAccessDenied,
			"error_description": "User denied the authorization request",
			"state":             req.State,
		}), nil
	}

	err = s.store.UpsertConsent(ctx, &store.Consent{
		ID:        uuid.NewString(),
		UserID:    id.User.ID,
		ClientID:  app.ClientID,
		Scope:     req.Scope,
		CreatedAt: s.now().Unix(),
	})
	if err != nil {
		return "", serverError(err)
	}
	s.record(ctx, store.ActionConsent, id.User.ID, app.ClientID, meta)

	code, err := s.issueCode(ctx, codeParams{
		ClientID:            app.ClientID,
		UserID:              id.User.ID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		AuthTime:            id.Session.CreatedAt,
	})
	if err != nil {
		return "", serverError(err)
	}
	return withQuery(req.RedirectURI, map[string]string{"code": code, "state": req.State}), nil
}
