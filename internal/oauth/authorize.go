package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/example/idp/internal/auth"
	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/store"
)

// AuthorizeRequest carries the authorize endpoint query parameters.
type AuthorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

func AuthorizeRequestFromQuery(q url.Values) AuthorizeRequest {
	return AuthorizeRequest{
		ResponseType:        q.Get("response_type"),
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		Nonce:               q.Get("nonce"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
}

func (r AuthorizeRequest) values() url.Values {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("response_type", r.ResponseType)
	set("client_id", r.ClientID)
	set("redirect_uri", r.RedirectURI)
	set("scope", r.Scope)
	set("state", r.State)
	set("nonce", r.Nonce)
	set("code_challenge", r.CodeChallenge)
	set("code_challenge_method", r.CodeChallengeMethod)
	return v
}

// AuthorizeResult is where the browser goes next. CSRFToken is set when the
// consent page is next and must be handed to the browser as a cookie.
type AuthorizeResult struct {
	RedirectURL string
	CSRFToken   string
}

// Authorize validates the request and decides between login, silent code
// issuance and the consent page. Errors with a RedirectURI belong in the
// client callback; all others are returned to the caller directly.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest, id *auth.Identity, meta RequestMeta) (*AuthorizeResult, error) {
	app, err := s.validateAuthorize(ctx, &req)
	if err != nil {
		return nil, err
	}

	if id == nil {
		if err := ensureState(&req); err != nil {
			return nil, serverError(err)
		}
		returnURL := s.cfg.Issuer + AuthorizePath + "?" + req.values().Encode()
		login := withQuery(s.cfg.Issuer+s.cfg.LoginPath, map[string]string{"returnUrl": returnURL})
		return &AuthorizeResult{RedirectURL: login}, nil
	}

	consent, err := s.store.GetConsent(ctx, id.User.ID, app.ClientID)
	if err != nil {
		return nil, serverError(err)
	}
	if consent != nil && scopeCovers(consent.Scope, req.Scope) {
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
			return nil, serverError(err)
		}
		s.record(ctx, store.ActionAuthorize, id.User.ID, app.ClientID, meta)
		return &AuthorizeResult{RedirectURL: withQuery(req.RedirectURI, map[string]string{"code": code, "state": req.State})}, nil
	}

	res := &AuthorizeResult{}
	if s.cfg.CSRFConsent {
		if err := ensureState(&req); err != nil {
			return nil, serverError(err)
		}
		if res.CSRFToken, err = credential.NewToken(); err != nil {
			return nil, serverError(err)
		}
	}
	page := s.cfg.Issuer + s.cfg.ConsentPagePath
	v := req.values()
	v.Del("response_type")
	res.RedirectURL = page + "?" + v.Encode()
	return res, nil
}

// validateAuthorize checks the request in protocol order and normalizes
// scope and challenge method.
func (s *Service) validateAuthorize(ctx context.Context, req *AuthorizeRequest) (*store.Application, error) {
	if req.ResponseType != "code" {
		return nil, newError(http.StatusBadRequest, CodeUnsupportedResponseType, "Only code response type is supported")
	}
	if req.ClientID == "" {
		return nil, invalidRequest("client_id is required")
	}
	app, err := s.store.GetApplicationByClientID(ctx, req.ClientID)
	if err != nil {
		return nil, serverError(err)
	}
	if app == nil {
		return nil, newError(http.StatusBadRequest, CodeInvalidClient, "Client not found")
	}
	if req.RedirectURI == "" {
		return nil, invalidRequest("redirect_uri is required")
	}
	if !MatchRedirectURI(app.RedirectURIs, req.RedirectURI) {
		return nil, invalidRequest("Invalid redirect_uri")
	}

	// the redirect URI is trusted from here on
	if req.Scope == "" {
		req.Scope = ScopeOpenID
	}
	if bad, ok := ValidateScopes(app.Scopes, req.Scope); !ok {
		return nil, redirectError(newError(http.StatusFound, CodeInvalidScope, fmt.Sprintf("Scope '%s' is not allowed", bad)), req.RedirectURI, req.State)
	}
	if err := normalizeChallenge(&req.CodeChallenge, &req.CodeChallengeMethod); err != nil {
		return nil, redirectError(err, req.RedirectURI, req.State)
	}
	return app, nil
}

// normalizeChallenge defaults the method to plain when a challenge is given
// and drops a method sent without one.
func normalizeChallenge(challenge, method *string) *Error {
	if *challenge == "" {
		*method = ""
		return nil
	}
	if *method == "" {
		*method = credential.MethodPlain
	}
	if !credential.SupportedMethod(*method) {
		return invalidRequest("Unsupported code_challenge_method")
	}
	return nil
}

func ensureState(req *AuthorizeRequest) error {
	if req.State != "" {
		return nil
	}
	st, err := credential.NewToken()
	if err != nil {
		return err
	}
	req.State = st
	return nil
}
