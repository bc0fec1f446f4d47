package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

const (
	tokenRateScope = "oauth:token"
	noClient       = "no-client"
	basicChallenge = `Basic realm="idp"`

	invalidCodeMessage    = "Invalid authorization code"
	invalidRefreshMessage = "Invalid refresh token"
)

// TokenRequest is a token endpoint call. Params holds the form or JSON body;
// the Basic fields come from the Authorization header.
type TokenRequest struct {
	Params      url.Values
	BasicID     string
	BasicSecret string
	HasBasic    bool
	Meta        RequestMeta
}

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// Token authenticates the client and redeems the grant.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	resp, grant, err := s.token(ctx, req)
	if err != nil {
		var oerr *Error
		if errors.As(err, &oerr) {
			s.metrics.TokenError(oerr.Code)
			if oerr.Code == CodeServerError {
				s.logger.Error("token request failed", zap.Error(err))
			}
		}
		return nil, err
	}
	s.metrics.TokenIssued(grant)
	return resp, nil
}

func (s *Service) token(ctx context.Context, req TokenRequest) (*TokenResponse, string, error) {
	clientID := req.Params.Get("client_id")
	secret := req.Params.Get("client_secret")
	if req.HasBasic {
		if clientID == "" {
			clientID = req.BasicID
		}
		if secret == "" {
			secret = req.BasicSecret
		}
	}

	if err := s.throttle(ctx, req.Meta.IP, clientID); err != nil {
		return nil, "", err
	}

	app, err := s.authenticateClient(ctx, clientID, secret, req.Params.Has("code_verifier"), req.HasBasic)
	if err != nil {
		return nil, "", err
	}

	grant, err := ParseGrant(req.Params)
	if err != nil {
		return nil, "", err
	}

	var resp *TokenResponse
	switch g := grant.(type) {
	case AuthorizationCodeGrant:
		resp, err = s.exchangeCode(ctx, app, g, req.Meta)
	case RefreshTokenGrant:
		resp, err = s.refresh(ctx, app, g, req.Meta)
	}
	if err != nil {
		return nil, "", err
	}
	return resp, grant.grantType(), nil
}

func (s *Service) throttle(ctx context.Context, ip, clientID string) error {
	if s.limiter == nil {
		return nil
	}
	if clientID == "" {
		clientID = noClient
	}
	res, err := s.limiter.Allow(ctx, ratelimit.Key(tokenRateScope, ip, clientID), s.cfg.TokenRateLimit, s.cfg.TokenRateWindow)
	if err != nil {
		s.logger.Warn("token rate limiter unavailable", zap.Error(err))
		return nil
	}
	if res.Allowed {
		return nil
	}
	s.metrics.RateLimited(tokenRateScope)
	e := newError(http.StatusTooManyRequests, CodeSlowDown, "Too many requests")
	e.RetryAfter = res.RetryAfter
	return e
}

// authenticateClient resolves the client. A request carrying code_verifier
// is treated as a public client and skips the secret check.
func (s *Service) authenticateClient(ctx context.Context, clientID, secret string, pkce, basic bool) (*store.Application, error) {
	fail := func(desc string) error {
		e := newError(http.StatusBadRequest, CodeInvalidClient, desc)
		if basic {
			e.Status = http.StatusUnauthorized
			e.Challenge = basicChallenge
		}
		return e
	}
	if clientID == "" {
		return nil, fail("client_id is required")
	}
	app, err := s.store.GetApplicationByClientID(ctx, clientID)
	if err != nil {
		return nil, serverError(err)
	}
	if app == nil {
		return nil, fail("Client not found")
	}
	if !pkce && secret != "" && !credential.CompareSecret(app.SecretHash, secret) {
		return nil, fail("Invalid client_secret")
	}
	return app, nil
}

// exchangeCode redeems an authorization code. The code is consumed before
// any check runs, so a failed exchange still burns it.
func (s *Service) exchangeCode(ctx context.Context, app *store.Application, g AuthorizationCodeGrant, meta RequestMeta) (*TokenResponse, error) {
	code, err := s.store.ConsumeAuthorizationCode(ctx, g.Code)
	if err != nil {
		return nil, serverError(err)
	}
	if code == nil {
		return nil, invalidGrant(invalidCodeMessage)
	}
	if reason := s.checkCode(code, app, g); reason != "" {
		s.logger.Info("authorization code rejected", zap.String("client_id", app.ClientID), zap.String("reason", reason))
		return nil, invalidGrant(invalidCodeMessage)
	}

	at, err := s.mintAccessToken(ctx, code.ClientID, code.UserID, code.Scope)
	if err != nil {
		return nil, serverError(err)
	}
	resp := s.tokenResponse(at)

	if HasScope(code.Scope, ScopeOfflineAccess) {
		rt, err := s.mintRefreshToken(ctx, at.ID)
		if err != nil {
			return nil, serverError(err)
		}
		resp.RefreshToken = rt.Token
	}

	if HasScope(code.Scope, ScopeOpenID) {
		nonce := code.Nonce
		if nonce == "" {
			nonce = g.Nonce
		}
		idToken, err := s.idToken(ctx, code.UserID, code.ClientID, code.Scope, nonce, code.AuthTime)
		if err != nil {
			return nil, serverError(err)
		}
		resp.IDToken = idToken
	}

	s.record(ctx, store.ActionToken, code.UserID, code.ClientID, meta)
	return resp, nil
}

// checkCode returns why the code cannot be redeemed, or "".
func (s *Service) checkCode(code *store.AuthorizationCode, app *store.Application, g AuthorizationCodeGrant) string {
	switch {
	case code.ExpiresAt <= s.now().Unix():
		return "expired"
	case code.ClientID != app.ClientID:
		return "client mismatch"
	case code.RedirectURI != g.RedirectURI:
		return "redirect_uri mismatch"
	case code.CodeChallenge != "" && g.CodeVerifier == "":
		return "missing code_verifier"
	case code.CodeChallenge != "" && !credential.VerifyPKCE(g.CodeVerifier, code.CodeChallenge, code.CodeChallengeMethod):
		return "pkce verification failed"
	}
	return ""
}

// refresh issues a new access token. Refresh tokens are single use: the
// presented one is deleted before the replacement is minted, and losing that
// delete to a concurrent request fails the grant.
func (s *Service) refresh(ctx context.Context, app *store.Application, g RefreshTokenGrant, meta RequestMeta) (*TokenResponse, error) {
	rg, err := s.store.GetRefreshToken(ctx, g.RefreshToken)
	if err != nil {
		return nil, serverError(err)
	}
	if rg == nil || rg.ExpiresAt <= s.now().Unix() || rg.ClientID != app.ClientID {
		return nil, invalidGrant(invalidRefreshMessage)
	}

	rotate := HasScope(rg.Scope, ScopeOfflineAccess)
	if rotate {
		deleted, err := s.store.DeleteRefreshToken(ctx, rg.Token)
		if err != nil {
			return nil, serverError(err)
		}
		if !deleted {
			return nil, invalidGrant(invalidRefreshMessage)
		}
	}

	at, err := s.mintAccessToken(ctx, rg.ClientID, rg.UserID, rg.Scope)
	if err != nil {
		return nil, serverError(err)
	}
	resp := s.tokenResponse(at)

	if rotate {
		rt, err := s.mintRefreshToken(ctx, at.ID)
		if err != nil {
			return nil, serverError(err)
		}
		resp.RefreshToken = rt.Token

		if s.cfg.RevokeAccessTokenOnRefresh {
			if err := s.store.DeleteAccessTokenByID(ctx, rg.AccessTokenID); err != nil {
				s.logger.Warn("revoking superseded access token", zap.Error(err))
			}
		}
	}

	s.record(ctx, store.ActionToken, rg.UserID, rg.ClientID, meta)
	return resp, nil
}

func (s *Service) tokenResponse(at *store.AccessToken) *TokenResponse {
	return &TokenResponse{
		AccessToken: at.Token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.cfg.AccessTokenTTL.Seconds()),
		Scope:       at.Scope,
	}
}
