// Package oauth implements the authorization code flow with PKCE, refresh
// token rotation, revocation and the OpenID Connect subset served by the IdP.
package oauth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idp/internal/audit"
	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

// Endpoint paths, relative to the issuer.
const (
	AuthorizePath = "/api/oauth/authorize"
	ConsentPath   = "/api/oauth/consent"
	TokenPath     = "/api/oauth/token"
	RevokePath    = "/api/oauth/revoke"
	UserInfoPath  = "/api/oauth/userinfo"
	JWKSPath      = "/.well-known/jwks.json"
	DiscoveryPath = "/.well-known/openid-configuration"
)

// Signer signs identity tokens. *keys.Manager implements it.
type Signer interface {
	Sign(ctx context.Context, claims jwt.Claims) (string, error)
}

// Observer receives counters for issued tokens, failed token requests and
// throttled callers.
type Observer interface {
	TokenIssued(grant string)
	TokenError(code string)
	RateLimited(scope string)
}

type nopObserver struct{}

func (nopObserver) TokenIssued(string) {}
func (nopObserver) TokenError(string)  {}
func (nopObserver) RateLimited(string) {}

type Config struct {
	Issuer string
	// LoginPath and ConsentPagePath are the interactive pages, relative to
	// the issuer.
	LoginPath       string
	ConsentPagePath string

	CSRFConsent                bool
	RevokeAccessTokenOnRefresh bool

	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration

	TokenRateLimit  int
	TokenRateWindow time.Duration
}

func (c *Config) setDefaults() {
	if c.LoginPath == "" {
		c.LoginPath = "/login"
	}
	if c.ConsentPagePath == "" {
		c.ConsentPagePath = "/oauth/authorize"
	}
	if c.CodeTTL == 0 {
		c.CodeTTL = 10 * time.Minute
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = time.Hour
	}
	if c.TokenRateLimit == 0 {
		c.TokenRateLimit = 60
	}
	if c.TokenRateWindow == 0 {
		c.TokenRateWindow = time.Minute
	}
}

// Deps are the collaborators of a Service. Limiter, Audit, Logger and
// Metrics are optional.
type Deps struct {
	Store   store.Store
	Signer  Signer
	Limiter ratelimit.Limiter
	Audit   *audit.Recorder
	Logger  *zap.Logger
	Metrics Observer
}

type Service struct {
	store   store.Store
	signer  Signer
	limiter ratelimit.Limiter
	audit   *audit.Recorder
	logger  *zap.Logger
	metrics Observer
	cfg     Config
	now     func() time.Time
}

func NewService(d Deps, cfg Config) *Service {
	cfg.setDefaults()
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Metrics == nil {
		d.Metrics = nopObserver{}
	}
	return &Service{
		store:   d.Store,
		signer:  d.Signer,
		limiter: d.Limiter,
		audit:   d.Audit,
		logger:  d.Logger.Named("oauth"),
		metrics: d.Metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// RequestMeta identifies the caller for rate limiting and audit.
type RequestMeta struct {
	IP        string
	UserAgent string
}

func (s *Service) record(ctx context.Context, action, userID, clientID string, meta RequestMeta) {
	s.audit.Record(ctx, audit.Event{
		UserID:    userID,
		ClientID:  clientID,
		Action:    action,
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})
}

// codeParams is everything an authorization code is bound to.
type codeParams struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            int64
}

func (s *Service) issueCode(ctx context.Context, p codeParams) (string, error) {
	code, err := credential.NewToken()
	if err != nil {
		return "", err
	}
	now := s.now()
	err = s.store.CreateAuthorizationCode(ctx, &store.AuthorizationCode{
		Code:                code,
		ClientID:            p.ClientID,
		UserID:              p.UserID,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		Nonce:               p.Nonce,
		AuthTime:            p.AuthTime,
		ExpiresAt:           now.Add(s.cfg.CodeTTL).Unix(),
		CreatedAt:           now.Unix(),
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

func (s *Service) mintAccessToken(ctx context.Context, clientID, userID, scope string) (*store.AccessToken, error) {
	tok, err := credential.NewToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	at := &store.AccessToken{
		ID:        uuid.NewString(),
		Token:     tok,
		ClientID:  clientID,
		UserID:    userID,
		Scope:     scope,
		ExpiresAt: now.Add(s.cfg.AccessTokenTTL).Unix(),
		CreatedAt: now.Unix(),
	}
	if err := s.store.CreateAccessToken(ctx, at); err != nil {
		return nil, err
	}
	return at, nil
}

func (s *Service) mintRefreshToken(ctx context.Context, accessTokenID string) (*store.RefreshToken, error) {
	tok, err := credential.NewToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	rt := &store.RefreshToken{
		ID:            uuid.NewString(),
		Token:         tok,
		AccessTokenID: accessTokenID,
		ExpiresAt:     now.Add(s.cfg.RefreshTokenTTL).Unix(),
		CreatedAt:     now.Unix(),
	}
	if err := s.store.CreateRefreshToken(ctx, rt); err != nil {
		return nil, err
	}
	return rt, nil
}

// ClientInfo is the public description of an application shown on the
// consent page.
type ClientInfo struct {
	ClientID    string   `json:"clientId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Scopes      []string `json:"scopes"`
}

// ClientInfo returns nil when the client is unknown.
func (s *Service) ClientInfo(ctx context.Context, clientID string) (*ClientInfo, error) {
	app, err := s.store.GetApplicationByClientID(ctx, clientID)
	if err != nil || app == nil {
		return nil, err
	}
	return &ClientInfo{ClientID: app.ClientID, Name: app.Name, Description: app.Description, Scopes: app.Scopes}, nil
}
