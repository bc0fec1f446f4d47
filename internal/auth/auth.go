// Package auth manages local accounts and the browser session that
// authenticates a resource owner to the authorize and consent pages.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

// CookieName carries the signed session token.
const CookieName = "auth_token"

var (
	ErrInvalidCredentials = errors.New("invalid username/email or password")
	ErrUnauthenticated    = errors.New("not logged in")
	ErrRegistrationClosed = errors.New("registration is disabled")
	ErrUsernameTaken      = errors.New("username already in use")
	ErrEmailTaken         = errors.New("email already registered")
)

// ValidationError reports a rejected registration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]{3,20}$`)
	emailPattern    = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)
)

const minPasswordLen = 6

type Config struct {
	Secret      []byte
	SessionTTL  time.Duration
	LoginLimit  int
	LoginWindow time.Duration
}

type Service struct {
	store   store.Store
	limiter ratelimit.Limiter
	logger  *zap.Logger
	cfg     Config
	now     func() time.Time
}

func NewService(s store.Store, limiter ratelimit.Limiter, logger *zap.Logger, cfg Config) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 7 * 24 * time.Hour
	}
	if cfg.LoginLimit == 0 {
		cfg.LoginLimit = 10
	}
	if cfg.LoginWindow == 0 {
		cfg.LoginWindow = 5 * time.Minute
	}
	return &Service{store: s, limiter: limiter, logger: logger.Named("auth"), cfg: cfg, now: time.Now}
}

// WithClock replaces the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Claims is the payload of the session cookie.
type Claims struct {
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"sessionId"`
	jwt.RegisteredClaims
}

// Identity is a resolved, live session.
type Identity struct {
	User    *store.User
	Session *store.Session
}

type RegisterInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Nickname string `json:"nickname"`
}

func (in RegisterInput) validate() error {
	if in.Username == "" || in.Email == "" || in.Password == "" {
		return &ValidationError{Field: "username", Message: "username, email and password are required"}
	}
	if !usernamePattern.MatchString(in.Username) {
		return &ValidationError{Field: "username", Message: "must be 3-20 letters, digits or underscores"}
	}
	if !emailPattern.MatchString(in.Email) {
		return &ValidationError{Field: "email", Message: "invalid email address"}
	}
	if len(in.Password) < minPasswordLen {
		return &ValidationError{Field: "password", Message: fmt.Sprintf("must be at least %d characters", minPasswordLen)}
	}
	return nil
}

// RegistrationAllowed reads the allow_registration setting.
func (s *Service) RegistrationAllowed(ctx context.Context) (bool, error) {
	v, ok, err := s.store.GetSetting(ctx, store.SettingAllowRegistration)
	if err != nil {
		return false, err
	}
	if !ok {
		v = store.DefaultSettings[store.SettingAllowRegistration]
	}
	return v == "true", nil
}

// Register creates an account. The first account becomes an admin.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.User, error) {
	allowed, err := s.RegistrationAllowed(ctx)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrRegistrationClosed
	}
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.TrimSpace(in.Email)
	if err := in.validate(); err != nil {
		return nil, err
	}

	if u, err := s.store.GetUserByUsername(ctx, in.Username); err != nil {
		return nil, err
	} else if u != nil {
		return nil, ErrUsernameTaken
	}
	if u, err := s.store.GetUserByEmail(ctx, in.Email); err != nil {
		return nil, err
	} else if u != nil {
		return nil, ErrEmailTaken
	}

	hash, err := credential.HashSecret(in.Password)
	if err != nil {
		return nil, err
	}
	count, err := s.store.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	role := store.RoleUser
	if count == 0 {
		role = store.RoleAdmin
	}
	now := s.now().Unix()
	u := &store.User{
		ID:        uuid.NewString(),
		Username:  in.Username,
		Email:     in.Email,
		Password:  hash,
		Nickname:  in.Nickname,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("role", role))
	return u, nil
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User      *store.User
	Token     string
	ExpiresAt time.Time
}

// Login authenticates by username or email. Every earlier session of the
// user is replaced by the new one, and the caller's throttle window is
// cleared.
func (s *Service) Login(ctx context.Context, ip, identifier, password string) (*LoginResult, error) {
	limitKey := ratelimit.Key("auth:login", ip)
	if s.limiter != nil {
		res, err := s.limiter.Allow(ctx, limitKey, s.cfg.LoginLimit, s.cfg.LoginWindow)
		if err != nil {
			s.logger.Warn("login rate limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			return nil, &ratelimit.ExceededError{Scope: "auth:login", RetryAfter: res.RetryAfter}
		}
	}

	u, err := s.store.GetUserByUsername(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if u == nil {
		if u, err = s.store.GetUserByEmail(ctx, identifier); err != nil {
			return nil, err
		}
	}
	if u == nil || !credential.CompareSecret(u.Password, password) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	expires := now.Add(s.cfg.SessionTTL)
	sess := &store.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		Token:     uuid.NewString(),
		ExpiresAt: expires.Unix(),
		CreatedAt: now.Unix(),
	}
	if _, err := s.store.ReplaceUserSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("replacing sessions: %w", err)
	}
	if s.limiter != nil {
		if err := s.limiter.Reset(ctx, limitKey); err != nil {
			s.logger.Warn("login rate limit reset failed", zap.Error(err))
		}
	}

	claims := Claims{
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role,
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return nil, fmt.Errorf("signing session: %w", err)
	}
	s.logger.Info("login", zap.String("user_id", u.ID), zap.String("session_id", sess.ID))
	return &LoginResult{User: u, Token: token, ExpiresAt: expires}, nil
}

func (s *Service) parse(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthenticated
	}
	return claims, nil
}

// Resolve validates a session cookie against the sessions table.
func (s *Service) Resolve(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.UserID != claims.UserID || sess.ExpiresAt <= s.now().Unix() {
		return nil, ErrUnauthenticated
	}
	u, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUnauthenticated
	}
	return &Identity{User: u, Session: sess}, nil
}

// Logout deletes the session behind token. An invalid token is not an error.
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.parse(token)
	if err != nil {
		return nil
	}
	_, err = s.store.DeleteSession(ctx, claims.SessionID)
	return err
}
