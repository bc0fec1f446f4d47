// Package store persists users, sessions, applications, grants and audit
// entries. Lookups return nil, nil when the row does not exist.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by mutations that target a missing row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("already exists")
)

// Store is implemented by the memory, sqlite and postgres backends.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CountUsers(ctx context.Context) (int64, error)
	UpdateUserRole(ctx context.Context, id, role string) error

	// Sessions
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	// ReplaceUserSession atomically drops every session of s.UserID and
	// stores s, returning how many were dropped.
	ReplaceUserSession(ctx context.Context, s *Session) (int64, error)

	// Applications
	CreateApplication(ctx context.Context, a *Application) error
	GetApplicationByID(ctx context.Context, id string) (*Application, error)
	GetApplicationByClientID(ctx context.Context, clientID string) (*Application, error)
	// ListApplications returns every application when ownerID is empty.
	ListApplications(ctx context.Context, ownerID string) ([]*Application, error)
	UpdateApplication(ctx context.Context, id string, upd ApplicationUpdate, now int64) (*Application, error)
	UpdateClientSecret(ctx context.Context, id, secretHash string, now int64) error
	// DeleteApplication removes the application and everything issued to it.
	DeleteApplication(ctx context.Context, id string) error

	// Authorization codes
	CreateAuthorizationCode(ctx context.Context, c *AuthorizationCode) error
	// ConsumeAuthorizationCode deletes the code and returns the deleted row in
	// one atomic step. Expired rows are returned as well.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// Access and refresh tokens
	CreateAccessToken(ctx context.Context, t *AccessToken) error
	GetAccessToken(ctx context.Context, token string) (*AccessToken, error)
	DeleteAccessTokenByID(ctx context.Context, id string) error
	CreateRefreshToken(ctx context.Context, t *RefreshToken) error
	GetRefreshToken(ctx context.Context, token string) (*RefreshGrant, error)
	DeleteRefreshToken(ctx context.Context, token string) (bool, error)
	// RevokeToken deletes token as an access token (with the refresh tokens
	// chained to it) or, failing that, as a refresh token.
	RevokeToken(ctx context.Context, token string) (bool, error)

	// Consents
	UpsertConsent(ctx context.Context, c *Consent) error
	GetConsent(ctx context.Context, userID, clientID string) (*Consent, error)
	ListConsents(ctx context.Context, userID string) ([]*ConsentView, error)
	// RevokeConsent deletes the consent row and every token issued under it.
	RevokeConsent(ctx context.Context, userID, clientID string) error

	// Audit
	CreateAuthLog(ctx context.Context, l *AuthLog) error
	ListAuthLogs(ctx context.Context, userID string, limit, offset int) ([]*AuthLog, int64, error)

	// Settings
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string, now int64) error

	// DeleteExpired purges rows whose expiry is at or before now.
	DeleteExpired(ctx context.Context, now int64) (PurgeStats, error)

	Ping(ctx context.Context) error
	Close() error
}
