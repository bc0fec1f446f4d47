package store

// Roles a user can hold.
const (
	RoleAdmin     = "admin"
	RoleDeveloper = "developer"
	RoleUser      = "user"
)

// Timestamps are unix seconds throughout, so the same rows round-trip through
// every backend without driver-specific time handling.

// User is a resource owner.
type User struct {
	ID        string
	Username  string
	Email     string
	Password  string // bcrypt hash
	Nickname  string
	Role      string
	CreatedAt int64
	UpdatedAt int64
}

// DisplayName is the nickname when set, otherwise the username.
func (u *User) DisplayName() string {
	if u.Nickname != "" {
		return u.Nickname
	}
	return u.Username
}

// Session authenticates a user to the authorize and consent pages.
type Session struct {
	ID        string
	UserID    string
	Token     string
	ExpiresAt int64
	CreatedAt int64
}

// Application is a registered OAuth client.
type Application struct {
	ID           string
	ClientID     string
	SecretHash   string
	Name         string
	Description  string
	RedirectURIs []string
	Scopes       []string
	OwnerID      string
	CreatedAt    int64
	UpdatedAt    int64
}

// ApplicationUpdate carries the mutable application fields. Nil fields are
// left unchanged.
type ApplicationUpdate struct {
	Name         *string
	Description  *string
	RedirectURIs []string
	Scopes       []string
}

// AuthorizationCode binds a single-use code to the request that produced it.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	UserID              string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	AuthTime            int64
	ExpiresAt           int64
	CreatedAt           int64
}

// AccessToken is an opaque bearer credential.
type AccessToken struct {
	ID        string
	Token     string
	ClientID  string
	UserID    string
	Scope     string
	ExpiresAt int64
	CreatedAt int64
}

// RefreshToken is issued alongside an access token and inherits its grant.
type RefreshToken struct {
	ID            string
	Token         string
	AccessTokenID string
	ExpiresAt     int64
	CreatedAt     int64
}

// RefreshGrant is a refresh token joined with the access token it was issued
// with.
type RefreshGrant struct {
	RefreshToken
	ClientID string
	UserID   string
	Scope    string
}

// Consent records the scope a user granted a client.
type Consent struct {
	ID        string
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt int64
}

// ConsentView is a consent joined with the application it names.
type ConsentView struct {
	Consent
	ApplicationName        string
	ApplicationDescription string
	OwnerUsername          string
}

// Audit actions.
const (
	ActionAuthorize = "authorize"
	ActionConsent   = "consent"
	ActionToken     = "token"
	ActionRevoke    = "revoke"
)

// AuthLog is an audit trail entry.
type AuthLog struct {
	ID              string
	UserID          string
	ClientID        string
	Action          string
	IPAddress       string
	UserAgent       string
	CreatedAt       int64
	ApplicationName string
}

// Well-known setting keys.
const (
	SettingAllowRegistration = "allow_registration"
	SettingAvatarProvider    = "avatar_provider"
)

// DefaultSettings are seeded when a store is initialised.
var DefaultSettings = map[string]string{
	SettingAllowRegistration: "true",
	SettingAvatarProvider:    "gravatar",
}

// PurgeStats counts rows removed by DeleteExpired.
type PurgeStats struct {
	Codes         int64
	AccessTokens  int64
	RefreshTokens int64
	Sessions      int64
}

// Total is the number of rows removed.
func (p PurgeStats) Total() int64 {
	return p.Codes + p.AccessTokens + p.RefreshTokens + p.Sessions
}
