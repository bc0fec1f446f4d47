package store

import (
	"context"
	"sort"
	"sync"
)

// MemDB keeps everything in maps behind a single mutex. Every method is one
// critical section, which is what makes ConsumeAuthorizationCode and the
// cascades atomic here.
type MemDB struct {
	mu sync.Mutex

	users         map[string]*User
	sessions      map[string]*Session
	apps          map[string]*Application
	codes         map[string]*AuthorizationCode
	accessTokens  map[string]*AccessToken // keyed by token value
	refreshTokens map[string]*RefreshToken
	consents      map[[2]string]*Consent
	logs          []*AuthLog
	settings      map[string]string
}

var _ Store = (*MemDB)(nil)

func NewMemoryDB() *MemDB {
	m := &MemDB{
		users:         map[string]*User{},
		sessions:      map[string]*Session{},
		apps:          map[string]*Application{},
		codes:         map[string]*AuthorizationCode{},
		accessTokens:  map[string]*AccessToken{},
		refreshTokens: map[string]*RefreshToken{},
		consents:      map[[2]string]*Consent{},
		settings:      map[string]string{},
	}
	for k, v := range DefaultSettings {
		m.settings[k] = v
	}
	return m
}

func (m *MemDB) CreateUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username || existing.Email == u.Email {
			return ErrConflict
		}
	}
	c := *u
	m.users[u.ID] = &c
	return nil
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		c := *u
		return &c, nil
	}
	return nil, nil
}

func (m *MemDB) GetUserByUsername(_ context.Context, username string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemDB) CountUsers(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.users)), nil
}

func (m *MemDB) UpdateUserRole(_ context.Context, id, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Role = role
	return nil
}

func (m *MemDB) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *MemDB) GetSession(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (m *MemDB) DeleteSession(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok, nil
}

func (m *MemDB) ReplaceUserSession(_ context.Context, sess *Session) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, s := range m.sessions {
		if s.UserID == sess.UserID {
			delete(m.sessions, id)
			n++
		}
	}
	c := *sess
	m.sessions[sess.ID] = &c
	return n, nil
}

func copyApp(a *Application) *Application {
	c := *a
	c.RedirectURIs = append([]string(nil), a.RedirectURIs...)
	c.Scopes = append([]string(nil), a.Scopes...)
	return &c
}

func (m *MemDB) CreateApplication(_ context.Context, a *Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.apps {
		if existing.ClientID == a.ClientID {
			return ErrConflict
		}
	}
	m.apps[a.ID] = copyApp(a)
	return nil
}

func (m *MemDB) GetApplicationByID(_ context.Context, id string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.apps[id]; ok {
		return copyApp(a), nil
	}
	return nil, nil
}

func (m *MemDB) GetApplicationByClientID(_ context.Context, clientID string) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a := m.appByClientID(clientID); a != nil {
		return copyApp(a), nil
	}
	return nil, nil
}

func (m *MemDB) appByClientID(clientID string) *Application {
	for _, a := range m.apps {
		if a.ClientID == clientID {
			return a
		}
	}
	return nil
}

func (m *MemDB) ListApplications(_ context.Context, ownerID string) ([]*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Application
	for _, a := range m.apps {
		if ownerID == "" || a.OwnerID == ownerID {
			out = append(out, copyApp(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (m *MemDB) UpdateApplication(_ context.Context, id string, upd ApplicationUpdate, now int64) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		a.Name = *upd.Name
	}
	if upd.Description != nil {
		a.Description = *upd.Description
	}
	if upd.RedirectURIs != nil {
		a.RedirectURIs = append([]string(nil), upd.RedirectURIs...)
	}
	if upd.Scopes != nil {
		a.Scopes = append([]string(nil), upd.Scopes...)
	}
	a.UpdatedAt = now
	return copyApp(a), nil
}

func (m *MemDB) UpdateClientSecret(_ context.Context, id, secretHash string, now int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return ErrNotFound
	}
	a.SecretHash = secretHash
	a.UpdatedAt = now
	return nil
}

func (m *MemDB) DeleteApplication(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.apps[id]
	if !ok {
		return ErrNotFound
	}
	clientID := a.ClientID
	for tok, at := range m.accessTokens {
		if at.ClientID == clientID {
			m.deleteChainedRefreshTokens(at.ID)
			delete(m.accessTokens, tok)
		}
	}
	for code, c := range m.codes {
		if c.ClientID == clientID {
			delete(m.codes, code)
		}
	}
	for key, c := range m.consents {
		if c.ClientID == clientID {
			delete(m.consents, key)
		}
	}
	kept := m.logs[:0]
	for _, l := range m.logs {
		if l.ClientID != clientID {
			kept = append(kept, l)
		}
	}
	m.logs = kept
	delete(m.apps, id)
	return nil
}

func (m *MemDB) deleteChainedRefreshTokens(accessTokenID string) {
	for tok, rt := range m.refreshTokens {
		if rt.AccessTokenID == accessTokenID {
			delete(m.refreshTokens, tok)
		}
	}
}

func (m *MemDB) CreateAuthorizationCode(_ context.Context, c *AuthorizationCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.codes[c.Code]; ok {
		return ErrConflict
	}
	cp := *c
	m.codes[c.Code] = &cp
	return nil
}

func (m *MemDB) ConsumeAuthorizationCode(_ context.Context, code string) (*AuthorizationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil
	}
	delete(m.codes, code)
	return c, nil
}

func (m *MemDB) CreateAccessToken(_ context.Context, t *AccessToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accessTokens[t.Token]; ok {
		return ErrConflict
	}
	c := *t
	m.accessTokens[t.Token] = &c
	return nil
}

func (m *MemDB) GetAccessToken(_ context.Context, token string) (*AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.accessTokens[token]; ok {
		c := *t
		return &c, nil
	}
	return nil, nil
}

func (m *MemDB) DeleteAccessTokenByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for tok, at := range m.accessTokens {
		if at.ID == id {
			m.deleteChainedRefreshTokens(id)
			delete(m.accessTokens, tok)
			return nil
		}
	}
	return nil
}

func (m *MemDB) CreateRefreshToken(_ context.Context, t *RefreshToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refreshTokens[t.Token]; ok {
		return ErrConflict
	}
	c := *t
	m.refreshTokens[t.Token] = &c
	return nil
}

func (m *MemDB) GetRefreshToken(_ context.Context, token string) (*RefreshGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.refreshTokens[token]
	if !ok {
		return nil, nil
	}
	for _, at := range m.accessTokens {
		if at.ID == rt.AccessTokenID {
			return &RefreshGrant{RefreshToken: *rt, ClientID: at.ClientID, UserID: at.UserID, Scope: at.Scope}, nil
		}
	}
	return nil, nil
}

func (m *MemDB) DeleteRefreshToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.refreshTokens[token]
	delete(m.refreshTokens, token)
	return ok, nil
}

func (m *MemDB) RevokeToken(_ context.Context, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if at, ok := m.accessTokens[token]; ok {
		m.deleteChainedRefreshTokens(at.ID)
		delete(m.accessTokens, token)
		return true, nil
	}
	if _, ok := m.refreshTokens[token]; ok {
		delete(m.refreshTokens, token)
		return true, nil
	}
	return false, nil
}

func (m *MemDB) UpsertConsent(_ context.Context, c *Consent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{c.UserID, c.ClientID}
	if existing, ok := m.consents[key]; ok {
		existing.Scope = c.Scope
		existing.CreatedAt = c.CreatedAt
		return nil
	}
	cp := *c
	m.consents[key] = &cp
	return nil
}

func (m *MemDB) GetConsent(_ context.Context, userID, clientID string) (*Consent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.consents[[2]string{userID, clientID}]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDB) ListConsents(_ context.Context, userID string) ([]*ConsentView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*ConsentView
	for _, c := range m.consents {
		if c.UserID != userID {
			continue
		}
		v := &ConsentView{Consent: *c}
		if a := m.appByClientID(c.ClientID); a != nil {
			v.ApplicationName = a.Name
			v.ApplicationDescription = a.Description
			if owner, ok := m.users[a.OwnerID]; ok {
				v.OwnerUsername = owner.Username
			}
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

func (m *MemDB) RevokeConsent(_ context.Context, userID, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]string{userID, clientID}
	if _, ok := m.consents[key]; !ok {
		return ErrNotFound
	}
	for tok, at := range m.accessTokens {
		if at.UserID == userID && at.ClientID == clientID {
			m.deleteChainedRefreshTokens(at.ID)
			delete(m.accessTokens, tok)
		}
	}
	delete(m.consents, key)
	return nil
}

func (m *MemDB) CreateAuthLog(_ context.Context, l *AuthLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *l
	m.logs = append(m.logs, &c)
	return nil
}

func (m *MemDB) ListAuthLogs(_ context.Context, userID string, limit, offset int) ([]*AuthLog, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*AuthLog
	for i := len(m.logs) - 1; i >= 0; i-- {
		l := m.logs[i]
		if l.UserID != userID {
			continue
		}
		c := *l
		if a := m.appByClientID(l.ClientID); a != nil {
			c.ApplicationName = a.Name
		}
		matched = append(matched, &c)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt > matched[j].CreatedAt })
	total := int64(len(matched))
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], total, nil
}

func (m *MemDB) GetSetting(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemDB) SetSetting(_ context.Context, key, value string, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MemDB) DeleteExpired(_ context.Context, now int64) (PurgeStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var st PurgeStats
	for k, c := range m.codes {
		if c.ExpiresAt <= now {
			delete(m.codes, k)
			st.Codes++
		}
	}
	for k, s := range m.sessions {
		if s.ExpiresAt <= now {
			delete(m.sessions, k)
			st.Sessions++
		}
	}
	live := map[string]bool{}
	for k, rt := range m.refreshTokens {
		if rt.ExpiresAt <= now {
			delete(m.refreshTokens, k)
			st.RefreshTokens++
			continue
		}
		live[rt.AccessTokenID] = true
	}
	for k, at := range m.accessTokens {
		if at.ExpiresAt <= now && !live[at.ID] {
			delete(m.accessTokens, k)
			st.AccessTokens++
		}
	}
	return st, nil
}

func (m *MemDB) Ping(context.Context) error { return nil }
func (m *MemDB) Close() error               { return nil }
