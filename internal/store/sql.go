package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// stringList is a []string column codec: a TEXT[] on postgres, JSON text on
// sqlite.
type stringList interface {
	driver.Valuer
	sql.Scanner
}

type dialect struct {
	name string
	// numbered rewrites ? placeholders to $1..$n.
	numbered bool
	// rowLock is appended to SELECTs that must hold the row until commit.
	rowLock           string
	list              func(p *[]string) stringList
	isUniqueViolation func(err error) bool
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlDB holds the queries shared by the sqlite and postgres backends. Queries
// are written with ? placeholders and rebound per dialect.
type sqlDB struct {
	db *sql.DB
	d  dialect
}

func (s *sqlDB) bind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlDB) exec(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, s.bind(query), args...)
	if err != nil {
		return 0, s.mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqlDB) mapErr(err error) error {
	if err != nil && s.d.isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *sqlDB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Users

const userColumns = `id,username,email,password,nickname,role,created_at,updated_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Password, &u.Nickname, &u.Role, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

func (s *sqlDB) CreateUser(ctx context.Context, u *User) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.Email, u.Password, u.Nickname, u.Role, u.CreatedAt, u.UpdatedAt)
	return err
}

func (s *sqlDB) GetUserByID(ctx context.Context, id string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.bind(`SELECT `+userColumns+` FROM users WHERE id = ?`), id))
}

func (s *sqlDB) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.bind(`SELECT `+userColumns+` FROM users WHERE username = ?`), username))
}

func (s *sqlDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return scanUser(s.db.QueryRowContext(ctx, s.bind(`SELECT `+userColumns+` FROM users WHERE email = ?`), email))
}

func (s *sqlDB) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *sqlDB) UpdateUserRole(ctx context.Context, id, role string) error {
	n, err := s.exec(ctx, s.db, `UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Sessions

func (s *sqlDB) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO sessions(id,user_id,token,expires_at,created_at) VALUES(?,?,?,?,?)`,
		sess.ID, sess.UserID, sess.Token, sess.ExpiresAt, sess.CreatedAt)
	return err
}

func (s *sqlDB) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT id,user_id,token,expires_at,created_at FROM sessions WHERE id = ?`), id)
	var sess Session
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.ExpiresAt, &sess.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *sqlDB) DeleteSession(ctx context.Context, id string) (bool, error) {
	n, err := s.exec(ctx, s.db, `DELETE FROM sessions WHERE id = ?`, id)
	return n > 0, err
}

func (s *sqlDB) ReplaceUserSession(ctx context.Context, sess *Session) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		// Serializes concurrent logins of the same user.
		var id string
		err := tx.QueryRowContext(ctx, s.bind(`SELECT id FROM users WHERE id = ?`+s.d.rowLock), sess.UserID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if n, err = s.exec(ctx, tx, `DELETE FROM sessions WHERE user_id = ?`, sess.UserID); err != nil {
			return err
		}
		_, err = s.exec(ctx, tx, `INSERT INTO sessions(id,user_id,token,expires_at,created_at) VALUES(?,?,?,?,?)`,
			sess.ID, sess.UserID, sess.Token, sess.ExpiresAt, sess.CreatedAt)
		return err
	})
	return n, err
}

// Applications

const appColumns = `id,client_id,client_secret_hash,name,description,redirect_uris,scopes,user_id,created_at,updated_at`

func (s *sqlDB) scanApp(row interface{ Scan(...any) error }) (*Application, error) {
	var a Application
	if err := row.Scan(&a.ID, &a.ClientID, &a.SecretHash, &a.Name, &a.Description,
		s.d.list(&a.RedirectURIs), s.d.list(&a.Scopes), &a.OwnerID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

func (s *sqlDB) CreateApplication(ctx context.Context, a *Application) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO applications(`+appColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ClientID, a.SecretHash, a.Name, a.Description,
		s.d.list(&a.RedirectURIs), s.d.list(&a.Scopes), a.OwnerID, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *sqlDB) GetApplicationByID(ctx context.Context, id string) (*Application, error) {
	return s.scanApp(s.db.QueryRowContext(ctx, s.bind(`SELECT `+appColumns+` FROM applications WHERE id = ?`), id))
}

func (s *sqlDB) GetApplicationByClientID(ctx context.Context, clientID string) (*Application, error) {
	return s.scanApp(s.db.QueryRowContext(ctx, s.bind(`SELECT `+appColumns+` FROM applications WHERE client_id = ?`), clientID))
}

func (s *sqlDB) ListApplications(ctx context.Context, ownerID string) ([]*Application, error) {
	query := `SELECT ` + appColumns + ` FROM applications`
	var args []any
	if ownerID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, s.bind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var apps []*Application
	for rows.Next() {
		a, err := s.scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

func (s *sqlDB) UpdateApplication(ctx context.Context, id string, upd ApplicationUpdate, now int64) (*Application, error) {
	sets := []string{"updated_at = ?"}
	args := []any{now}
	if upd.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *upd.Name)
	}
	if upd.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *upd.Description)
	}
	if upd.RedirectURIs != nil {
		sets = append(sets, "redirect_uris = ?")
		args = append(args, s.d.list(&upd.RedirectURIs))
	}
	if upd.Scopes != nil {
		sets = append(sets, "scopes = ?")
		args = append(args, s.d.list(&upd.Scopes))
	}
	args = append(args, id)
	n, err := s.exec(ctx, s.db, `UPDATE applications SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetApplicationByID(ctx, id)
}

func (s *sqlDB) UpdateClientSecret(ctx context.Context, id, secretHash string, now int64) error {
	n, err := s.exec(ctx, s.db, `UPDATE applications SET client_secret_hash = ?, updated_at = ? WHERE id = ?`, secretHash, now, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlDB) DeleteApplication(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var clientID string
		err := tx.QueryRowContext(ctx, s.bind(`SELECT client_id FROM applications WHERE id = ?`), id).Scan(&clientID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		steps := []string{
			`DELETE FROM refresh_tokens WHERE access_token_id IN (SELECT id FROM access_tokens WHERE client_id = ?)`,
			`DELETE FROM access_tokens WHERE client_id = ?`,
			`DELETE FROM authorization_codes WHERE client_id = ?`,
			`DELETE FROM user_consents WHERE client_id = ?`,
			`DELETE FROM auth_logs WHERE client_id = ?`,
		}
		for _, q := range steps {
			if _, err := s.exec(ctx, tx, q, clientID); err != nil {
				return fmt.Errorf("delete application %s: %w", id, err)
			}
		}
		_, err = s.exec(ctx, tx, `DELETE FROM applications WHERE id = ?`, id)
		return err
	})
}

// Authorization codes

func (s *sqlDB) CreateAuthorizationCode(ctx context.Context, c *AuthorizationCode) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO authorization_codes(code,client_id,user_id,redirect_uri,scope,code_challenge,code_challenge_method,nonce,auth_time,expires_at,created_at) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		c.Code, c.ClientID, c.UserID, c.RedirectURI, c.Scope, c.CodeChallenge, c.CodeChallengeMethod, c.Nonce, c.AuthTime, c.ExpiresAt, c.CreatedAt)
	return err
}

func (s *sqlDB) ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`DELETE FROM authorization_codes WHERE code = ? RETURNING code,client_id,user_id,redirect_uri,scope,code_challenge,code_challenge_method,nonce,auth_time,expires_at,created_at`), code)
	var c AuthorizationCode
	if err := row.Scan(&c.Code, &c.ClientID, &c.UserID, &c.RedirectURI, &c.Scope, &c.CodeChallenge, &c.CodeChallengeMethod, &c.Nonce, &c.AuthTime, &c.ExpiresAt, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Tokens

func (s *sqlDB) CreateAccessToken(ctx context.Context, t *AccessToken) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO access_tokens(id,token,client_id,user_id,scope,expires_at,created_at) VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.Token, t.ClientID, t.UserID, t.Scope, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *sqlDB) GetAccessToken(ctx context.Context, token string) (*AccessToken, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT id,token,client_id,user_id,scope,expires_at,created_at FROM access_tokens WHERE token = ?`), token)
	var t AccessToken
	if err := row.Scan(&t.ID, &t.Token, &t.ClientID, &t.UserID, &t.Scope, &t.ExpiresAt, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

func (s *sqlDB) DeleteAccessTokenByID(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM refresh_tokens WHERE access_token_id = ?`, id); err != nil {
			return err
		}
		_, err := s.exec(ctx, tx, `DELETE FROM access_tokens WHERE id = ?`, id)
		return err
	})
}

func (s *sqlDB) CreateRefreshToken(ctx context.Context, t *RefreshToken) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO refresh_tokens(id,token,access_token_id,expires_at,created_at) VALUES(?,?,?,?,?)`,
		t.ID, t.Token, t.AccessTokenID, t.ExpiresAt, t.CreatedAt)
	return err
}

func (s *sqlDB) GetRefreshToken(ctx context.Context, token string) (*RefreshGrant, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT r.id,r.token,r.access_token_id,r.expires_at,r.created_at,a.client_id,a.user_id,a.scope
		FROM refresh_tokens r JOIN access_tokens a ON r.access_token_id = a.id WHERE r.token = ?`), token)
	var g RefreshGrant
	if err := row.Scan(&g.ID, &g.Token, &g.AccessTokenID, &g.ExpiresAt, &g.CreatedAt, &g.ClientID, &g.UserID, &g.Scope); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &g, nil
}

func (s *sqlDB) DeleteRefreshToken(ctx context.Context, token string) (bool, error) {
	n, err := s.exec(ctx, s.db, `DELETE FROM refresh_tokens WHERE token = ?`, token)
	return n > 0, err
}

func (s *sqlDB) RevokeToken(ctx context.Context, token string) (bool, error) {
	var revoked bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM refresh_tokens WHERE access_token_id IN (SELECT id FROM access_tokens WHERE token = ?)`, token); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, `DELETE FROM access_tokens WHERE token = ?`, token)
		if err != nil {
			return err
		}
		if n == 0 {
			n, err = s.exec(ctx, tx, `DELETE FROM refresh_tokens WHERE token = ?`, token)
			if err != nil {
				return err
			}
		}
		revoked = n > 0
		return nil
	})
	return revoked, err
}

// Consents

func (s *sqlDB) UpsertConsent(ctx context.Context, c *Consent) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO user_consents(id,user_id,client_id,scope,created_at) VALUES(?,?,?,?,?)
		ON CONFLICT (user_id, client_id) DO UPDATE SET scope = excluded.scope, created_at = excluded.created_at`,
		c.ID, c.UserID, c.ClientID, c.Scope, c.CreatedAt)
	return err
}

func (s *sqlDB) GetConsent(ctx context.Context, userID, clientID string) (*Consent, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`SELECT id,user_id,client_id,scope,created_at FROM user_consents WHERE user_id = ? AND client_id = ?`), userID, clientID)
	var c Consent
	if err := row.Scan(&c.ID, &c.UserID, &c.ClientID, &c.Scope, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func (s *sqlDB) ListConsents(ctx context.Context, userID string) ([]*ConsentView, error) {
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT c.id,c.user_id,c.client_id,c.scope,c.created_at,
		COALESCE(a.name,''),COALESCE(a.description,''),COALESCE(u.username,'')
		FROM user_consents c
		LEFT JOIN applications a ON a.client_id = c.client_id
		LEFT JOIN users u ON u.id = a.user_id
		WHERE c.user_id = ? ORDER BY c.created_at DESC`), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ConsentView
	for rows.Next() {
		var v ConsentView
		if err := rows.Scan(&v.ID, &v.UserID, &v.ClientID, &v.Scope, &v.CreatedAt,
			&v.ApplicationName, &v.ApplicationDescription, &v.OwnerUsername); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *sqlDB) RevokeConsent(ctx context.Context, userID, clientID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM refresh_tokens WHERE access_token_id IN (SELECT id FROM access_tokens WHERE user_id = ? AND client_id = ?)`, userID, clientID); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM access_tokens WHERE user_id = ? AND client_id = ?`, userID, clientID); err != nil {
			return err
		}
		n, err := s.exec(ctx, tx, `DELETE FROM user_consents WHERE user_id = ? AND client_id = ?`, userID, clientID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Audit

func (s *sqlDB) CreateAuthLog(ctx context.Context, l *AuthLog) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO auth_logs(id,user_id,client_id,action,ip_address,user_agent,created_at) VALUES(?,?,?,?,?,?,?)`,
		l.ID, l.UserID, l.ClientID, l.Action, l.IPAddress, l.UserAgent, l.CreatedAt)
	return err
}

func (s *sqlDB) ListAuthLogs(ctx context.Context, userID string, limit, offset int) ([]*AuthLog, int64, error) {
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM auth_logs WHERE user_id = ?`), userID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := s.db.QueryContext(ctx, s.bind(`SELECT l.id,l.user_id,l.client_id,l.action,l.ip_address,l.user_agent,l.created_at,COALESCE(a.name,'')
		FROM auth_logs l LEFT JOIN applications a ON a.client_id = l.client_id
		WHERE l.user_id = ? ORDER BY l.created_at DESC LIMIT ? OFFSET ?`), userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var logs []*AuthLog
	for rows.Next() {
		var l AuthLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.ClientID, &l.Action, &l.IPAddress, &l.UserAgent, &l.CreatedAt, &l.ApplicationName); err != nil {
			return nil, 0, err
		}
		logs = append(logs, &l)
	}
	return logs, total, rows.Err()
}

// Settings

func (s *sqlDB) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT value FROM system_settings WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *sqlDB) SetSetting(ctx context.Context, key, value string, now int64) error {
	_, err := s.exec(ctx, s.db, `INSERT INTO system_settings(key,value,updated_at) VALUES(?,?,?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`, key, value, now)
	return err
}

// Expiry

func (s *sqlDB) DeleteExpired(ctx context.Context, now int64) (PurgeStats, error) {
	var st PurgeStats
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		if st.Codes, err = s.exec(ctx, tx, `DELETE FROM authorization_codes WHERE expires_at <= ?`, now); err != nil {
			return err
		}
		if st.Sessions, err = s.exec(ctx, tx, `DELETE FROM sessions WHERE expires_at <= ?`, now); err != nil {
			return err
		}
		if st.RefreshTokens, err = s.exec(ctx, tx, `DELETE FROM refresh_tokens WHERE expires_at <= ?`, now); err != nil {
			return err
		}
		st.AccessTokens, err = s.exec(ctx, tx, `DELETE FROM access_tokens WHERE expires_at <= ?
			AND NOT EXISTS (SELECT 1 FROM refresh_tokens r WHERE r.access_token_id = access_tokens.id)`, now)
		return err
	})
	return st, err
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *sqlDB) Close() error                   { return s.db.Close() }
