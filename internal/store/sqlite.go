package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteDB is the single-file backend. It creates its own schema on open.
type SQLiteDB struct {
	*sqlDB
	path string
}

var _ Store = (*SQLiteDB)(nil)

// NewSQLiteDB opens (creating if needed) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteDB(path string) (*SQLiteDB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite dir: %w", err)
			}
		}
	}
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: serialises writers and keeps :memory: databases alive.
	d.SetMaxOpenConns(1)
	s := &SQLiteDB{
		sqlDB: &sqlDB{db: d, d: dialect{
			name:              "sqlite",
			list:              func(p *[]string) stringList { return jsonList{p} },
			isUniqueViolation: func(err error) bool { return strings.Contains(err.Error(), "UNIQUE constraint failed") },
		}},
		path: path,
	}
	if err := s.Init(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteDB) Init(ctx context.Context) error {
	queries := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, username TEXT UNIQUE NOT NULL, email TEXT UNIQUE NOT NULL, password TEXT NOT NULL, nickname TEXT NOT NULL DEFAULT '', role TEXT NOT NULL DEFAULT 'user', created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS sessions (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id), token TEXT UNIQUE NOT NULL, expires_at INTEGER NOT NULL, created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS applications (id TEXT PRIMARY KEY, client_id TEXT UNIQUE NOT NULL, client_secret_hash TEXT NOT NULL, name TEXT NOT NULL, description TEXT NOT NULL DEFAULT '', redirect_uris TEXT NOT NULL, scopes TEXT NOT NULL, user_id TEXT NOT NULL REFERENCES users(id), created_at INTEGER NOT NULL, updated_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS authorization_codes (code TEXT PRIMARY KEY, client_id TEXT NOT NULL REFERENCES applications(client_id), user_id TEXT NOT NULL REFERENCES users(id), redirect_uri TEXT NOT NULL, scope TEXT NOT NULL DEFAULT '', code_challenge TEXT NOT NULL DEFAULT '', code_challenge_method TEXT NOT NULL DEFAULT '', nonce TEXT NOT NULL DEFAULT '', auth_time INTEGER NOT NULL DEFAULT 0, expires_at INTEGER NOT NULL, created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS access_tokens (id TEXT PRIMARY KEY, token TEXT UNIQUE NOT NULL, client_id TEXT NOT NULL REFERENCES applications(client_id), user_id TEXT NOT NULL REFERENCES users(id), scope TEXT NOT NULL DEFAULT '', expires_at INTEGER NOT NULL, created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS refresh_tokens (id TEXT PRIMARY KEY, token TEXT UNIQUE NOT NULL, access_token_id TEXT NOT NULL REFERENCES access_tokens(id), expires_at INTEGER NOT NULL, created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS user_consents (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id), client_id TEXT NOT NULL REFERENCES applications(client_id), scope TEXT NOT NULL, created_at INTEGER NOT NULL, UNIQUE(user_id, client_id));`,
		`CREATE TABLE IF NOT EXISTS auth_logs (id TEXT PRIMARY KEY, user_id TEXT NOT NULL REFERENCES users(id), client_id TEXT NOT NULL REFERENCES applications(client_id), action TEXT NOT NULL, ip_address TEXT NOT NULL DEFAULT '', user_agent TEXT NOT NULL DEFAULT '', created_at INTEGER NOT NULL);`,
		`CREATE TABLE IF NOT EXISTS system_settings (key TEXT PRIMARY KEY, value TEXT NOT NULL, updated_at INTEGER NOT NULL DEFAULT 0);`,
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_user_client ON access_tokens(user_id, client_id);`,
		`CREATE INDEX IF NOT EXISTS idx_refresh_tokens_access_token ON refresh_tokens(access_token_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_auth_logs_user ON auth_logs(user_id, created_at);`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite init: %w", err)
		}
	}
	for k, v := range DefaultSettings {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO system_settings(key,value) VALUES(?,?) ON CONFLICT (key) DO NOTHING`, k, v); err != nil {
			return fmt.Errorf("seeding settings: %w", err)
		}
	}
	return nil
}

// jsonList stores a []string as a JSON array in a TEXT column.
type jsonList struct{ p *[]string }

func (j jsonList) Value() (driver.Value, error) {
	v := *j.p
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j jsonList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*j.p = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("jsonList: unsupported type %T", src)
	}
	return json.Unmarshal(raw, j.p)
}
