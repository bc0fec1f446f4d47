package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const defaultJwtSecret = "change-me"

type Config struct {
	Port       string
	AppURL     string
	Env        string
	DBAdapter  string
	SQLiteFile string
	JwtSecret  string
	LogLevel   string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrationsDir    string

	CookieSecure   bool
	AllowedOrigins []string
	// Forwarding headers are honoured only from these peers
	TrustedProxies []*net.IPNet
	LoginPath      string
	ConsentPath    string

	// Signing key sources, in order of precedence
	RSAPrivateKey string
	RSAPublicKey  string
	RSAKeyID      string
	KeySecretID   string
	AWSRegion     string
	KeysDir       string

	RateLimitBackend string
	RedisURL         string

	CSRFConsent                bool
	RevokeAccessTokenOnRefresh bool

	AuthCodeTTL     time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration
	SessionTTL      time.Duration
	CleanupInterval time.Duration
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseProxies accepts CIDRs and bare addresses.
func parseProxies(items []string) ([]*net.IPNet, error) {
	var nets []*net.IPNet
	for _, item := range items {
		if !strings.Contains(item, "/") {
			ip := net.ParseIP(item)
			if ip == nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry: %q", item)
			}
			bits := 128
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry: %q", item)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %q", key, v)
	}
	return b, nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

// LoadDotEnv loads ENV_FILE_PATH (default .env) into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv() error {
	path := getenv("ENV_FILE_PATH", ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}

	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)

	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}

	return dsn, nil
}

// Production reports whether ENV names a production deployment.
func (c *Config) Production() bool {
	return c.Env == "production" || c.Env == "prod"
}

func New() (*Config, error) {
	c := &Config{
		Port:       getenv("PORT", "8080"),
		AppURL:     strings.TrimRight(getenv("APP_URL", "http://localhost:8080"), "/"),
		Env:        strings.ToLower(getenv("ENV", getenv("NODE_ENV", ""))),
		DBAdapter:  getenv("DB_ADAPTER", "sqlite"),
		SQLiteFile: getenv("SQLITE_FILE", "./data/idp.db"),
		JwtSecret:  getenv("JWT_SECRET", defaultJwtSecret),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		// PostgreSQL settings
		PostgresDSN:      getenv("POSTGRES_DSN", ""),
		PostgresHost:     getenv("POSTGRES_HOST", getenv("DB_HOST", "localhost")),
		PostgresPort:     getenv("POSTGRES_PORT", getenv("DB_PORT", "5432")),
		PostgresUser:     getenv("POSTGRES_USER", getenv("DB_USER", "idp")),
		PostgresPassword: getenv("POSTGRES_PASSWORD", getenv("DB_PASSWORD", "")),
		PostgresDB:       getenv("POSTGRES_DB", getenv("DB_NAME", "idp")),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", getenv("DB_SSLMODE", "disable")),
		MigrationsDir:    getenv("MIGRATIONS_DIR", "./migrations"),

		LoginPath:   getenv("LOGIN_PATH", "/login"),
		ConsentPath: getenv("CONSENT_PATH", "/oauth/authorize"),

		RSAPrivateKey: os.Getenv("RSA_PRIVATE_KEY"),
		RSAPublicKey:  os.Getenv("RSA_PUBLIC_KEY"),
		RSAKeyID:      os.Getenv("RSA_KEY_ID"),
		KeySecretID:   os.Getenv("RSA_KEY_SECRET_ID"),
		AWSRegion:     getenv("AWS_REGION", ""),
		KeysDir:       getenv("KEYS_DIR", ".keys"),

		RateLimitBackend: getenv("RATE_LIMIT_BACKEND", "memory"),
		RedisURL:         os.Getenv("REDIS_URL"),
	}
	c.AllowedOrigins = getenvList("ALLOWED_ORIGINS")

	var err error
	if c.TrustedProxies, err = parseProxies(getenvList("TRUSTED_PROXIES")); err != nil {
		return nil, err
	}
	if c.CookieSecure, err = getenvBool("COOKIE_SECURE", c.Production()); err != nil {
		return nil, err
	}
	if c.CSRFConsent, err = getenvBool("CSRF_CONSENT", true); err != nil {
		return nil, err
	}
	if c.RevokeAccessTokenOnRefresh, err = getenvBool("REVOKE_ACCESS_TOKEN_ON_REFRESH", false); err != nil {
		return nil, err
	}
	durations := []struct {
		key string
		def time.Duration
		dst *time.Duration
	}{
		{"AUTH_CODE_TTL", 10 * time.Minute, &c.AuthCodeTTL},
		{"ACCESS_TOKEN_TTL", time.Hour, &c.AccessTokenTTL},
		{"REFRESH_TOKEN_TTL", 30 * 24 * time.Hour, &c.RefreshTokenTTL},
		{"ID_TOKEN_TTL", time.Hour, &c.IDTokenTTL},
		{"SESSION_TTL", 7 * 24 * time.Hour, &c.SessionTTL},
		{"CLEANUP_INTERVAL", 10 * time.Minute, &c.CleanupInterval},
	}
	for _, d := range durations {
		if *d.dst, err = getenvDuration(d.key, d.def); err != nil {
			return nil, err
		}
	}

	if _, err := getenvInt("PORT", 8080); err != nil {
		return nil, fmt.Errorf("invalid PORT: %s", c.Port)
	}

	if u, err := url.Parse(c.AppURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("APP_URL must be an absolute URL: %q", c.AppURL)
	}

	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return nil, errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return nil, errors.New("REDIS_URL must be set when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return nil, fmt.Errorf("unsupported RATE_LIMIT_BACKEND: %s (supported: memory, redis)", c.RateLimitBackend)
	}

	if c.Production() && (c.JwtSecret == "" || c.JwtSecret == defaultJwtSecret) {
		return nil, errors.New("JWT_SECRET must be set in production")
	}

	return c, nil
}
