package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/idp/internal/config"
	"github.com/example/idp/internal/keys"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "env file: %v\n", err)
		os.Exit(1)
	}
	c, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	os.Exit(finish(logger, run(c, logger)))
}

// finish reports how run ended and flushes the logger before the exit code
// is returned.
func finish(logger *zap.Logger, err error) int {
	code := 0
	if err != nil {
		logger.Error("server exited", zap.Error(err))
		code = 1
	} else {
		logger.Info("server exited properly")
	}
	_ = logger.Sync()
	return code
}

func newLogger(c *config.Config) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if c.Production() {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc.Level = level
	return zc.Build()
}

func openStore(c *config.Config, logger *zap.Logger) (store.Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		s, err := store.NewSQLiteDB(c.SQLiteFile)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		logger.Info("using sqlite database", zap.String("file", c.SQLiteFile))
		return s, nil
	case "postgres":
		logger.Info("applying database migrations", zap.String("dir", c.MigrationsDir))
		if err := store.ApplyMigrations(c.MigrationsDir, c.PostgresDSN, logger); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		p, err := store.NewPostgresDB(c.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		logger.Info("connected to PostgreSQL database")
		return p, nil
	case "memory":
		logger.Warn("using in-memory database (not recommended for production)")
		return store.NewMemoryDB(), nil
	}
	return nil, fmt.Errorf("unsupported DB_ADAPTER: %s", c.DBAdapter)
}

func openLimiter(ctx context.Context, c *config.Config) (ratelimit.Limiter, func() error, error) {
	if c.RateLimitBackend == "redis" {
		r, err := ratelimit.NewRedisFromURL(ctx, c.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("redis rate limiter: %w", err)
		}
		return r, r.Close, nil
	}
	return ratelimit.NewMemory(), func() error { return nil }, nil
}

func newKeyManager(ctx context.Context, c *config.Config, logger *zap.Logger) (*keys.Manager, error) {
	sources := []keys.Source{keys.EnvSource{PrivateKey: c.RSAPrivateKey, PublicKey: c.RSAPublicKey, KeyID: c.RSAKeyID}}
	if c.KeySecretID != "" {
		sm, err := keys.NewSecretsManagerSource(ctx, c.AWSRegion, c.KeySecretID)
		if err != nil {
			return nil, fmt.Errorf("secrets manager: %w", err)
		}
		sources = append(sources, sm)
	}
	sources = append(sources, keys.FileSource{Dir: c.KeysDir, Generate: true})

	m := keys.NewManager(logger, sources...)
	if err := m.Load(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// janitor purges expired codes, tokens and sessions until ctx is done.
func janitor(ctx context.Context, st store.Store, every time.Duration, logger *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			stats, err := st.DeleteExpired(ctx, now.Unix())
			if err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if n := stats.Total(); n > 0 {
				logger.Info("expired rows purged",
					zap.Int64("codes", stats.Codes),
					zap.Int64("access_tokens", stats.AccessTokens),
					zap.Int64("refresh_tokens", stats.RefreshTokens),
					zap.Int64("sessions", stats.Sessions),
				)
			}
		}
	}
}

func run(c *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(c, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	limiter, closeLimiter, err := openLimiter(ctx, c)
	if err != nil {
		return err
	}
	defer closeLimiter() //nolint:errcheck

	km, err := newKeyManager(ctx, c, logger)
	if err != nil {
		return fmt.Errorf("signing keys: %w", err)
	}

	app := NewApp(c, st, km, limiter, logger)
	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", zap.String("addr", srv.Addr), zap.String("issuer", c.AppURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return janitor(gctx, st, c.CleanupInterval, logger.Named("janitor"))
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
