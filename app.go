package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/idp/internal/audit"
	"github.com/example/idp/internal/auth"
	"github.com/example/idp/internal/config"
	"github.com/example/idp/internal/keys"
	"github.com/example/idp/internal/oauth"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

type App struct {
	cfg     *config.Config
	store   store.Store
	keys    *keys.Manager
	auth    *auth.Service
	oauth   *oauth.Service
	metrics *Metrics
	ips     *ratelimit.IPResolver
	logger  *zap.Logger
	now     func() time.Time
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// NewApp wires the services over an opened store and key manager.
func NewApp(cfg *config.Config, st store.Store, km *keys.Manager, limiter ratelimit.Limiter, logger *zap.Logger) *App {
	metrics := NewMetrics()
	a := &App{
		cfg:     cfg,
		store:   st,
		keys:    km,
		metrics: metrics,
		ips:     ratelimit.NewIPResolver(cfg.TrustedProxies),
		logger:  logger.Named("http"),
		now:     time.Now,
	}
	a.auth = auth.NewService(st, limiter, logger, auth.Config{
		Secret:     []byte(cfg.JwtSecret),
		SessionTTL: cfg.SessionTTL,
	})
	a.oauth = oauth.NewService(oauth.Deps{
		Store:   st,
		Signer:  km,
		Limiter: limiter,
		Audit:   audit.NewRecorder(st, logger),
		Logger:  logger,
		Metrics: metrics,
	}, oauth.Config{
		Issuer:                     cfg.AppURL,
		LoginPath:                  cfg.LoginPath,
		ConsentPagePath:            cfg.ConsentPath,
		CSRFConsent:                cfg.CSRFConsent,
		RevokeAccessTokenOnRefresh: cfg.RevokeAccessTokenOnRefresh,
		CodeTTL:                    cfg.AuthCodeTTL,
		AccessTokenTTL:             cfg.AccessTokenTTL,
		RefreshTokenTTL:            cfg.RefreshTokenTTL,
		IDTokenTTL:                 cfg.IDTokenTTL,
	})
	return a
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.Logging)

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")
	r.Handle("/metrics", a.metrics.Handler()).Methods("GET")

	r.HandleFunc(oauth.DiscoveryPath, a.HandleDiscovery).Methods("GET")
	r.HandleFunc(oauth.JWKSPath, a.HandleJWKS).Methods("GET")

	// Machine-to-machine endpoints do not read the session cookie.
	r.HandleFunc(oauth.TokenPath, a.HandleToken).Methods("POST")
	r.HandleFunc(oauth.RevokePath, a.HandleRevoke).Methods("POST")
	r.HandleFunc(oauth.UserInfoPath, a.HandleUserInfo).Methods("GET", "POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.Session)

	api.HandleFunc("/oauth/authorize", a.HandleAuthorize).Methods("GET")
	api.HandleFunc("/oauth/consent", a.HandleConsent).Methods("POST")
	api.HandleFunc("/oauth/client-info", a.HandleClientInfo).Methods("GET")

	api.HandleFunc("/auth/register", a.HandleRegister).Methods("POST")
	api.HandleFunc("/auth/login", a.HandleLogin).Methods("POST")
	api.HandleFunc("/auth/logout", a.HandleLogout).Methods("POST")
	api.HandleFunc("/auth/me", requireUser(a.HandleMe)).Methods("GET")

	developer := []string{store.RoleAdmin, store.RoleDeveloper}
	api.HandleFunc("/applications", requireRole(a.HandleListApplications, developer...)).Methods("GET")
	api.HandleFunc("/applications", requireRole(a.HandleCreateApplication, developer...)).Methods("POST")
	api.HandleFunc("/applications/{id}", requireRole(a.HandleGetApplication, developer...)).Methods("GET")
	api.HandleFunc("/applications/{id}", requireRole(a.HandleUpdateApplication, developer...)).Methods("PUT")
	api.HandleFunc("/applications/{id}", requireRole(a.HandleDeleteApplication, developer...)).Methods("DELETE")
	api.HandleFunc("/applications/{id}/regenerate-secret", requireRole(a.HandleRegenerateSecret, developer...)).Methods("POST")

	api.HandleFunc("/user/consents", requireUser(a.HandleListConsents)).Methods("GET")
	api.HandleFunc("/user/consents", requireUser(a.HandleRevokeConsent)).Methods("DELETE")
	api.HandleFunc("/auth-logs", requireUser(a.HandleAuthLogs)).Methods("GET")

	api.HandleFunc("/public/settings", a.HandlePublicSettings).Methods("GET")
	api.HandleFunc("/admin/settings", requireRole(a.HandleGetSettings, store.RoleAdmin)).Methods("GET")
	api.HandleFunc("/admin/settings", requireRole(a.HandleUpdateSettings, store.RoleAdmin)).Methods("PUT")
	api.HandleFunc("/admin/users/{id}/role", requireRole(a.HandleUpdateUserRole, store.RoleAdmin)).Methods("PUT")

	return SecurityHeaders(a.CORS(r))
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
