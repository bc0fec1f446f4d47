package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/example/idp/internal/config"
	"github.com/example/idp/internal/keys"
	"github.com/example/idp/internal/oauth"
	"github.com/example/idp/internal/ratelimit"
	"github.com/example/idp/internal/store"
)

const testCallback = "http://127.0.0.1:9999/callback"

var (
	keysOnce sync.Once
	keysDir  string
)

func testKeys(t *testing.T) *keys.Manager {
	t.Helper()
	keysOnce.Do(func() {
		dir, err := os.MkdirTemp("", "idp-http-keys")
		require.NoError(t, err)
		keysDir = dir
	})
	return keys.NewManager(nil, keys.FileSource{Dir: keysDir, Generate: true})
}

type testServer struct {
	t   *testing.T
	srv *httptest.Server
	app *App
}

func newTestServer(t *testing.T, st store.Store, mutate ...func(*config.Config)) *testServer {
	t.Helper()
	var handler http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		AppURL:          srv.URL,
		JwtSecret:       "test-secret",
		LoginPath:       "/login",
		ConsentPath:     "/oauth/authorize",
		CSRFConsent:     true,
		AuthCodeTTL:     10 * time.Minute,
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		IDTokenTTL:      time.Hour,
		SessionTTL:      7 * 24 * time.Hour,
	}
	for _, m := range mutate {
		m(cfg)
	}
	app := NewApp(cfg, st, testKeys(t), ratelimit.NewMemory(), zap.NewNop())
	handler = app.Router()
	return &testServer{t: t, srv: srv, app: app}
}

// browser is a cookie-carrying client that does not follow redirects.
func (s *testServer) browser() *http.Client {
	jar, err := cookiejar.New(nil)
	require.NoError(s.t, err)
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (s *testServer) call(c *http.Client, method, path string, body any, hdr map[string]string) *http.Response {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, r)
	require.NoError(s.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

// data decodes the {"success":true,"data":...} envelope into v.
func data(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	require.True(t, env.Success)
	if v != nil {
		require.NoError(t, json.Unmarshal(env.Data, v))
	}
}

// signup registers and logs in username on a fresh browser.
func (s *testServer) signup(username string) (*http.Client, userView) {
	s.t.Helper()
	c := s.browser()
	resp := s.call(c, "POST", "/api/auth/register", map[string]string{
		"username": username, "email": username + "@example.com", "password": "password123",
	}, nil)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)

	resp = s.call(c, "POST", "/api/auth/login", map[string]string{"username": username, "password": "password123"}, nil)
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var u userView
	data(s.t, resp, &u)
	return c, u
}

func (s *testServer) createApp(c *http.Client, scopes ...string) applicationView {
	s.t.Helper()
	resp := s.call(c, "POST", "/api/applications", map[string]any{
		"name":         "Demo",
		"description":  "demo client",
		"redirectUris": []string{testCallback},
		"scopes":       scopes,
	}, nil)
	require.Equal(s.t, http.StatusCreated, resp.StatusCode)
	var app applicationView
	data(s.t, resp, &app)
	require.NotEmpty(s.t, app.ClientSecret)
	return app
}

// oauthConfig requests every scope the application was registered with.
func (s *testServer) oauthConfig(app applicationView) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     app.ClientID,
		ClientSecret: app.ClientSecret,
		RedirectURL:  testCallback,
		Scopes:       app.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   s.srv.URL + oauth.AuthorizePath,
			TokenURL:  s.srv.URL + oauth.TokenPath,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

func cookieValue(c *http.Client, rawURL, name string) string {
	u, _ := url.Parse(rawURL)
	for _, ck := range c.Jar.Cookies(u) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

// authorize runs the browser half of the flow and returns the callback query.
func (s *testServer) authorize(c *http.Client, authURL string) url.Values {
	s.t.Helper()
	resp, err := c.Get(authURL)
	require.NoError(s.t, err)
	resp.Body.Close()
	require.Equal(s.t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(s.t, err)

	if strings.HasPrefix(loc.String(), testCallback) {
		return loc.Query()
	}
	require.Equal(s.t, "/oauth/authorize", loc.Path)
	q := loc.Query()
	csrf := cookieValue(c, s.srv.URL, oauth.CSRFCookie)
	require.NotEmpty(s.t, csrf)

	resp = s.call(c, "POST", oauth.ConsentPath, map[string]any{
		"clientId":            q.Get("client_id"),
		"redirectUri":         q.Get("redirect_uri"),
		"scope":               q.Get("scope"),
		"state":               q.Get("state"),
		"nonce":               q.Get("nonce"),
		"codeChallenge":       q.Get("code_challenge"),
		"codeChallengeMethod": q.Get("code_challenge_method"),
		"approve":             true,
	}, map[string]string{csrfHeader: csrf})
	require.Equal(s.t, http.StatusOK, resp.StatusCode)
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	data(s.t, resp, &out)
	cb, err := url.Parse(out.RedirectURL)
	require.NoError(s.t, err)
	return cb.Query()
}

func TestEndToEndAuthorizationCodeFlow(t *testing.T) {
	runEndToEnd(t, store.NewMemoryDB())
}

func runEndToEnd(t *testing.T, st store.Store) {
	s := newTestServer(t, st)
	ctx := context.Background()
	browser, user := s.signup("alice")
	assert.Equal(t, store.RoleAdmin, user.Role)
	app := s.createApp(browser, "openid", "profile", "email", "offline_access")
	conf := s.oauthConfig(app)

	verifier := oauth2.GenerateVerifier()
	authURL := conf.AuthCodeURL("state-123", oauth2.S256ChallengeOption(verifier), oidc.Nonce("nonce-abc"))
	cb := s.authorize(browser, authURL)
	require.Empty(t, cb.Get("error"))
	assert.Equal(t, "state-123", cb.Get("state"))

	tok, err := conf.Exchange(ctx, cb.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	require.NotEmpty(t, tok.RefreshToken)

	provider, err := oidc.NewProvider(ctx, s.srv.URL)
	require.NoError(t, err)
	rawID, ok := tok.Extra("id_token").(string)
	require.True(t, ok)
	idt, err := provider.Verifier(&oidc.Config{ClientID: app.ClientID}).Verify(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, idt.Subject)
	assert.Equal(t, "nonce-abc", idt.Nonce)
	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	require.NoError(t, idt.Claims(&claims))
	assert.Equal(t, "alice", claims.PreferredUsername)
	assert.Equal(t, "alice@example.com", claims.Email)

	info, err := provider.UserInfo(ctx, oauth2.StaticTokenSource(tok))
	require.NoError(t, err)
	assert.Equal(t, user.ID, info.Subject)
	assert.Equal(t, "alice@example.com", info.Email)

	// The code is single use.
	_, err = conf.Exchange(ctx, cb.Get("code"), oauth2.VerifierOption(verifier))
	var rerr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)

	// Refresh rotates; the old refresh token stops working.
	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEqual(t, tok.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)

	// Consent is remembered: the second authorize is silent.
	verifier2 := oauth2.GenerateVerifier()
	cb = s.authorize(browser, conf.AuthCodeURL("state-2", oauth2.S256ChallengeOption(verifier2)))
	require.NotEmpty(t, cb.Get("code"))
	second, err := conf.Exchange(ctx, cb.Get("code"), oauth2.VerifierOption(verifier2))
	require.NoError(t, err)

	// Revocation ends the access token.
	form := url.Values{"token": {second.AccessToken}}
	resp, err := http.PostForm(s.srv.URL+oauth.RevokePath, form)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	req, _ := http.NewRequest("GET", s.srv.URL+oauth.UserInfoPath, nil)
	req.Header.Set("Authorization", "Bearer "+second.AccessToken)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), `error="invalid_token"`)

	// Withdrawing consent revokes what is left.
	resp = s.call(browser, "DELETE", "/api/user/consents", map[string]string{"clientId": app.ClientID}, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_, err = provider.UserInfo(ctx, oauth2.StaticTokenSource(refreshed))
	assert.Error(t, err)
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshed.RefreshToken}).Token()
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)
}

func TestAuthorizeRedirectsToLogin(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	app := s.createApp(admin)

	anon := s.browser()
	resp, err := anon.Get(s.oauthConfig(app).AuthCodeURL("st", oauth2.S256ChallengeOption(oauth2.GenerateVerifier())))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "/login", loc.Path)
	ret, err := url.Parse(loc.Query().Get("returnUrl"))
	require.NoError(t, err)
	assert.Equal(t, oauth.AuthorizePath, ret.Path)
	assert.Equal(t, app.ClientID, ret.Query().Get("client_id"))
}

func TestAuthorizeErrors(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	app := s.createApp(admin)

	// Unregistered redirect URIs are never redirected to.
	resp := s.call(admin, "GET", oauth.AuthorizePath+"?"+url.Values{
		"response_type": {"code"},
		"client_id":     {app.ClientID},
		"redirect_uri":  {"https://evil.example/cb"},
	}.Encode(), nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body oauthErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, oauth.CodeInvalidRequest, body.Error)

	// An unknown scope goes back to the validated callback.
	resp = s.call(admin, "GET", oauth.AuthorizePath+"?"+url.Values{
		"response_type":  {"code"},
		"client_id":      {app.ClientID},
		"redirect_uri":   {testCallback},
		"scope":          {"openid admin"},
		"state":          {"xyz"},
		"code_challenge": {"abc"},
	}.Encode(), nil, nil)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, oauth.CodeInvalidScope, loc.Query().Get("error"))
	assert.Equal(t, "xyz", loc.Query().Get("state"))
}

func TestConsentRequiresCSRF(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	app := s.createApp(admin)

	resp := s.call(admin, "POST", oauth.ConsentPath, map[string]any{
		"clientId": app.ClientID, "redirectUri": testCallback, "scope": "openid", "state": "s", "approve": true,
	}, map[string]string{csrfHeader: "forged"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.call(s.browser(), "POST", oauth.ConsentPath, map[string]any{"clientId": app.ClientID}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestConsentDenied(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB(), func(c *config.Config) { c.CSRFConsent = false })
	admin, _ := s.signup("alice")
	app := s.createApp(admin)

	resp := s.call(admin, "POST", oauth.ConsentPath, map[string]any{
		"clientId": app.ClientID, "redirectUri": testCallback, "scope": "openid", "state": "s1", "approve": false,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		RedirectURL string `json:"redirectUrl"`
	}
	data(t, resp, &out)
	u, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, oauth.CodeAccessDenied, u.Query().Get("error"))
	assert.Equal(t, "s1", u.Query().Get("state"))
}

func TestTokenEndpointErrors(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	app := s.createApp(admin)

	post := func(form url.Values, user, pass string) (*http.Response, oauthErrorBody) {
		req, _ := http.NewRequest("POST", s.srv.URL+oauth.TokenPath, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if user != "" {
			req.SetBasicAuth(user, pass)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body oauthErrorBody
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp, body
	}

	resp, body := post(url.Values{"grant_type": {"authorization_code"}, "code": {"x"}}, app.ClientID, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, oauth.CodeInvalidClient, body.Error)
	assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	resp, body = post(url.Values{"grant_type": {"password"}}, app.ClientID, app.ClientSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, oauth.CodeUnsupportedGrantType, body.Error)

	resp, body = post(url.Values{"grant_type": {"authorization_code"}, "code": {"nope"}, "redirect_uri": {testCallback}}, app.ClientID, app.ClientSecret)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, oauth.CodeInvalidGrant, body.Error)

	metrics := s.call(http.DefaultClient, "GET", "/metrics", nil, nil)
	raw, err := io.ReadAll(metrics.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `idp_token_errors_total{error="invalid_client"} 1`)
	assert.Contains(t, string(raw), `idp_http_request_duration_seconds_count{method="POST",route="/api/oauth/token",status="400"} 2`)
}

func TestTokenEndpointRateLimit(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	form := url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"x"}, "client_id": {"sso_missing"}}
	var last *http.Response
	for i := 0; i < 61; i++ {
		resp, err := http.PostForm(s.srv.URL+oauth.TokenPath, form)
		require.NoError(t, err)
		resp.Body.Close()
		last = resp
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}

func TestReadParamsJSON(t *testing.T) {
	req := httptest.NewRequest("POST", oauth.TokenPath, strings.NewReader(`{"grant_type":"authorization_code","n":1000000,"big":12345678901234567890,"ok":true,"skip":null}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	v, err := readParams(req)
	require.NoError(t, err)
	assert.Equal(t, "authorization_code", v.Get("grant_type"))
	assert.Equal(t, "1000000", v.Get("n"))
	assert.Equal(t, "12345678901234567890", v.Get("big"))
	assert.Equal(t, "true", v.Get("ok"))
	_, present := v["skip"]
	assert.False(t, present)
}

func TestWellKnown(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	c := http.DefaultClient

	resp := s.call(c, "GET", oauth.DiscoveryPath, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "public, max-age=3600", resp.Header.Get("Cache-Control"))
	var d oauth.Discovery
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, s.srv.URL, d.Issuer)
	assert.Equal(t, s.srv.URL+oauth.JWKSPath, d.JWKSURI)

	resp = s.call(c, "GET", oauth.JWKSPath, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
	assert.Equal(t, "RS256", set.Keys[0]["alg"])
	assert.Equal(t, "sig", set.Keys[0]["use"])
	assert.NotContains(t, set.Keys[0], "d")

	assert.Equal(t, http.StatusOK, s.call(c, "GET", "/health", nil, nil).StatusCode)
	assert.Equal(t, http.StatusOK, s.call(c, "GET", "/ready", nil, nil).StatusCode)
}

func TestAccountEndpoints(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	bob, bobView := s.signup("bob")
	assert.Equal(t, store.RoleUser, bobView.Role)

	resp := s.call(bob, "GET", "/api/auth/me", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me userView
	data(t, resp, &me)
	assert.Equal(t, "bob", me.Username)

	// Plain users cannot manage applications until granted developer.
	assert.Equal(t, http.StatusForbidden, s.call(bob, "GET", "/api/applications", nil, nil).StatusCode)
	resp = s.call(admin, "PUT", "/api/admin/users/"+bobView.ID+"/role", map[string]string{"role": store.RoleDeveloper}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusOK, s.call(bob, "GET", "/api/applications", nil, nil).StatusCode)

	adminApp := s.createApp(admin)
	assert.Equal(t, http.StatusForbidden, s.call(bob, "GET", "/api/applications/"+adminApp.ID, nil, nil).StatusCode)

	resp = s.call(s.browser(), "POST", "/api/auth/login", map[string]string{"username": "bob", "password": "nope"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.call(bob, "POST", "/api/auth/logout", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, s.call(bob, "GET", "/api/auth/me", nil, nil).StatusCode)
}

func TestLoginRateLimit(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	c := s.browser()
	var resp *http.Response
	for i := 0; i < 11; i++ {
		resp = s.call(c, "POST", "/api/auth/login", map[string]string{"username": "ghost", "password": "whatever"}, nil)
	}
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestLoginRateLimitIgnoresSpoofedForwarding(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	c := s.browser()
	var resp *http.Response
	for i := 0; i < 11; i++ {
		resp = s.call(c, "POST", "/api/auth/login", map[string]string{"username": "ghost", "password": "whatever"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)})
	}
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestLoginRateLimitBehindTrustedProxy(t *testing.T) {
	_, loopback, err := net.ParseCIDR("127.0.0.0/8")
	require.NoError(t, err)
	s := newTestServer(t, store.NewMemoryDB(), func(c *config.Config) { c.TrustedProxies = []*net.IPNet{loopback} })
	c := s.browser()
	var resp *http.Response
	for i := 0; i < 11; i++ {
		resp = s.call(c, "POST", "/api/auth/login", map[string]string{"username": "ghost", "password": "whatever"},
			map[string]string{"X-Forwarded-For": fmt.Sprintf("198.51.100.%d", i+1)})
	}
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestApplicationLifecycle(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")
	app := s.createApp(admin)
	assert.Equal(t, []string{"openid", "profile", "email"}, app.Scopes)
	assert.True(t, strings.HasPrefix(app.ClientID, "sso_"))

	resp := s.call(admin, "POST", "/api/applications", map[string]any{"name": "x", "redirectUris": []string{"not a url"}}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	name := "Renamed"
	resp = s.call(admin, "PUT", "/api/applications/"+app.ID, map[string]any{"name": name}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated applicationView
	data(t, resp, &updated)
	assert.Equal(t, name, updated.Name)
	assert.Empty(t, updated.ClientSecret)

	resp = s.call(admin, "POST", "/api/applications/"+app.ID+"/regenerate-secret", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rotated struct {
		ClientSecret string `json:"clientSecret"`
	}
	data(t, resp, &rotated)
	assert.NotEqual(t, app.ClientSecret, rotated.ClientSecret)

	// The previous secret no longer authenticates.
	conf := s.oauthConfig(app)
	_, err := conf.TokenSource(context.Background(), &oauth2.Token{RefreshToken: "x"}).Token()
	var rerr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, oauth.CodeInvalidClient, rerr.ErrorCode)

	assert.Equal(t, http.StatusOK, s.call(admin, "DELETE", "/api/applications/"+app.ID, nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, s.call(admin, "GET", "/api/applications/"+app.ID, nil, nil).StatusCode)
}

func TestSettingsAndAuthLogs(t *testing.T) {
	s := newTestServer(t, store.NewMemoryDB())
	admin, _ := s.signup("alice")

	resp := s.call(admin, "PUT", "/api/admin/settings", map[string]any{"allowRegistration": false}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var settings settingsView
	data(t, resp, &settings)
	assert.False(t, settings.AllowRegistration)
	assert.Equal(t, "gravatar", settings.AvatarProvider)

	resp = s.call(s.browser(), "POST", "/api/auth/register", map[string]string{
		"username": "carol", "email": "carol@example.com", "password": "password123",
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	app := s.createApp(admin)
	verifier := oauth2.GenerateVerifier()
	cb := s.authorize(admin, s.oauthConfig(app).AuthCodeURL("st", oauth2.S256ChallengeOption(verifier)))
	_, err := s.oauthConfig(app).Exchange(context.Background(), cb.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)

	resp = s.call(admin, "GET", "/api/auth-logs?page=1&pageSize=10", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs struct {
		Logs  []authLogView `json:"logs"`
		Total int64         `json:"total"`
	}
	data(t, resp, &logs)
	require.EqualValues(t, 2, logs.Total)
	assert.Equal(t, store.ActionToken, logs.Logs[0].Action)
	assert.Equal(t, store.ActionConsent, logs.Logs[1].Action)
	assert.Equal(t, "Demo", logs.Logs[0].ApplicationName)

	resp = s.call(admin, "GET", "/api/auth-logs?page=461168601842738792&pageSize=20", nil, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.call(admin, "GET", "/api/auth-logs?page=1000&pageSize=20", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data(t, resp, &logs)
	assert.Empty(t, logs.Logs)
	assert.EqualValues(t, 2, logs.Total)

	resp = s.call(admin, "GET", "/api/user/consents", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var consents []consentView
	data(t, resp, &consents)
	require.Len(t, consents, 1)
	assert.Equal(t, app.ClientID, consents[0].ClientID)
}
