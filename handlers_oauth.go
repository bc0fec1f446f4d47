package main

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/example/idp/internal/oauth"
)

const (
	csrfHeader    = "X-CSRF-Token"
	csrfCookieAge = 600
	maxBodyBytes  = 1 << 20
)

// HandleAuthorize implements the authorization endpoint
// GET /api/oauth/authorize
func (a *App) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	req := oauth.AuthorizeRequestFromQuery(r.URL.Query())
	res, err := a.oauth.Authorize(r.Context(), req, identityFrom(r), a.requestMeta(r))
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	if res.CSRFToken != "" {
		// Read by the consent page and echoed in X-CSRF-Token.
		http.SetCookie(w, &http.Cookie{
			Name:     oauth.CSRFCookie,
			Value:    res.CSRFToken,
			Path:     "/",
			MaxAge:   csrfCookieAge,
			Secure:   a.cfg.CookieSecure,
			SameSite: http.SameSiteStrictMode,
		})
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// HandleConsent records the consent page decision
// POST /api/oauth/consent
func (a *App) HandleConsent(w http.ResponseWriter, r *http.Request) {
	var req oauth.ConsentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	req.CSRFHeader = r.Header.Get(csrfHeader)
	if c, err := r.Cookie(oauth.CSRFCookie); err == nil {
		req.CSRFCookie = c.Value
	}

	redirect, err := a.oauth.Consent(r.Context(), req, identityFrom(r), a.requestMeta(r))
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	if a.cfg.CSRFConsent {
		http.SetCookie(w, &http.Cookie{Name: oauth.CSRFCookie, Value: "", Path: "/", MaxAge: -1})
	}
	writeSuccess(w, http.StatusOK, map[string]string{"redirectUrl": redirect})
}

// readParams returns the form or JSON body of an OAuth endpoint call.
func readParams(r *http.Request) (url.Values, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		var body map[string]any
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&body); err != nil {
			return nil, err
		}
		v := url.Values{}
		for k, val := range body {
			switch t := val.(type) {
			case string:
				v.Set(k, t)
			case json.Number:
				v.Set(k, t.String())
			case nil:
			default:
				v.Set(k, fmt.Sprint(t))
			}
		}
		return v, nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return r.PostForm, nil
}

// basicCredentials decodes client_secret_basic. Both halves are form
// encoded before being joined.
func basicCredentials(r *http.Request) (id, secret string, ok bool) {
	id, secret, ok = r.BasicAuth()
	if !ok {
		return "", "", false
	}
	if v, err := url.QueryUnescape(id); err == nil {
		id = v
	}
	if v, err := url.QueryUnescape(secret); err == nil {
		secret = v
	}
	return id, secret, true
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

// HandleToken implements the token endpoint
// POST /api/oauth/token
func (a *App) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	params, err := readParams(r)
	if err != nil {
		a.writeOAuthError(w, r, &oauth.Error{Code: oauth.CodeInvalidRequest, Description: "Malformed request body", Status: http.StatusBadRequest})
		return
	}
	req := oauth.TokenRequest{Params: params, Meta: a.requestMeta(r)}
	req.BasicID, req.BasicSecret, req.HasBasic = basicCredentials(r)

	resp, err := a.oauth.Token(r.Context(), req)
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke implements RFC 7009 revocation
// POST /api/oauth/revoke
func (a *App) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	params, err := readParams(r)
	if err != nil {
		a.writeOAuthError(w, r, &oauth.Error{Code: oauth.CodeInvalidRequest, Description: "Malformed request body", Status: http.StatusBadRequest})
		return
	}
	if err := a.oauth.Revoke(r.Context(), params.Get("token"), a.requestMeta(r)); err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if r.Method == http.MethodPost {
		return r.PostFormValue("access_token")
	}
	return ""
}

// HandleUserInfo returns the claims the access token's scope allows
// GET|POST /api/oauth/userinfo
func (a *App) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	info, err := a.oauth.UserInfo(r.Context(), bearerToken(r))
	if err != nil {
		a.writeOAuthError(w, r, err)
		return
	}
	noStore(w)
	writeJSON(w, http.StatusOK, info)
}

// HandleClientInfo describes an application for the consent page
// GET /api/oauth/client-info?client_id=
func (a *App) HandleClientInfo(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "client_id is required")
		return
	}
	info, err := a.oauth.ClientInfo(r.Context(), clientID)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	if info == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Application not found")
		return
	}
	writeSuccess(w, http.StatusOK, info)
}
