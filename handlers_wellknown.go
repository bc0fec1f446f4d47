package main

import (
	"net/http"
)

const wellKnownCache = "public, max-age=3600"

// HandleDiscovery serves the OpenID Provider metadata
// GET /.well-known/openid-configuration
func (a *App) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", wellKnownCache)
	writeJSON(w, http.StatusOK, a.oauth.Discovery())
}

// HandleJWKS serves the public signing key
// GET /.well-known/jwks.json
func (a *App) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := a.keys.JWKS(r.Context())
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", wellKnownCache)
	writeJSON(w, http.StatusOK, set)
}
