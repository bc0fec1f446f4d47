package oauth

import (
	"net/url"
	"slices"
	"strings"
)

// Scopes understood by this server.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// SupportedScopes is advertised in discovery and offered to new applications.
var SupportedScopes = []string{ScopeOpenID, ScopeProfile, ScopeEmail, ScopeOfflineAccess}

// MatchRedirectURI reports whether candidate equals one of the registered
// URIs by scheme, host and path. Query and fragment are ignored. A registered
// value that is not an absolute URL matches candidates it prefixes.
func MatchRedirectURI(registered []string, candidate string) bool {
	c, err := url.Parse(candidate)
	if err != nil || c.Scheme == "" || c.Host == "" {
		return false
	}
	for _, r := range registered {
		u, err := url.Parse(r)
		if err != nil || u.Scheme == "" || u.Host == "" {
			if r != "" && strings.HasPrefix(candidate, r) {
				return true
			}
			continue
		}
		if strings.EqualFold(u.Scheme, c.Scheme) && strings.EqualFold(u.Host, c.Host) && u.Path == c.Path {
			return true
		}
	}
	return false
}

// ValidateScopes checks every token of requested against allowed and returns
// the first unknown one.
func ValidateScopes(allowed []string, requested string) (string, bool) {
	for _, s := range splitScope(requested) {
		if !slices.Contains(allowed, s) {
			return s, false
		}
	}
	return "", true
}

// scopeCovers reports whether granted includes every token of requested.
func scopeCovers(granted, requested string) bool {
	have := splitScope(granted)
	for _, s := range splitScope(requested) {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// HasScope reports whether the space-separated scope contains want.
func HasScope(scope, want string) bool {
	return slices.Contains(splitScope(scope), want)
}

func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// withQuery adds the non-empty params to base, keeping its existing query.
func withQuery(base string, params map[string]string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
