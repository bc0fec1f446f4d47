package oauth

import (
	"fmt"
	"net/http"
	"net/url"
)

// Grant types accepted at the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
)

// Grant is one of AuthorizationCodeGrant or RefreshTokenGrant.
type Grant interface {
	grantType() string
}

type AuthorizationCodeGrant struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	// Nonce is used for the ID token when the code carries none.
	Nonce string
}

func (AuthorizationCodeGrant) grantType() string { return GrantAuthorizationCode }

type RefreshTokenGrant struct {
	RefreshToken string
}

func (RefreshTokenGrant) grantType() string { return GrantRefreshToken }

// ParseGrant resolves grant_type and checks each grant's required fields.
func ParseGrant(form url.Values) (Grant, error) {
	switch gt := form.Get("grant_type"); gt {
	case GrantAuthorizationCode:
		g := AuthorizationCodeGrant{
			Code:         form.Get("code"),
			RedirectURI:  form.Get("redirect_uri"),
			CodeVerifier: form.Get("code_verifier"),
			Nonce:        form.Get("nonce"),
		}
		if g.Code == "" {
			return nil, invalidRequest("code is required")
		}
		if g.RedirectURI == "" {
			return nil, invalidRequest("redirect_uri is required")
		}
		return g, nil
	case GrantRefreshToken:
		g := RefreshTokenGrant{RefreshToken: form.Get("refresh_token")}
		if g.RefreshToken == "" {
			return nil, invalidRequest("refresh_token is required")
		}
		return g, nil
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, newError(http.StatusBadRequest, CodeUnsupportedGrantType, fmt.Sprintf("Grant type '%s' is not supported", gt))
	}
}
