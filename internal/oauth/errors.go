package oauth

import (
	"fmt"
	"net/http"
	"time"
)

// Error codes from RFC 6749, RFC 6750 and RFC 7009.
const (
	CodeInvalidRequest          = "invalid_request"
	CodeInvalidClient           = "invalid_client"
	CodeInvalidGrant            = "invalid_grant"
	CodeInvalidScope            = "invalid_scope"
	CodeInvalidToken            = "invalid_token"
	CodeUnsupportedResponseType = "unsupported_response_type"
	CodeUnsupportedGrantType    = "unsupported_grant_type"
	CodeAccessDenied            = "access_denied"
	CodeSlowDown                = "slow_down"
	CodeServerError             = "server_error"
	CodeUnauthorized            = "unauthorized"
	CodeForbidden               = "forbidden"
)

// Error is a protocol error. RedirectURI is set once the redirect target has
// been validated, in which case the error is delivered to the client by
// redirect instead of in the response body.
type Error struct {
	Code        string
	Description string
	Status      int
	RedirectURI string
	State       string
	// Challenge is sent as WWW-Authenticate when set.
	Challenge  string
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.cause)
	}
	return e.Code + ": " + e.Description
}

func (e *Error) Unwrap() error { return e.cause }

// Redirect reports whether the error belongs in the client's callback.
func (e *Error) Redirect() bool { return e.RedirectURI != "" }

// Location is the callback URL carrying the error.
func (e *Error) Location() string {
	return withQuery(e.RedirectURI, map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
		"state":             e.State,
	})
}

func newError(status int, code, description string) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

func invalidRequest(description string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidRequest, description)
}

func invalidClient(description string) *Error {
	return newError(http.StatusUnauthorized, CodeInvalidClient, description)
}

func invalidGrant(description string) *Error {
	return newError(http.StatusBadRequest, CodeInvalidGrant, description)
}

func serverError(err error) *Error {
	e := newError(http.StatusInternalServerError, CodeServerError, "internal server error")
	e.cause = err
	return e
}

// redirectError binds err to a validated callback.
func redirectError(err *Error, redirectURI, state string) *Error {
	err.RedirectURI = redirectURI
	err.State = state
	return err
}
