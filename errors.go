package main

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/example/idp/internal/oauth"
	"github.com/example/idp/internal/ratelimit"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, APIError{
		Code:    code,
		Message: message,
	})
}

// writeSuccess writes a success response
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// oauthErrorBody is the RFC 6749 error document.
type oauthErrorBody struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func retryAfterSeconds(w http.ResponseWriter, secs float64) {
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Max(1, math.Ceil(secs)))))
}

// writeOAuthError delivers err to the client callback when it carries a
// validated redirect URI and as a JSON body otherwise. Errors that are not
// protocol errors are logged and reported as server_error.
func (a *App) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		a.logger.Error("oauth handler failed", zap.String("path", r.URL.Path), zap.Error(err))
		oerr = &oauth.Error{Code: oauth.CodeServerError, Description: "internal server error", Status: http.StatusInternalServerError}
	}
	if oerr.Code == oauth.CodeServerError && errors.Unwrap(oerr) != nil {
		a.logger.Error("oauth request failed", zap.String("path", r.URL.Path), zap.Error(oerr))
	}
	if oerr.Redirect() {
		http.Redirect(w, r, oerr.Location(), http.StatusFound)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if oerr.Challenge != "" {
		w.Header().Set("WWW-Authenticate", oerr.Challenge)
	}
	if oerr.RetryAfter > 0 {
		retryAfterSeconds(w, oerr.RetryAfter.Seconds())
	}
	status := oerr.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, oauthErrorBody{Error: oerr.Code, Description: oerr.Description})
}

// writeRateLimited answers a throttled management API call.
func (a *App) writeRateLimited(w http.ResponseWriter, e *ratelimit.ExceededError) {
	a.metrics.RateLimited(e.Scope)
	retryAfterSeconds(w, e.RetryAfter.Seconds())
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please try again later")
}

// writeInternal logs err and writes a generic 500.
func (a *App) writeInternal(w http.ResponseWriter, r *http.Request, err error) {
	a.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}
