package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/idp/internal/credential"
	"github.com/example/idp/internal/oauth"
	"github.com/example/idp/internal/store"
)

var defaultAppScopes = []string{oauth.ScopeOpenID, oauth.ScopeProfile, oauth.ScopeEmail}

// applicationView never includes the secret hash. ClientSecret is only set
// on create and regenerate.
type applicationView struct {
	ID           string   `json:"id"`
	ClientID     string   `json:"clientId"`
	ClientSecret string   `json:"clientSecret,omitempty"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	RedirectURIs []string `json:"redirectUris"`
	Scopes       []string `json:"scopes"`
	OwnerID      string   `json:"userId"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
}

func newApplicationView(a *store.Application) applicationView {
	return applicationView{
		ID:           a.ID,
		ClientID:     a.ClientID,
		Name:         a.Name,
		Description:  a.Description,
		RedirectURIs: a.RedirectURIs,
		Scopes:       a.Scopes,
		OwnerID:      a.OwnerID,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

type applicationInput struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	RedirectURIs []string `json:"redirectUris"`
	Scopes       []string `json:"scopes"`
}

func validateRedirectURIs(uris []string) error {
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid redirect URI: %s", raw)
		}
	}
	return nil
}

func validateAppScopes(scopes []string) error {
	if bad, ok := oauth.ValidateScopes(oauth.SupportedScopes, strings.Join(scopes, " ")); !ok {
		return fmt.Errorf("unsupported scope: %s", bad)
	}
	return nil
}

// ownedApplication loads {id} and checks the caller may manage it. It writes
// the error response and returns nil when not.
func (a *App) ownedApplication(w http.ResponseWriter, r *http.Request) *store.Application {
	app, err := a.store.GetApplicationByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.writeInternal(w, r, err)
		return nil
	}
	if app == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Application not found")
		return nil
	}
	user := identityFrom(r).User
	if user.Role != store.RoleAdmin && app.OwnerID != user.ID {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You do not have access to this application")
		return nil
	}
	return app
}

// GET /api/applications
func (a *App) HandleListApplications(w http.ResponseWriter, r *http.Request) {
	user := identityFrom(r).User
	owner := user.ID
	if user.Role == store.RoleAdmin {
		owner = ""
	}
	apps, err := a.store.ListApplications(r.Context(), owner)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	views := make([]applicationView, 0, len(apps))
	for _, app := range apps {
		views = append(views, newApplicationView(app))
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"applications": views,
		"total":        len(views),
	})
}

// POST /api/applications
func (a *App) HandleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var in applicationInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Name == nil || strings.TrimSpace(*in.Name) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Application name is required")
		return
	}
	if len(in.RedirectURIs) == 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "At least one redirect URI is required")
		return
	}
	if err := validateRedirectURIs(in.RedirectURIs); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if len(in.Scopes) == 0 {
		in.Scopes = defaultAppScopes
	}
	if err := validateAppScopes(in.Scopes); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	clientID, err := credential.NewClientID()
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	secret, hash, err := credential.NewClientSecret()
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	now := a.now().Unix()
	app := &store.Application{
		ID:           uuid.NewString(),
		ClientID:     clientID,
		SecretHash:   hash,
		Name:         strings.TrimSpace(*in.Name),
		RedirectURIs: in.RedirectURIs,
		Scopes:       in.Scopes,
		OwnerID:      identityFrom(r).User.ID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Description != nil {
		app.Description = *in.Description
	}
	if err := a.store.CreateApplication(r.Context(), app); err != nil {
		a.writeInternal(w, r, err)
		return
	}
	a.logger.Info("application created", zap.String("client_id", clientID), zap.String("owner", app.OwnerID))

	view := newApplicationView(app)
	view.ClientSecret = secret
	writeSuccess(w, http.StatusCreated, view)
}

// GET /api/applications/{id}
func (a *App) HandleGetApplication(w http.ResponseWriter, r *http.Request) {
	if app := a.ownedApplication(w, r); app != nil {
		writeSuccess(w, http.StatusOK, newApplicationView(app))
	}
}

// PUT /api/applications/{id}
func (a *App) HandleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	app := a.ownedApplication(w, r)
	if app == nil {
		return
	}
	var in applicationInput
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Application name cannot be empty")
		return
	}
	if in.RedirectURIs != nil {
		if len(in.RedirectURIs) == 0 {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "At least one redirect URI is required")
			return
		}
		if err := validateRedirectURIs(in.RedirectURIs); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}
	if in.Scopes != nil {
		if err := validateAppScopes(in.Scopes); err != nil {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
	}

	updated, err := a.store.UpdateApplication(r.Context(), app.ID, store.ApplicationUpdate{
		Name:         in.Name,
		Description:  in.Description,
		RedirectURIs: in.RedirectURIs,
		Scopes:       in.Scopes,
	}, a.now().Unix())
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Application not found")
		return
	}
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, newApplicationView(updated))
}

// DELETE /api/applications/{id}
func (a *App) HandleDeleteApplication(w http.ResponseWriter, r *http.Request) {
	app := a.ownedApplication(w, r)
	if app == nil {
		return
	}
	err := a.store.DeleteApplication(r.Context(), app.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		a.writeInternal(w, r, err)
		return
	}
	a.logger.Info("application deleted", zap.String("client_id", app.ClientID))
	writeSuccess(w, http.StatusOK, nil)
}

// POST /api/applications/{id}/regenerate-secret
func (a *App) HandleRegenerateSecret(w http.ResponseWriter, r *http.Request) {
	app := a.ownedApplication(w, r)
	if app == nil {
		return
	}
	secret, hash, err := credential.NewClientSecret()
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	if err := a.store.UpdateClientSecret(r.Context(), app.ID, hash, a.now().Unix()); err != nil {
		a.writeInternal(w, r, err)
		return
	}
	a.logger.Info("client secret rotated", zap.String("client_id", app.ClientID))
	writeSuccess(w, http.StatusOK, map[string]string{
		"clientId":     app.ClientID,
		"clientSecret": secret,
	})
}
