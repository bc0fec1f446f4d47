package main

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/example/idp/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

type consentView struct {
	ClientID               string `json:"clientId"`
	Scope                  string `json:"scope"`
	CreatedAt              int64  `json:"createdAt"`
	ApplicationName        string `json:"applicationName"`
	ApplicationDescription string `json:"applicationDescription"`
	OwnerUsername          string `json:"ownerUsername"`
}

// GET /api/user/consents
func (a *App) HandleListConsents(w http.ResponseWriter, r *http.Request) {
	consents, err := a.store.ListConsents(r.Context(), identityFrom(r).User.ID)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	views := make([]consentView, 0, len(consents))
	for _, c := range consents {
		views = append(views, consentView{
			ClientID:               c.ClientID,
			Scope:                  c.Scope,
			CreatedAt:              c.CreatedAt,
			ApplicationName:        c.ApplicationName,
			ApplicationDescription: c.ApplicationDescription,
			OwnerUsername:          c.OwnerUsername,
		})
	}
	writeSuccess(w, http.StatusOK, views)
}

// DELETE /api/user/consents {clientId}
func (a *App) HandleRevokeConsent(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ClientID string `json:"clientId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil || in.ClientID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "clientId is required")
		return
	}
	err := a.oauth.RevokeConsent(r.Context(), identityFrom(r).User.ID, in.ClientID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Consent not found")
		return
	}
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, nil)
}

type authLogView struct {
	ID              string `json:"id"`
	ClientID        string `json:"clientId"`
	ApplicationName string `json:"applicationName"`
	Action          string `json:"action"`
	IPAddress       string `json:"ipAddress"`
	UserAgent       string `json:"userAgent"`
	CreatedAt       int64  `json:"createdAt"`
}

var errPageRange = errors.New("page is out of range")

func pageParams(r *http.Request) (page, size int, err error) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	size, _ = strconv.Atoi(r.URL.Query().Get("pageSize"))
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	// (page-1)*size must not overflow
	if page > math.MaxInt/size {
		return 0, 0, errPageRange
	}
	return page, size, nil
}

// GET /api/auth-logs?page=&pageSize=
// Admins may pass userId to read another user's trail.
func (a *App) HandleAuthLogs(w http.ResponseWriter, r *http.Request) {
	user := identityFrom(r).User
	userID := user.ID
	if other := r.URL.Query().Get("userId"); other != "" && user.Role == store.RoleAdmin {
		userID = other
	}
	page, size, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	logs, total, err := a.store.ListAuthLogs(r.Context(), userID, size, (page-1)*size)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	views := make([]authLogView, 0, len(logs))
	for _, l := range logs {
		views = append(views, authLogView{
			ID:              l.ID,
			ClientID:        l.ClientID,
			ApplicationName: l.ApplicationName,
			Action:          l.Action,
			IPAddress:       l.IPAddress,
			UserAgent:       l.UserAgent,
			CreatedAt:       l.CreatedAt,
		})
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"logs":     views,
		"total":    total,
		"page":     page,
		"pageSize": size,
	})
}

type settingsView struct {
	AllowRegistration bool   `json:"allowRegistration"`
	AvatarProvider    string `json:"avatarProvider"`
}

func (a *App) loadSettings(ctx context.Context) (settingsView, error) {
	get := func(key string) (string, error) {
		v, ok, err := a.store.GetSetting(ctx, key)
		if err != nil {
			return "", err
		}
		if !ok {
			v = store.DefaultSettings[key]
		}
		return v, nil
	}
	allow, err := get(store.SettingAllowRegistration)
	if err != nil {
		return settingsView{}, err
	}
	avatar, err := get(store.SettingAvatarProvider)
	if err != nil {
		return settingsView{}, err
	}
	return settingsView{AllowRegistration: allow == "true", AvatarProvider: avatar}, nil
}

// GET /api/public/settings
func (a *App) HandlePublicSettings(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadSettings(r.Context())
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, s)
}

// GET /api/admin/settings
func (a *App) HandleGetSettings(w http.ResponseWriter, r *http.Request) {
	a.HandlePublicSettings(w, r)
}

// PUT /api/admin/settings
func (a *App) HandleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var in struct {
		AllowRegistration *bool   `json:"allowRegistration"`
		AvatarProvider    *string `json:"avatarProvider"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	now := a.now().Unix()
	if in.AllowRegistration != nil {
		if err := a.store.SetSetting(r.Context(), store.SettingAllowRegistration, strconv.FormatBool(*in.AllowRegistration), now); err != nil {
			a.writeInternal(w, r, err)
			return
		}
	}
	if in.AvatarProvider != nil {
		if err := a.store.SetSetting(r.Context(), store.SettingAvatarProvider, *in.AvatarProvider, now); err != nil {
			a.writeInternal(w, r, err)
			return
		}
	}
	a.logger.Info("settings updated", zap.String("by", identityFrom(r).User.ID))
	a.HandlePublicSettings(w, r)
}

// PUT /api/admin/users/{id}/role
func (a *App) HandleUpdateUserRole(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Role string `json:"role"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	switch in.Role {
	case store.RoleAdmin, store.RoleDeveloper, store.RoleUser:
	default:
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "role must be admin, developer or user")
		return
	}
	id := mux.Vars(r)["id"]
	if id == identityFrom(r).User.ID && in.Role != store.RoleAdmin {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Cannot remove your own admin role")
		return
	}
	err := a.store.UpdateUserRole(r.Context(), id, in.Role)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		return
	}
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	u, err := a.store.GetUserByID(r.Context(), id)
	if err != nil {
		a.writeInternal(w, r, err)
		return
	}
	if u == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
		return
	}
	writeSuccess(w, http.StatusOK, newUserView(u))
}
