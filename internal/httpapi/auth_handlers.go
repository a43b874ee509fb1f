package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"corpportal.org/internal/auth"
)

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	TOTPCode   string `json:"totp_code,omitempty"`
	BackupCode string `json:"backup_code,omitempty"`
}

type loginResponse struct {
	Token          string        `json:"token"`
	ExpiresAt      time.Time     `json:"expires_at"`
	Identity       auth.Identity `json:"identity"`
	Permissions    []string      `json:"permissions"`
	UsedBackupCode bool          `json:"used_backup_code,omitempty"`
}

type sessionResponse struct {
	Identity    auth.Identity `json:"identity"`
	Permissions []string      `json:"permissions"`
	IssuedAt    time.Time     `json:"issued_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
}

type permissionCheckResponse struct {
	Permission string `json:"permission"`
	Granted    bool   `json:"granted"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.TOTPCode) != "" && strings.TrimSpace(req.BackupCode) != "" {
		writeError(w, r, http.StatusBadRequest, "provide either totp_code or backup_code")
		return
	}

	ip := clientIP(r)
	res, err := a.login.Login(r.Context(), auth.LoginRequest{
		Subject: req.Email,
		Secret:  req.Password,
		Proof: auth.Proof{
			Token:      strings.TrimSpace(req.TOTPCode),
			BackupCode: strings.TrimSpace(req.BackupCode),
		},
		Identifier: auth.BuildIdentifier(req.Email, ip),
		Origin:     auth.Origin{Address: ip, Agent: r.UserAgent()},
	})
	if err != nil {
		writeLoginError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:          res.Token,
		ExpiresAt:      res.ExpiresAt,
		Identity:       res.Identity,
		Permissions:    res.Permissions.Strings(),
		UsedBackupCode: res.UsedBackupCode,
	})
}

func writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrTwoFactorRequired):
		payload := map[string]any{
			"error":               "two-factor proof required",
			"two_factor_required": true,
		}
		if rid := RequestIDFromContext(r.Context()); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusUnauthorized, payload)
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, auth.ErrInfrastructure):
		w.Header().Set("Retry-After", strconv.Itoa(5))
		writeError(w, r, http.StatusServiceUnavailable, "authentication temporarily unavailable")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Identity:    session.Identity,
		Permissions: session.Permissions.Strings(),
		IssuedAt:    session.IssuedAt.UTC(),
		ExpiresAt:   session.ExpiresAt.UTC(),
	})
}

func (a *API) handlePermissionCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	perm := strings.TrimSpace(r.URL.Query().Get("permission"))
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, "permission is required")
		return
	}
	writeJSON(w, http.StatusOK, permissionCheckResponse{
		Permission: perm,
		Granted:    auth.HasPermission(r.Context(), auth.Permission(perm)),
	})
}

func (a *API) handlePermissionsMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	session, ok := auth.SessionFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id":  session.Identity.SubjectID,
		"roles":       auth.RoleStrings(session.Identity.Roles),
		"permissions": session.Permissions.Strings(),
	})
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.events == nil {
		writeError(w, r, http.StatusNotFound, "audit log not available")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 500)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := a.events.Recent(r.Context(), strings.TrimSpace(r.URL.Query().Get("subject_id")), limit)
	if err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "audit log unavailable")
		return
	}
	if events == nil {
		events = []auth.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": events,
	})
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
