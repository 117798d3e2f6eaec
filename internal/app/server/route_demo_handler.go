package server

import (
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"ipwarden/internal/app/version"
	"ipwarden/internal/auth"
	"ipwarden/internal/database"
	"ipwarden/internal/guard"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error":           "Method not allowed",
		"allowed_methods": allowed,
	})
}

func healthz(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if err := database.Ping(r.Context()); err != nil {
		log.Warn("health check: database unreachable", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"version": version.Get(),
	})
}

func (h *handlers) home(w http.ResponseWriter, r *http.Request) {
	total, err := database.CountAuditRecords(r.Context())
	if err != nil {
		log.Warn("home: counting audit records failed", "error", err)
	}

	user := auth.IdentityFromRequest(r)
	if user == "" {
		user = "Anonymous"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message":    "ipwarden is guarding this application",
		"total_logs": total,
		"your_ip":    guard.ClientIPFromContext(r.Context()),
		"user":       user,
	})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var creds credentials
	if err := decodeJSON(w, r, &creds); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	token, err := h.operator.Authenticate(creds.Username, creds.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if err != nil {
		log.Error("login: issuing token failed", "error", err)
		writeError(w, "Failed to issue token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Login successful",
		"user":    creds.Username,
		"token":   token,
	})
}

func sensitiveOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	resp := map[string]string{"message": "Sensitive operation completed successfully"}
	if user := auth.IdentityFromRequest(r); user != "" {
		resp["user"] = user
		resp["status"] = "authenticated"
	} else {
		resp["status"] = "anonymous"
	}
	writeJSON(w, http.StatusOK, resp)
}

func apiEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "API response",
		"endpoint":   "api",
		"rate_limit": "10 requests per minute per IP",
	})
}

func multiMethod(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet, http.MethodPost:
		writeJSON(w, http.StatusOK, map[string]string{
			"message": r.Method + " request successful",
			"method":  r.Method,
		})
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func authenticatedSensitive(w http.ResponseWriter, r *http.Request) {
	if user := auth.IdentityFromRequest(r); user != "" {
		writeJSON(w, http.StatusOK, map[string]string{
			"message":    "Authenticated access",
			"user":       user,
			"rate_limit": "10 requests/minute",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Anonymous access",
		"rate_limit": "5 requests/minute",
	})
}

func highLimitAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "High limit API",
		"rate_limit": "100 requests per hour",
	})
}

func lowLimitSensitive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message":    "Sensitive endpoint",
		"rate_limit": "10 requests per minute",
	})
}

func adminArea(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Admin area",
		"user":    auth.IdentityFromRequest(r),
	})
}
