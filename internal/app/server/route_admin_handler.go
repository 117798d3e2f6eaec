package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/blocklist"
	"ipwarden/internal/config"
	"ipwarden/internal/geo"
	"ipwarden/internal/scanner"
)

const (
	defaultLogLimit = 10
	maxLogLimit     = 500
)

type blockRequest struct {
	IPs    []string `json:"ips"`
	Reason string   `json:"reason"`
}

type suspiciousIP struct {
	ID            uint64 `json:"id"`
	IP            string `json:"ip_address"`
	Reason        string `json:"reason"`
	ReasonDisplay string `json:"reason_display"`
	Description   string `json:"description"`
	Path          string `json:"path,omitempty"`
	RequestCount  int64  `json:"request_count"`
	DetectedAt    string `json:"detected_at"`
}

type logLine struct {
	IP        string `json:"ip"`
	Path      string `json:"path"`
	Method    string `json:"method"`
	Outcome   string `json:"outcome"`
	Status    int    `json:"status_code"`
	Timestamp string `json:"timestamp"`
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`
	Region    string `json:"region,omitempty"`
	Location  string `json:"location"`
}

func (h *handlers) listBlocked(w http.ResponseWriter, r *http.Request) {
	entries, err := h.services.Blocklist.List(r.Context())
	if err != nil {
		log.Error("admin: listing blocked addresses failed", "error", err)
		writeError(w, "Failed to list blocked addresses", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"blocked_ips": entries,
		"total_count": len(entries),
	})
}

func (h *handlers) blockAddresses(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}
	if len(req.IPs) == 0 {
		writeError(w, "No IP addresses provided", http.StatusBadRequest)
		return
	}

	result := h.services.Blocklist.AddMany(r.Context(), req.IPs, strings.TrimSpace(req.Reason))
	log.Info("admin: block request processed", "created", result.Created, "skipped", result.Skipped)
	writeJSON(w, http.StatusOK, result)
}

func (h *handlers) unblockAddress(w http.ResponseWriter, r *http.Request) {
	removed, err := h.services.Blocklist.Remove(r.Context(), r.PathValue("ip"))
	switch {
	case errors.Is(err, blocklist.ErrInvalidAddress):
		writeError(w, "Invalid IP address", http.StatusBadRequest)
		return
	case err != nil:
		log.Error("admin: unblock failed", "ip", r.PathValue("ip"), "error", err)
		writeError(w, "Failed to unblock address", http.StatusInternalServerError)
		return
	case !removed:
		writeError(w, "Address is not blocked", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (h *handlers) listSuspicious(w http.ResponseWriter, r *http.Request) {
	flags, err := h.services.Scanner.Unresolved(r.Context())
	if err != nil {
		log.Error("admin: listing suspicion flags failed", "error", err)
		writeError(w, "Failed to list suspicious addresses", http.StatusInternalServerError)
		return
	}

	out := make([]suspiciousIP, 0, len(flags))
	for _, f := range flags {
		out = append(out, suspiciousIP{
			ID:            f.ID,
			IP:            f.IP,
			Reason:        string(f.ReasonKind),
			ReasonDisplay: f.ReasonKind.DisplayName(),
			Description:   f.Description,
			Path:          f.Path,
			RequestCount:  f.ObservedCount,
			DetectedAt:    f.DetectedAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"suspicious_ips": out,
		"total_count":    len(out),
	})
}

func (h *handlers) resolveSuspicious(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, "Invalid flag id", http.StatusBadRequest)
		return
	}

	flag, err := h.services.Scanner.Resolve(r.Context(), id)
	if errors.Is(err, scanner.ErrFlagNotFound) {
		writeError(w, "Suspicion flag not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("admin: resolving flag failed", "id", id, "error", err)
		writeError(w, "Failed to resolve flag", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (h *handlers) runScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.services.Scanner.Run(r.Context())
	if err != nil {
		log.Error("admin: manual scan failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  "Scan completed with errors",
			"report": report,
		})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) recentLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(parsed, maxLogLimit)
	}

	records, err := h.services.Audit.Recent(r.Context(), limit)
	if err != nil {
		log.Error("admin: reading audit records failed", "error", err)
		writeError(w, "Failed to read request logs", http.StatusInternalServerError)
		return
	}

	out := make([]logLine, 0, len(records))
	for _, rec := range records {
		out = append(out, logLine{
			IP:        rec.IP,
			Path:      rec.Path,
			Method:    rec.Method,
			Outcome:   string(rec.Outcome),
			Status:    rec.StatusCode,
			Timestamp: rec.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			Country:   deref(rec.Country),
			City:      deref(rec.City),
			Region:    deref(rec.Region),
			Location:  rec.Location(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"recent_logs": out})
}

func (h *handlers) geoStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.services.Audit.Stats(r.Context())
	if err != nil {
		log.Error("admin: geolocation stats failed", "error", err)
		writeError(w, "Failed to compute geolocation stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *handlers) updateGeoDatabases(w http.ResponseWriter, r *http.Request) {
	if h.services.Geo == nil {
		writeError(w, "Geolocation is not configured", http.StatusConflict)
		return
	}
	err := h.services.Geo.UpdateNow(r.Context())
	if errors.Is(err, geo.ErrNoLicenseKey) {
		writeError(w, "MaxMind license key is not configured", http.StatusConflict)
		return
	}
	if err != nil {
		log.Error("admin: GeoLite update failed", "error", err)
		writeError(w, "GeoLite update failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "GeoLite databases updated"})
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func (h *handlers) saveSettings(w http.ResponseWriter, r *http.Request) {
	// Decode over a deep copy so slices of the live snapshot are never reused.
	current, err := json.Marshal(config.GetConfig())
	if err != nil {
		writeError(w, "Failed to read settings", http.StatusInternalServerError)
		return
	}
	var cfg config.Config
	if err := json.Unmarshal(current, &cfg); err != nil {
		writeError(w, "Failed to read settings", http.StatusInternalServerError)
		return
	}
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	err = h.services.ApplyConfig(cfg)
	if errors.Is(err, bootstrap.ErrInvalidSettings) {
		log.Warn("admin: rejected settings update", "error", err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Error("admin: saving settings failed", "error", err)
		writeError(w, "Failed to save settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
