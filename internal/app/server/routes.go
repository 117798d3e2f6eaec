package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/auth"
	"ipwarden/internal/metrics"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	maxBodyBytes      = 1 << 20
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

type handlers struct {
	services *bootstrap.Services
	operator auth.Operator
}

// NewRouter builds the full route table. Everything except the exempt paths
// passes through the ingress guard.
func NewRouter(services *bootstrap.Services, operator auth.Operator) http.Handler {
	h := &handlers{services: services, operator: operator}

	router := http.NewServeMux()
	router.Handle("GET /metrics", metrics.Handler())
	router.HandleFunc("GET /healthz", healthz)

	router.HandleFunc("GET /{$}", h.home)
	router.HandleFunc("/login", h.login)
	router.HandleFunc("/sensitive", sensitiveOperation)
	router.HandleFunc("GET /sensitive/low", lowLimitSensitive)
	router.HandleFunc("GET /api", apiEndpoint)
	router.HandleFunc("GET /api/high", highLimitAPI)
	router.HandleFunc("/multi", multiMethod)
	router.HandleFunc("/auth-sensitive", authenticatedSensitive)
	router.Handle("GET /admin", auth.IsAdmin(http.HandlerFunc(adminArea)))

	admin := http.NewServeMux()
	admin.HandleFunc("GET /admin/api/blocked", h.listBlocked)
	admin.HandleFunc("POST /admin/api/blocked", h.blockAddresses)
	admin.HandleFunc("DELETE /admin/api/blocked/{ip}", h.unblockAddress)
	admin.HandleFunc("GET /admin/api/suspicious", h.listSuspicious)
	admin.HandleFunc("POST /admin/api/suspicious/{id}/resolve", h.resolveSuspicious)
	admin.HandleFunc("POST /admin/api/scan", h.runScan)
	admin.HandleFunc("GET /admin/api/logs", h.recentLogs)
	admin.HandleFunc("GET /admin/api/geo/stats", h.geoStats)
	admin.HandleFunc("POST /admin/api/geo/update", h.updateGeoDatabases)
	admin.HandleFunc("GET /admin/api/settings", getSettings)
	admin.HandleFunc("POST /admin/api/settings", h.saveSettings)
	router.Handle("/admin/api/", auth.IsAdmin(admin))

	if services == nil || services.Guard == nil {
		return router
	}
	return services.Guard.Middleware(router)
}

// OpenRoutes serves until ctx is cancelled, then drains in-flight requests.
func OpenRoutes(ctx context.Context, port int, services *bootstrap.Services) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(services, auth.OperatorFromEnv()),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("Starting ipwarden on port :%d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}
