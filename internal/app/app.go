package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/app/server"
	"ipwarden/internal/app/version"
	"ipwarden/internal/support"
)

const (
	defaultPort  = 8000
	closeTimeout = 30 * time.Second
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(logLevel(os.Getenv("LOG_LEVEL")))
	if support.GetEnvBool("LOG_JSON", false) {
		log.SetFormatter(log.JSONFormatter)
	}

	portFlag := flag.Int("port", defaultPort, "Port for the guarded HTTP server")
	flag.Parse()
	port := resolvePort("PORT", "IPWARDEN_PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info := version.Get()
	log.Info("Starting ipwarden", "version", info.Version, "built_at", info.BuiltAt)

	services, err := bootstrap.Setup(ctx)
	if err != nil {
		return fmt.Errorf("setup failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), support.GetEnvDuration("SHUTDOWN_TIMEOUT", closeTimeout))
		defer cancel()
		if err := services.Close(closeCtx); err != nil {
			log.Warn("error during shutdown", "error", err)
		}
	}()

	services.StartRoutines(ctx)

	return server.OpenRoutes(ctx, port, services)
}

func logLevel(raw string) log.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
