package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipwarden/internal/app/bootstrap"
	"ipwarden/internal/cli"
	"ipwarden/internal/database"
)

func main() {
	_ = godotenv.Load()
	log.SetLevel(log.WarnLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, cli.DefaultTimeout)

	app := &cli.App{Out: os.Stdout, Err: os.Stderr, SetupStore: bootstrap.SetupStore}
	code := app.Run(ctx, os.Args[1:])

	cancel()
	stop()
	if err := database.Close(); err != nil {
		log.Warn("closing database", "error", err)
	}
	os.Exit(code)
}
