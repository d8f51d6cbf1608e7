// Package main runs the account pool service: distributed account leasing,
// rate limiting and flood/ban recovery for third-party platform accounts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/accountpool/internal/config"
	"github.com/R3E-Network/accountpool/internal/runtime"
	"github.com/R3E-Network/accountpool/internal/storage/postgres"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	flag.Parse()

	if v := os.Getenv("ACCOUNTPOOL_CONFIG"); v != "" && *configPath == "" {
		*configPath = v
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	switch flag.Arg(0) {
	case "migrate":
		if err := postgres.Migrate(cfg.Database.DSN); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		fmt.Println("Migrations applied")
		return
	case "", "serve":
	default:
		log.Fatalf("Unknown command %q (expected serve or migrate)", flag.Arg(0))
	}

	app, err := runtime.NewApplication(cfg)
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	defer app.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	if err := app.Shutdown(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
