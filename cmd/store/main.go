package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/database"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

var (
	configPath    string
	addr          string
	dsn           string
	signingKey    string
	migrationsDir string
	skipMigrate   bool
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address (default localhost:3000)")
	flag.StringVar(&dsn, "dsn", "", "database connection string")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded key shared with the relay")
	flag.StringVar(&migrationsDir, "migrations", "", "directory holding the SQL migrations (default migrations)")
	flag.BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
	flag.Parse()

	logger := log.New(os.Stderr, "[chat-store] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	values, err := config.Load(configPath, os.LookupEnv, config.Values{Store: config.StoreValues{
		Addr:          addr,
		DSN:           dsn,
		SigningKey:    signingKey,
		MigrationsDir: migrationsDir,
	}})
	if err != nil {
		logger.Fatal("config:", err)
	}
	if values.Store.SigningKey == "" {
		logger.Println("no signing key configured, using the development key")
		values.Store.SigningKey = defaultSigningKey
	}

	cfg, err := values.StoreConfig()
	if err != nil {
		logger.Fatal("config:", err)
	}

	repo, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	if !skipMigrate {
		if err := repo.Migrate(cfg.MigrationsDir); err != nil {
			logger.Fatal("migrate:", err)
		}
		logger.Printf("migrations in %s applied\n", cfg.MigrationsDir)
	}

	srv := api.NewStoreApp(logger, repo, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Println("HTTP server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
