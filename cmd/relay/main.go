package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/store"
)

const defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, config.SplitList(value)...)
	return nil
}

var (
	configPath     string
	addr           string
	storeURL       string
	signingKey     string
	storeTimeout   time.Duration
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&addr, "addr", "", "server address (default localhost:3002)")
	flag.StringVar(&storeURL, "store-url", "", "base URL of the message store (default http://localhost:3000)")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded key shared with the message store")
	flag.DurationVar(&storeTimeout, "store-timeout", 0, "timeout for each message store call (default 10s)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[chat-relay] ", log.LstdFlags)

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Println("load .env:", err)
	}

	values, err := config.Load(configPath, os.LookupEnv, config.Values{Relay: config.RelayValues{
		Addr:           addr,
		StoreURL:       storeURL,
		SigningKey:     signingKey,
		StoreTimeout:   storeTimeout,
		AllowedOrigins: allowedOrigins,
	}})
	if err != nil {
		logger.Fatal("config:", err)
	}
	if values.Relay.SigningKey == "" {
		logger.Println("no signing key configured, using the development key")
		values.Relay.SigningKey = defaultSigningKey
	}

	cfg, err := values.RelayConfig()
	if err != nil {
		logger.Fatal("config:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	messageStore := store.NewHTTPStore(cfg.StoreURL, cfg.SigningKey, cfg.StoreTimeout, logger)

	chatServer, err := server.NewChatServer(logger, messageStore, statsUpdater, server.Options{
		StoreTimeout: cfg.StoreTimeout,
		IntentRate:   cfg.IntentRate,
		IntentBurst:  cfg.IntentBurst,
	})
	if err != nil {
		logger.Fatal("new chat server:", err)
	}

	srv := api.NewRelayApp(mux, logger, chatServer, cfg)

	go chatServer.Run()

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
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("chat server shutdown:", err)
	}

	logger.Println("shutdown complete")
}
