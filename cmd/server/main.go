package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	askai "github.com/MegaGrindStone/askai-chat"
	"github.com/MegaGrindStone/askai-chat/internal/handlers"
	"github.com/MegaGrindStone/askai-chat/internal/services"
	"github.com/MegaGrindStone/askai-chat/internal/stream"
	"github.com/MegaGrindStone/askai-chat/internal/transcript"
	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

func main() {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		fatal(slog.Default(), "error getting user config dir", err)
	}
	cfgPath := filepath.Join(cfgDir, "askai")

	cfgFilePath := flag.String("config", filepath.Join(cfgPath, "config.yaml"), "path to the config file")
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()

	// The dotenv file is optional; real environment variables still win.
	_ = godotenv.Load(*envFile)

	cfg, err := loadConfig(*cfgFilePath)
	if err != nil {
		fatal(slog.Default(), "error loading config", err)
	}
	e, err := parseEnv()
	if err != nil {
		fatal(slog.Default(), "error loading config", err)
	}
	cfg.applyEnv(e)

	logger := newLogger(os.Stderr, cfg)

	if err := os.MkdirAll(cfgPath, 0755); err != nil {
		fatal(logger, "error creating config directory", err)
	}

	var llm handlers.LLM
	provider, err := cfg.LLM.llm(cfg.SystemPrompt, e, logger)
	switch {
	case errors.Is(err, errMissingAPIKey):
		logger.Warn("No LLM provider configured, the chat function will answer with errors")
	case err != nil:
		fatal(logger, "error creating llm provider", err)
	default:
		llm = provider
	}

	ctx := context.Background()

	var closers []func()
	repo, guests, err := openStorage(ctx, cfg, filepath.Join(cfgPath, "store.db"), logger, &closers)
	if err != nil {
		fatal(logger, "error opening storage", err)
	}

	opts := []handlers.Option{
		handlers.WithRateLimit(rate.Limit(float64(cfg.RateLimit.PerMinute)/60), cfg.RateLimit.Burst),
		handlers.WithAlerts(
			services.NewWeb3Forms(cfg.Alerts.Endpoint, cfg.Alerts.AccessKey, handlers.AlertFromName, logger),
			services.NewIPAPI(cfg.Alerts.IPAPIURL),
		),
	}
	if cfg.ChatFunctionURL != "" {
		client := stream.NewClient(cfg.ChatFunctionURL, e.GatewayAPIKey, &http.Client{}, logger)
		opts = append(opts, handlers.WithStreamer(client))
	}

	m := handlers.NewMain(llm, repo, guests, logger, opts...)

	// Create custom mux
	mux := http.NewServeMux()
	mux.HandleFunc("/functions/v1/chat", m.HandleChatFunction)
	mux.HandleFunc("/functions/v1/auth-alert", m.HandleAuthAlert)
	mux.HandleFunc("/api/chats", m.HandleChats)
	mux.HandleFunc("/api/chats/cancel", m.HandleCancelChat)
	mux.HandleFunc("/api/conversations", m.HandleConversations)
	mux.HandleFunc("/api/messages", m.HandleMessages)
	mux.HandleFunc("/api/guest", m.HandleGuest)
	mux.HandleFunc("/api/guest/import", m.HandleGuestImport)
	mux.HandleFunc("/api/stats", m.HandleStats)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Closed once the handlers have stopped every reply and closed the event streams.
	handlersDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(handlersDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("port", cfg.Port))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		logger.Error("Server error", slog.String("err", err.Error()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}

		// Cancelled replies still write to storage until they return.
		select {
		case <-handlersDone:
		case <-ctx.Done():
			logger.Warn("Replies did not stop before the shutdown timeout")
		}
	}

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// loadConfig reads the config file. A missing file leaves every setting to the environment.
func loadConfig(path string) (config, error) {
	cfg := config{}

	cfgFile, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("error opening config file: %w", err)
	}
	defer cfgFile.Close()

	if err := yaml.NewDecoder(cfgFile).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.logLevel()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStorage opens the conversation repository and the guest session backend selected by cfg. The
// functions releasing them are appended to closers.
func openStorage(
	ctx context.Context,
	cfg config,
	boltPath string,
	logger *slog.Logger,
	closers *[]func(),
) (transcript.Repository, transcript.SessionBackend, error) {
	if cfg.Storage.Path != "" {
		boltPath = cfg.Storage.Path
	}

	var boltDB *services.BoltDB
	openBolt := func() (services.BoltDB, error) {
		if boltDB != nil {
			return *boltDB, nil
		}
		db, err := services.NewBoltDB(boltPath)
		if err != nil {
			return services.BoltDB{}, err
		}
		boltDB = &db
		*closers = append(*closers, func() { _ = db.Close() })
		return db, nil
	}

	var repo transcript.Repository
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := services.NewPool(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, pool.Close)
		if err := services.RunMigrations(ctx, pool, askai.MigrationsFS, logger); err != nil {
			return nil, nil, err
		}
		repo = services.NewPostgres(pool)
	case "bolt":
		db, err := openBolt()
		if err != nil {
			return nil, nil, err
		}
		repo = db
	default:
		return nil, nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}

	var guests transcript.SessionBackend
	switch cfg.Guests.Backend {
	case "memory":
		guests = services.NewMemorySessions()
	case "bolt":
		db, err := openBolt()
		if err != nil {
			return nil, nil, err
		}
		guests = db
	case "redis":
		client, err := services.NewRedisClient(ctx, cfg.Guests.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		*closers = append(*closers, func() { _ = client.Close() })
		guests = services.NewRedisSessions(client, cfg.Guests.Prefix, cfg.Guests.TTL)
	default:
		return nil, nil, fmt.Errorf("unknown guest session backend: %s", cfg.Guests.Backend)
	}

	logger.Info("Storage opened",
		slog.String("driver", cfg.Storage.Driver),
		slog.String("guests", cfg.Guests.Backend))
	return repo, guests, nil
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, slog.String("err", err.Error()))
	os.Exit(1)
}
