// Package main is the entry point for the chat server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/resumable-chat/internal/config"
	"github.com/capitalize-ai/resumable-chat/internal/engine"
	"github.com/capitalize-ai/resumable-chat/internal/handler"
	"github.com/capitalize-ai/resumable-chat/internal/llm"
	natsclient "github.com/capitalize-ai/resumable-chat/internal/nats"
	"github.com/capitalize-ai/resumable-chat/internal/service"
	"github.com/capitalize-ai/resumable-chat/internal/store"
	"github.com/capitalize-ai/resumable-chat/internal/stream"
	"github.com/capitalize-ai/resumable-chat/internal/usage"
	"github.com/capitalize-ai/resumable-chat/pkg/logger"
	"github.com/capitalize-ai/resumable-chat/pkg/tracing"
)

const serviceName = "resumable-chat"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Initialize logger
	newLogger := logger.New
	if cfg.LogDevelopment {
		newLogger = logger.NewDevelopment
	}
	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting chat server", zap.String("port", cfg.ServerPort))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	// Message store
	db, err := store.Open(cfg.BoltPath)
	if err != nil {
		return err
	}
	defer db.Close()

	messages, err := store.NewCached(db, cfg.MessageCacheSize)
	if err != nil {
		return err
	}

	checks := map[string]handler.Checker{"store": db}
	var opts []stream.Option

	// The journal is optional; without it streams are only resumable while
	// they are held in memory.
	if cfg.NATSURL != "" {
		natsClient, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
			Name:     serviceName,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer natsClient.Close()

		journal := natsclient.NewJournal(natsClient, natsclient.JournalConfig{MaxAge: cfg.JournalRetention})
		if err := journal.EnsureStream(ctx); err != nil {
			return fmt.Errorf("failed to ensure journal stream: %w", err)
		}
		opts = append(opts, stream.WithJournal(journal))
		checks["nats"] = natsClient
	} else {
		log.Info("NATS_URL not set, stream journal disabled")
	}

	// Model registry
	models, err := loadModels(cfg)
	if err != nil {
		return err
	}

	var providers []llm.Provider
	providers = append(providers,
		&llm.EchoProvider{Delay: cfg.EchoDelay},
		llm.NewAnthropicProvider(cfg.AnthropicAPIKey),
		llm.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
	)
	ollama, err := llm.NewOllamaProvider(cfg.OllamaHost)
	if err != nil {
		return fmt.Errorf("invalid OLLAMA_HOST: %w", err)
	}
	providers = append(providers, ollama)

	registry, err := llm.NewRegistry(models, providers...)
	if err != nil {
		return fmt.Errorf("invalid model registry: %w", err)
	}

	// Streams, quotas and generation
	streams := stream.NewRegistry(stream.Config{Retention: cfg.StreamRetention}, db, log, opts...)
	guard := usage.NewGuard(usage.Config{
		GuestPerDay:   cfg.QuotaGuestPerDay,
		RegularPerDay: cfg.QuotaRegularPerDay,
	}, registry)
	eng := engine.New(engine.Config{Timeout: cfg.GenerationTimeout}, registry, messages, log)

	go streams.Run(ctx)
	go guard.Run(ctx)

	// Initialize services
	chatSvc := service.NewChatService(messages, streams, registry, guard, eng, log)
	conversationSvc := service.NewConversationService(messages, streams, cfg.DeleteWaitTimeout, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		CORSOrigins:       cfg.CORSOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
		Health:            handler.NewHealthHandler(checks),
		Auth:              handler.NewAuthHandler(cfg.JWTSecret, cfg.JWTExpiration, log),
		Chat:              handler.NewChatHandler(chatSvc, log),
		Conversations:     handler.NewConversationHandler(conversationSvc, log),
		Messages:          handler.NewMessageHandler(conversationSvc, log),
	}, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
	return nil
}

func loadModels(cfg *config.Config) ([]llm.ModelConfig, error) {
	if cfg.ModelsFile == "" {
		return llm.DefaultModels(), nil
	}
	models, err := llm.LoadModels(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load models file: %w", err)
	}
	return models, nil
}
