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

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"roomlab/auth"
	"roomlab/contract"
	"roomlab/engine"
	"roomlab/infrastructure/ws"
	"roomlab/internal"
	"roomlab/moderation"
	"roomlab/observability"
	"roomlab/repositories"
	"roomlab/services"
	"roomlab/sink"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Server terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// This pattern ensures all 'defer' statements (like database cleanup) are executed
// before the program exits, and keeps initialization testable.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	if err := config.Validate(); err != nil {
		return exitConfig, err
	}

	charReplacement, err := internal.CharacterRune(config.ModerationCharReplacement)
	if err != nil {
		return exitConfig, err
	}

	logger := internal.NewLogger(config.LogLevel, config.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Chat moderation
	wordList, err := moderation.LoadWordList()
	if err != nil {
		return exitRuntime, fmt.Errorf("word list loading failed: %w", err)
	}
	censor, err := moderation.NewCensor(wordList.Words, charReplacement)
	if err != nil {
		return exitRuntime, fmt.Errorf("censor building failed: %w", err)
	}
	logger.Info("Moderation dictionary loaded",
		"words", len(wordList.Words), "languages", wordList.Languages)

	// 3. Metrics
	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewEngineMetrics(promRegistry)

	// 4. Archive (BadgerDB), optional
	var archive repositories.IArchiveRepository
	var permanent []contract.EventSink

	supervisor := engine.NewSupervisor(logger)

	if config.ArchiveEnabled {
		options := badger.DefaultOptions(config.BadgerFilepath).
			WithLogger(nil)
		db, err := badger.Open(options)
		if err != nil {
			return exitRuntime, fmt.Errorf("database opening failed: %w", err)
		}
		defer func() {
			// Defer ensures the database lock is released and buffers are flushed.
			logger.Info("Closing BadgerDB...")
			_ = db.Close()
		}()

		repository := repositories.NewArchiveRepository(db, logger, nil)
		archive = repository

		archiveSink := sink.NewArchiveSink(repository, logger, 1024)
		supervisor.Add(archiveSink)
		permanent = append(permanent, archiveSink)
	}

	// 5. Session registry
	sessionCfg := engine.SessionConfig{
		LockTTL:              config.LockTTL,
		InactivityTimeout:    config.InactivityTimeout,
		HousekeepingInterval: config.HousekeepingPeriod,
		DeliveryTimeout:      config.DeliveryTimeout,
		IntentBuffer:         config.IntentBufferSize,
		ChatHistoryLimit:     config.ChatHistoryLimit,
	}
	registry := engine.NewRegistry(logger, supervisor, sessionCfg,
		config.TeardownGrace, censor, metrics, permanent)
	registry.Start(ctx)
	defer registry.Close()

	go supervisor.Run(ctx)

	// 6. Service & gateway
	gate := services.AllowAllProjects
	if projects := config.AllowedProjects(); len(projects) > 0 {
		gate = services.AllowListedProjects(projects)
		logger.Info("Project allowlist active", "projects", projects)
	}
	service := services.NewCollabService(registry, gate)

	var verifier *auth.Verifier
	if config.AuthRequired {
		verifier = auth.NewVerifier(config.AuthTokenSecret)
	}

	gateway := ws.NewGateway(logger, service, verifier, ws.GatewayConfig{
		OutboundBuffer: config.OutboundBufferSize,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 7. Debug surface (sessions, process stats, prometheus, archive)
	debug := internal.NewDebugServer(logger, registry, archive, promRegistry)
	debug.Start(ctx, config.Host, config.DebugPort)

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		return exitRuntime, fmt.Errorf("gateway failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Gateway shutdown was not clean", "error", err)
	}

	supervisor.Stop()
	logger.Info("Server stopped")
	return exitOK, nil
}
