// cmd/ocpid/main.go
// Package main implements the entry point for the OCPI peering service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gridlink/gridlink-ocpi-go/internal/config"
	"github.com/gridlink/gridlink-ocpi-go/internal/event"
	"github.com/gridlink/gridlink-ocpi-go/internal/model"
	"github.com/gridlink/gridlink-ocpi-go/internal/party"
	"github.com/gridlink/gridlink-ocpi-go/internal/server"
	"github.com/gridlink/gridlink-ocpi-go/internal/telemetry"
)

const serviceVersion = "0.1.0"

func main() {
	// Load configuration from environment variables
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging for the application
	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Initialize OpenTelemetry
	shutdownTracer, err := telemetry.InitTracer("ocpi-service", serviceVersion)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdownTracer(ctx)
	}()

	// Initialize the party registry (PostgreSQL or in-memory)
	var store party.Store
	if cfg.DatabaseDSN != "" {
		store, err = party.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres party store", "error", err)
			os.Exit(1)
		}
	} else {
		store = party.NewMemory()
	}

	// Initialize event publisher (NATS JetStream or no-op)
	pub := event.NewPublisherFromEnv()
	defer pub.Close()

	// Provision the bootstrap token so an unregistered peer can open the
	// handshake against us.
	if cfg.BootstrapToken != "" {
		if err := seedBootstrapToken(store, cfg); err != nil {
			logger.Error("failed to provision bootstrap token", "error", err)
			os.Exit(1)
		}
		logger.Info("bootstrap token provisioned")
	}

	local := server.LocalParty{
		ExternalURL:       cfg.ExternalURL,
		Roles:             localRoles(cfg),
		SupportedVersions: []model.VersionNumber{"2.2.1"},
	}

	mux, err := server.NewMux(store, pub, local)
	if err != nil {
		logger.Error("failed to initialize HTTP mux", "error", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
		os.Exit(1)
	}

	if pg, ok := store.(interface{ Close() }); ok {
		pg.Close()
	}

	logger.Info("server exited")
}

// localRoles expands the configured role names into full credentials roles
// under the local party identity.
func localRoles(cfg config.Config) []model.CredentialsRole {
	roles := make([]model.CredentialsRole, 0, len(cfg.Roles))
	for _, r := range cfg.Roles {
		roles = append(roles, model.CredentialsRole{
			CountryCode: cfg.CountryCode,
			PartyID:     cfg.PartyID,
			Role:        model.Role(r),
			BusinessDetails: model.BusinessDetails{
				Name: cfg.BusinessName,
			},
		})
	}
	return roles
}

// seedBootstrapToken stores a placeholder party record carrying only the
// provisioning token. It is retired when the peer completes registration.
func seedBootstrapToken(store party.Store, cfg config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.AddOrUpdateRemoteParty(ctx, party.UpsertParams{
		ID:               "bootstrap",
		LocalToken:       model.AccessToken(cfg.BootstrapToken),
		LocalTokenStatus: model.AccessAllowed,
		PartyStatus:      model.PartyEnabled,
		RemoteStatus:     model.RemoteUnregistered,
	})
	return err
}
