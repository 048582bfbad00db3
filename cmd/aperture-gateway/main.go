// Package main is the Aperture Gateway entry point: it loads
// configuration from the environment, opens the vault and the store,
// probes backend readiness, starts the connection mux, and fans
// shutdown from SIGTERM/SIGINT into the session manager, the store,
// and the listeners.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aperture-ai/aperture-gateway/internal/backend"
	"github.com/aperture-ai/aperture-gateway/internal/config"
	"github.com/aperture-ai/aperture-gateway/internal/logging"
	"github.com/aperture-ai/aperture-gateway/internal/manager"
	"github.com/aperture-ai/aperture-gateway/internal/mux"
	"github.com/aperture-ai/aperture-gateway/internal/store"
	"github.com/aperture-ai/aperture-gateway/internal/vault"
	"github.com/aperture-ai/aperture-gateway/internal/worktree"
)

var (
	showVersion = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("aperture-gateway %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		// Logging is not initialized yet; the missing bearer token is
		// fatal before anything else can start.
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logging.Init(logCfg)
	defer logging.Close()

	logging.Info().Str("version", Version).Msg("starting aperture gateway")

	if leaked := backend.GatewayProviderKeyVars(); len(leaked) > 0 {
		logging.Warn().
			Strs("vars", leaked).
			Msg("provider API keys found in the gateway environment; they will NOT be forwarded to sessions")
	}

	var vlt *vault.Vault
	if cfg.CredentialsMasterKey != "" && !cfg.VaultEnabled() {
		logging.Warn().Msg("CREDENTIALS_MASTER_KEY is shorter than 32 bytes; credential vault disabled, only inline keys will work")
	}
	if cfg.VaultEnabled() {
		vlt, err = vault.Open(cfg.CredentialsStorePath, cfg.CredentialsMasterKey)
		if err != nil {
			// Wrong master key or tampered records never degrade to
			// "no vault".
			logging.Fatal().Err(err).Msg("opening credential vault failed")
		}
		logging.Info().Str("path", cfg.CredentialsStorePath).Msg("credential vault open")
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logging.Fatal().Err(err).Msg("opening session store failed")
	}
	logging.Info().Str("path", cfg.DatabasePath).Msg("session store open")

	claude := backend.NewClaudeSdkBackend(cfg.ClaudePath)
	pi := backend.NewPiSdkBackend(cfg.PiPath)

	ctx := context.Background()
	for _, be := range []backend.Backend{claude, pi} {
		if rd := be.EnsureInstalled(ctx); !rd.Ready {
			logging.Warn().Str("backend", be.Name()).Str("detail", rd.Detail).Msg("backend not ready")
		}
	}

	broker := worktree.New()

	mgr := manager.New(st, vlt, broker, claude, pi, manager.Config{
		MaxConcurrentSessions: cfg.MaxConcurrentSessions,
		SessionIdleTimeout:    cfg.SessionIdleTimeout,
		HostedMode:            cfg.HostedMode,
		AllowInteractiveAuth:  cfg.AllowInteractiveAuth,
	})

	// Crash recovery: anything still marked active belongs to a
	// previous process and is demoted; resumable sessions surface via
	// listResumable for explicit reconnection.
	demoted, err := mgr.Restore(ctx)
	if err != nil {
		logging.Fatal().Err(err).Msg("boot-time session recovery failed")
	}
	if demoted > 0 {
		logging.Info().Int64("sessions", demoted).Msg("demoted stale active sessions from previous run")
	}

	srv := mux.New(cfg, mgr, st, vlt, broker, claude, pi)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logging.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logging.Fatal().Err(err).Msg("listener failed")
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("listener shutdown error")
	}
	// TerminateAll disposes every runtime, waits for their exit events
	// (bounded), then closes the store.
	if err := mgr.TerminateAll(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("session shutdown error")
	}

	logging.Info().Msg("gateway stopped")
}
