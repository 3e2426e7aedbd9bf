package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/athorsen/portcullis/internal/config"
	"github.com/athorsen/portcullis/internal/server"
)

// NewServeCmd creates the serve command
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the portcullis proxy and admin servers.

The proxy listener authenticates, authorizes, routes and forwards requests.
The admin listener serves health, Prometheus metrics, and policy reload.

Configuration precedence (highest to lowest):
  1. Command-line flags
  2. Environment variables (PORTCULLIS_*)
  3. Configuration file

Startup is fail-closed: an empty rule list or routing table, or a missing
issuer, aborts rather than running permissively. SIGHUP reloads the policy
rules file.`,
		RunE: runServe,
	}

	// Overrides for the most commonly tuned settings; everything else comes
	// from the config file or environment
	cmd.Flags().String("listen-addr", "", "proxy listener address (default: from config or :8080)")
	cmd.Flags().String("admin-addr", "", "admin listener address (default: from config or :9901)")
	cmd.Flags().String("issuer", "", "expected token issuer (default: from config)")
	cmd.Flags().String("jwks-url", "", "identity provider JWKS endpoint (default: from config)")
	cmd.Flags().String("rules-file", "", "policy rules file (default: from config)")
	cmd.Flags().String("audit-sink", "", "audit sink: stdout or file (default: from config or stdout)")
	cmd.Flags().String("audit-path", "", "audit file path when sink is file")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn, error")
	cmd.Flags().String("log-format", "", "log format: json or text")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Determine config file path
	configPath := configFile
	if configPath == "" {
		configPath = os.Getenv("PORTCULLIS_CONFIG")
	}
	if configPath == "" {
		configPath = "./configs/portcullis.yaml"
	}

	// 2. Load configuration (file + env vars + flags)
	cfg, err := config.Load(configPath, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.AdminAddr == "" {
		cfg.Server.AdminAddr = ":9901"
	}

	// 3. Build components via provider. This is where fail-closed startup
	// checks run; a broken policy or route table aborts here.
	provider := config.NewProvider(cfg)
	defer provider.Close()

	pipeline, err := provider.Pipeline()
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	shutdownTimeout, err := provider.ShutdownTimeout()
	if err != nil {
		return fmt.Errorf("invalid server.shutdown_timeout: %w", err)
	}

	// 4. Create and start servers
	srv := server.New(server.Config{
		ListenAddr: cfg.Server.ListenAddr,
		AdminAddr:  cfg.Server.AdminAddr,
		Handler:    pipeline,
		Reloader:   provider,
		Logger:     provider.Logger(),
	})
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger := provider.Logger()
	logger.Info("portcullis is running",
		"proxy", cfg.Server.ListenAddr,
		"admin", cfg.Server.AdminAddr,
		"issuer", cfg.Issuer.Name,
		"config", configPath,
	)

	// 5. Wait for shutdown or reload signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := provider.ReloadPolicy(); err != nil {
				logger.Error("policy reload failed", "error", err.Error())
			} else {
				logger.Info("policy reloaded")
			}
			continue
		}
		break
	}

	logger.Info("shutting down")

	// 6. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	return nil
}
