// Operations gateway - real-time container logs, stats, terminals and events
// over WebSocket.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/workspace/ops-gateway/internal/access"
	"github.com/workspace/ops-gateway/internal/auth"
	"github.com/workspace/ops-gateway/internal/config"
	"github.com/workspace/ops-gateway/internal/container"
	"github.com/workspace/ops-gateway/internal/gateway"
	"github.com/workspace/ops-gateway/internal/hostmetrics"
	"github.com/workspace/ops-gateway/internal/logging"
	"github.com/workspace/ops-gateway/internal/server"
)

// flags are command-line overrides. Empty or zero values leave the
// environment configuration untouched.
type flags struct {
	host      string
	port      int
	logLevel  string
	logFormat string
	accessDB  string
}

func parseFlags(args []string) (flags, error) {
	var f flags
	fs := pflag.NewFlagSet("ops-gateway", pflag.ContinueOnError)
	fs.StringVar(&f.host, "host", "", "listen host (overrides GATEWAY_HOST)")
	fs.IntVarP(&f.port, "port", "p", 0, "listen port (overrides GATEWAY_PORT)")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "json or text (overrides LOG_FORMAT)")
	fs.StringVar(&f.accessDB, "access-db", "", "permission database path (overrides ACCESS_DB_PATH)")
	if err := fs.Parse(args); err != nil {
		return flags{}, err
	}
	return f, nil
}

func (f flags) apply(cfg *config.Config) error {
	if f.host != "" {
		cfg.Host = f.host
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.accessDB != "" {
		cfg.AccessDBPath = f.accessDB
	}
	return cfg.Validate()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Operations gateway exited", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, err := parseFlags(args)
	if err != nil {
		return err
	}
	logging.Setup(f.logLevel, f.logFormat)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := f.apply(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	verifier, err := auth.NewJWTVerifier(auth.VerifierConfig{
		Secret:       cfg.JWTSecret,
		JWKSEndpoint: cfg.JWKSEndpoint,
		Issuer:       cfg.JWTIssuer,
		Audience:     cfg.JWTAudience,
	})
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	store, err := access.Open(cfg.AccessDBPath)
	if err != nil {
		return fmt.Errorf("failed to open access store: %w", err)
	}
	defer store.Close()

	srv := server.New(cfg, gateway.Deps{
		Verifier: verifier,
		Resolver: store,
		Runtime: container.NewDockerCLI(container.Config{
			Binary:         cfg.DockerBinary,
			CommandTimeout: cfg.DockerCommandTimeout,
			TailLines:      cfg.LogTailLines,
		}),
		HostMetrics: hostmetrics.NewCollector(hostmetrics.Config{}),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Configuration loaded", "addr", cfg.Addr(), "accessDb", cfg.AccessDBPath)
	if err := srv.ListenAndRun(ctx); err != nil {
		return err
	}
	slog.Info("Received signal, shut down cleanly")
	return nil
}
