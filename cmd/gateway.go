package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nextlevelbuilder/sshgateway/internal/broker"
	"github.com/nextlevelbuilder/sshgateway/internal/config"
	"github.com/nextlevelbuilder/sshgateway/internal/policy"
	"github.com/nextlevelbuilder/sshgateway/internal/registry"
	"github.com/nextlevelbuilder/sshgateway/internal/rpc"
	"github.com/nextlevelbuilder/sshgateway/internal/session"
	"github.com/nextlevelbuilder/sshgateway/internal/telemetry"
)

func runGateway() {
	// Logs go to stderr: stdout is the MCP transport.
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	})))
	log := slog.Default()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	level := policy.ParseLevel(cfg.Permissibility)
	engine := policy.New(level)
	log.Info("policy engine ready", "level", level)
	if cfg.KnownHostsPath == "" {
		log.Warn("host key verification is permissive (auto-add); set known_hosts_path to verify host keys")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, log)
	if err != nil {
		log.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer shutdownTelemetry(context.Background())

	passwordBroker := broker.New(log)

	sessionRegistry := registry.New(registry.Options{
		MaxSessions:             cfg.MaxSessions,
		IdleTTL:                 cfg.SessionIdleTTL(),
		ConnectPerHostPerMinute: cfg.RateLimit.ConnectPerHostPerMinute,
		SessionConfig: session.Config{
			ConnectTimeout:             cfg.ConnectTimeout(),
			CommandTimeout:             cfg.CommandTimeout(),
			MaxOutputBytes:             cfg.MaxOutputBytes,
			MaxOutputLines:             cfg.MaxOutputLines,
			ProxyCommandTemplate:       cfg.Default.ProxyCommand,
			KnownHostsPath:             cfg.KnownHostsPath,
			SudoPassword:               cfg.Default.SudoPassword,
			InteractivePasswordEnabled: cfg.InteractivePasswordEnabled,
			NonInteractiveSudoEnabled:  cfg.NonInteractiveSudoEnabled,
		},
	}, passwordBroker, engine, log)

	srv := rpc.New(cfg, sessionRegistry, passwordBroker, engine, log)

	go sessionRegistry.RunSweeper(ctx)
	go passwordBroker.RunSweeper(ctx)
	go func() {
		if err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			srv.SetPolicy(policy.New(policy.ParseLevel(next.Permissibility)))
		}); err != nil {
			log.Warn("config watch unavailable", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	log.Info("sshgateway serving on stdio", "version", Version, "max_sessions", cfg.MaxSessions)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Error("stdio transport closed", "error", err)
		}
	}

	sessionRegistry.DisconnectAll()
	log.Info("sshgateway stopped")
}
