package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/controller/web"
	"github.com/jrammler/httprun/internal/secret"
	"github.com/jrammler/httprun/internal/service"
	"github.com/jrammler/httprun/internal/service/audit"
	"github.com/jrammler/httprun/internal/service/auth"
	"github.com/jrammler/httprun/internal/service/command"
	"github.com/jrammler/httprun/internal/service/executor"
	"github.com/jrammler/httprun/internal/service/session"
	"github.com/jrammler/httprun/internal/storage"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func newCipher(cfg *config.Config) (*secret.Cipher, error) {
	if cfg.Security.SecretKey == "" {
		slog.Warn("No secret key configured, stored SSH secrets are only obfuscated")
	}
	return secret.NewCipher(cfg.Security.SecretKey)
}

func newVerifyCache(cfg config.CacheConfig) (auth.VerifyCache, func(), error) {
	if cfg.RedisAddr == "" {
		return auth.NewMemoryCache(cfg.VerifyTTL), func() {}, nil
	}
	cache, err := auth.NewRedisCache(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cache, func() { cache.Close() }, nil
}

func importSeed(ctx context.Context, commands *command.CommandService, path string) {
	if path == "" {
		return
	}
	cmds, err := storage.LoadSeed(path)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load command seed. Continuing with stored commands", "path", path, "error", err)
		return
	}
	n, err := commands.ImportCommands(ctx, cmds)
	if err != nil {
		slog.ErrorContext(ctx, "Some seed commands were not imported", "path", path, "error", err)
	}
	slog.InfoContext(ctx, "Command seed imported", "path", path, "count", n)
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	cipher, err := newCipher(cfg)
	if err != nil {
		return err
	}
	cache, closeCache, err := newVerifyCache(cfg.Cache)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer closeCache()
	rules, err := command.LoadDangerRules(cfg.Security.DangerRuleFile)
	if err != nil {
		return fmt.Errorf("loading danger rules: %w", err)
	}

	local := executor.NewLocal(cfg.Execution)
	remote := executor.NewSSH(cfg.SSH, cfg.Execution.KillGrace,
		executor.NewHostKeyVerifier(store, cfg.SSH.HostKeyPolicy), cipher)
	defer remote.Close()

	authService := auth.NewAuthService(store, cache, cfg.Security.TokenHashCost, cfg.Location())
	ser := &service.Service{
		CommandService: command.NewCommandService(store, executor.NewDispatcher(local, remote), authService, cipher, rules, cfg.Execution),
		AuthService:    authService,
		AuditService:   audit.NewAuditService(store, cfg.Audit),
		Sessions:       session.NewManager(),

		SSHPool:           remote.Pool(),
		PoolSweepInterval: cfg.SSH.Pool.SweepInterval,
	}

	if _, err := ser.AuthService.EnsureAdmin(ctx); err != nil {
		return fmt.Errorf("ensuring admin token: %w", err)
	}
	importSeed(ctx, ser.CommandService, cfg.Seed.CommandsFile)

	// Set up signal handling for seed reload
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGHUP)
	defer signal.Stop(signalChan)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-signalChan:
				slog.Info("Received signal", "signal", sig)
				importSeed(ctx, ser.CommandService, cfg.Seed.CommandsFile)
			}
		}
	}()

	go ser.Maintain(ctx)

	server := web.NewServer(ser, cfg.Server, cfg.RateLimit)
	return server.Serve(ctx)
}
