package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/terra-clan/ctf-conductor/internal/api"
	"github.com/terra-clan/ctf-conductor/internal/catalog"
	"github.com/terra-clan/ctf-conductor/internal/config"
	"github.com/terra-clan/ctf-conductor/internal/lease"
	"github.com/terra-clan/ctf-conductor/internal/lifecycle"
	"github.com/terra-clan/ctf-conductor/internal/platform"
	"github.com/terra-clan/ctf-conductor/internal/scheduler"
	"github.com/terra-clan/ctf-conductor/internal/storage"
	"github.com/terra-clan/ctf-conductor/internal/workspace"
	"github.com/terra-clan/ctf-conductor/internal/workspace/discord"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the Discord listener and the operator API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.ValidateService(); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting ctf-conductor",
		"version", version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"database", cfg.Database.Driver,
	)

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	defer initCancel()

	repo, err := openRepository(initCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer repo.Close()

	locker, closeLocker, err := openLocker(initCtx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeLocker()

	catalogClient := catalog.NewClient(cfg.Catalog.URL, cfg.Team.UserAgent,
		catalog.WithRateLimit(cfg.Catalog.RateLimit),
	)
	platformClient := platform.NewClient(cfg.Team.UserAgent,
		platform.WithTimeout(cfg.Platform.Timeout),
	)

	provider, err := discord.New(cfg.Discord.Token, cfg.Discord.GuildID)
	if err != nil {
		return err
	}
	if err := provider.Open(); err != nil {
		return err
	}
	defer provider.Close()
	slog.Info("discord gateway connected", "guild", cfg.Discord.GuildID)

	engine := lifecycle.NewEngine(lifecycle.Config{
		MinPlayers:      cfg.Engine.MinPlayers,
		TeamName:        cfg.Team.Name,
		TeamEmail:       cfg.Team.Email,
		CatalogLimit:    cfg.Catalog.Limit,
		StartWindow:     cfg.Engine.StartWindow,
		ScheduleHorizon: cfg.Engine.ScheduleHorizon,
		LeaseTTL:        cfg.Engine.IngestLeaseTTL,
		WorkspaceWait:   cfg.Engine.WorkspaceWait,
	}, repo, catalogClient, platformClient, workspace.NewProvisioner(provider), locker)

	sched := scheduler.New(provider.Ready(), []scheduler.Job{
		{Name: "calendar-sync", Interval: cfg.Engine.CalendarInterval, Run: engine.SyncCalendar},
		{Name: "imminent-start", Interval: cfg.Engine.ReminderInterval, Run: engine.RemindImminent},
		{Name: "task-pull", Interval: cfg.Engine.TaskPullInterval, Run: engine.PullTasks},
		{Name: "scoreboard", Interval: cfg.Engine.ScoreboardInterval, Run: engine.UpdateScoreboards},
		{Name: "calendar-status", Run: func(ctx context.Context) error {
			return engine.ListenCalendar(ctx, provider.Updates())
		}},
	})

	if cfg.API.Key == "" {
		slog.Warn("api key not configured, operator API will reject every request")
	}
	server := api.NewServer(cfg.Server, cfg.API.Key, engine, repo)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	slog.Info("ctf-conductor stopped")
	return err
}

// openRepository connects the configured session store, applying migrations first for postgres
func openRepository(ctx context.Context, cfg config.DatabaseConfig) (storage.Repository, error) {
	if cfg.Driver == "memory" {
		slog.Warn("using in-memory session store, state is lost on restart")
		return storage.NewMemoryRepository(), nil
	}

	slog.Info("running database migrations", "dir", cfg.MigrationsDir)
	if err := storage.MigrateFromDSN(ctx, cfg.DSN, cfg.MigrationsDir); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	repo, err := storage.NewPostgresRepository(ctx, storage.PostgresConfig{
		DSN:          cfg.DSN,
		MaxOpenConns: int32(cfg.MaxOpenConns),
		MaxIdleConns: int32(cfg.MaxIdleConns),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create database repository: %w", err)
	}
	slog.Info("database connected successfully")

	return repo, nil
}

// openLocker returns the Redis locker when an address is configured and the
// in-process locker otherwise
func openLocker(ctx context.Context, cfg config.RedisConfig) (lease.Locker, func(), error) {
	if cfg.Address == "" {
		slog.Info("redis not configured, using in-process ingestion leases")
		return lease.NewMemoryLocker(), func() {}, nil
	}

	locker, err := lease.NewRedisLocker(ctx, cfg.Address, cfg.Password, cfg.DB)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	slog.Info("redis connected", "address", cfg.Address)

	return locker, func() {
		if err := locker.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}, nil
}
