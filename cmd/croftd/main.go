package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/croftd/croft/internal/api"
	"github.com/croftd/croft/internal/config"
	"github.com/croftd/croft/internal/enforcement"
	croftlog "github.com/croftd/croft/internal/log"
	"github.com/croftd/croft/internal/manager"
	"github.com/croftd/croft/internal/model"
	"github.com/croftd/croft/internal/notify"
	"github.com/croftd/croft/internal/plugin"
	"github.com/croftd/croft/internal/plugin/dummy"
	"github.com/croftd/croft/internal/plugin/hosts"
	"github.com/croftd/croft/internal/store/sqlite"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("croftd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "croftd: %v\n", err)
		os.Exit(1)
	}

	croftlog.Configure(croftlog.Config{
		Level:   cfg.LogLevel,
		Service: "croft",
	})
	logger := croftlog.WithComponent("daemon")
	logger.Info().
		Str("event", "daemon.starting").
		Str("version", version).
		Str("data_dir", cfg.DataDir).
		Msg("starting reservation manager")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Str("event", "daemon.stopped").Msg("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "croft.db")
	repo, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	logger.Info().Str("event", "store.opened").Str("path", dbPath).Msg("store ready")
	defer func() { _ = repo.Close() }()

	registry, err := plugin.NewRegistry(ctx, cfg.Manager.Plugins, map[string]plugin.Factory{
		dummy.Name: dummy.Factory(croftlog.WithComponent("plugin.dummy")),
		hosts.Name: hosts.Factory(repo, croftlog.WithComponent("plugin.hosts")),
	}, pluginOptions(cfg), croftlog.WithComponent("plugin"))
	if err != nil {
		return fmt.Errorf("plugin registry: %w", err)
	}

	enf := enforcement.New(enforcementFilters(cfg), croftlog.WithComponent("enforcement"))

	var notifier notify.Notifier
	if cfg.Notify.RedisAddr != "" {
		redisNotifier, err := notify.NewRedisNotifier(notify.RedisConfig{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
		}, croftlog.Base())
		if err != nil {
			return fmt.Errorf("notification transport: %w", err)
		}
		defer func() { _ = redisNotifier.Close() }()
		notifier = redisNotifier
	} else {
		notifier = notify.NewLogNotifier(croftlog.Base())
	}

	trusts := make(manager.StaticTrusts, len(cfg.Trusts))
	for trustID, entry := range cfg.Trusts {
		trusts[trustID] = model.RequestContext{ProjectID: entry.ProjectID, UserID: entry.UserID}
	}

	managerCfg := manager.Config{
		MinutesBeforeEndLease: cfg.Manager.MinutesBeforeEndLease,
		EventMaxRetries:       cfg.Manager.EventMaxRetries,
		EventInterval:         cfg.Manager.EventInterval,
	}
	service := manager.NewService(repo, registry, enf, notifier, trusts, managerCfg, croftlog.Base())
	engine := manager.NewEngine(repo, service, notifier, managerCfg, croftlog.Base())
	monitor := manager.NewHealthMonitor(repo, registry, notifier, croftlog.Base())
	server := api.NewServer(service, api.Config{
		Listen:    cfg.API.Listen,
		RateLimit: cfg.API.RateLimit,
	}, croftlog.Base())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(ctx) })
	g.Go(func() error { return monitor.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	return g.Wait()
}

func pluginOptions(cfg config.Config) map[string]plugin.Options {
	out := make(map[string]plugin.Options, len(cfg.Plugins))
	for resourceType, opts := range cfg.Plugins {
		out[resourceType] = plugin.Options{
			DefaultResourceProperties:        opts.DefaultResourceProperties,
			DisplayDefaultResourceProperties: opts.DisplayDefaultResourceProperties,
			RetryAllocationWithoutDefaults:   opts.RetryAllocationWithoutDefaults,
			BeforeEndAction:                  opts.BeforeEndAction,
			Extra:                            opts.Extra,
		}
	}
	return out
}

func enforcementFilters(cfg config.Config) []enforcement.Filter {
	var filters []enforcement.Filter
	for _, name := range cfg.Enforcement.Filters {
		switch name {
		case "max_lease_duration":
			filters = append(filters, &enforcement.MaxLeaseDuration{
				Max:            time.Duration(cfg.Enforcement.MaxLeaseDuration) * time.Second,
				ExemptProjects: cfg.Enforcement.MaxLeaseDurationExemptProjectIDs,
			})
		case "external_service":
			filters = append(filters, &enforcement.ExternalService{
				BaseEndpoint: cfg.Enforcement.ExternalServiceBaseEndpoint,
				Token:        cfg.Enforcement.ExternalServiceToken,
				Client:       &http.Client{Timeout: 10 * time.Second},
			})
		}
	}
	return filters
}
