package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"proxy-lifecycle/pkg/config"
	"proxy-lifecycle/pkg/database"
	"proxy-lifecycle/pkg/failover"
	"proxy-lifecycle/pkg/ipinfo"
	"proxy-lifecycle/pkg/kvstore"
	"proxy-lifecycle/pkg/models"
	"proxy-lifecycle/pkg/pool"
	"proxy-lifecycle/pkg/proxy"
	"proxy-lifecycle/pkg/quality"
	"proxy-lifecycle/pkg/recommend"
	"proxy-lifecycle/pkg/shard"
)

// app holds every wired component. Fields are nil when the command did not
// ask for them.
type app struct {
	settings *config.Settings
	logger   *slog.Logger

	db       *database.DB
	kv       *kvstore.DB
	pool     *pool.Manager
	scorer   *quality.Scorer
	engine   *recommend.Engine
	failover *failover.Controller
	shards   *shard.Manager
}

func loadSettings() (*config.Settings, error) {
	v := viper.GetViper()
	if err := config.Init(v, configFile); err != nil {
		return nil, err
	}
	return config.Load(v)
}

func providerConfig(ps config.ProviderSettings) proxy.Config {
	return proxy.Config{
		System:        proxy.System(ps.System),
		Name:          ps.Name,
		Username:      ps.Username,
		APIKey:        ps.APIKey,
		PackageID:     ps.PackageID,
		PackageKey:    ps.PackageKey,
		SessionLength: ps.SessionLength,
		Endpoint:      ps.Endpoint,
		CostPerGB:     ps.CostPerGB,
		ISPType:       models.ISPType(ps.ISPType),
		File:          ps.File,
		CheckerURL:    ps.CheckerURL,
	}
}

func buildProviders(s *config.Settings, logger *slog.Logger) ([]proxy.Provider, error) {
	var geo *ipinfo.Client
	if s.IPInfoToken != "" {
		geo = ipinfo.NewClient(s.IPInfoToken)
	}
	providers := make([]proxy.Provider, 0, len(s.Providers))
	for _, ps := range s.Providers {
		p, err := proxy.NewProvider(providerConfig(ps), geo, logger)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", ps.System, err)
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		logger.Warn("no providers configured, pool can only be filled manually")
	}
	return providers, nil
}

func openDB(s *config.Settings) (*database.DB, error) {
	db, err := database.NewDB(s.Database)
	if err != nil {
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}
	return db, nil
}

func openShards(s *config.Settings, logger *slog.Logger) (*kvstore.DB, *shard.Manager, error) {
	strategy, err := shard.ParseStrategy(s.Shard.Strategy)
	if err != nil {
		return nil, nil, err
	}
	kv, err := kvstore.Open(kvstore.Options{Dir: s.KV.Dir})
	if err != nil {
		return nil, nil, err
	}
	m := shard.NewManager(kv, s.Shards, shard.Options{Strategy: strategy, MinHealth: s.Shard.MinHealth}, logger.With("component", "shard"))
	return kv, m, nil
}

// newApp wires the full stack: store, providers, pool, scorer,
// recommendations, failover and the sharded device pool.
func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	a := &app{settings: s, logger: logger}

	a.db, err = openDB(s)
	if err != nil {
		return nil, err
	}

	providers, err := buildProviders(s, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	opts, err := pool.OptionsFromSettings(s.Pool)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = pool.NewManager(providers, a.db, opts, logger.With("component", "pool"))

	a.scorer = quality.NewScorer(a.pool, a.db, quality.Options{
		Interval:  s.Quality.Interval,
		Retention: s.Quality.HistoryRetention,
	}, logger)
	if err := a.scorer.Load(ctx); err != nil {
		logger.Warn("failed to load quality history", "error", err)
	}

	a.engine = recommend.NewEngine(a.pool, a.scorer, a.db, logger.With("component", "recommend"))

	a.failover = failover.NewController(a.pool, a.engine, a.db, failover.Options{
		Default:      s.Failover.Default(),
		BlacklistTTL: s.Failover.BlacklistTTL,
	}, logger.With("component", "failover"))
	if err := a.failover.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.kv, a.shards, err = openShards(s, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// run starts every background loop and blocks until ctx is done.
func (a *app) run(ctx context.Context) error {
	a.pool.Start(ctx)
	a.scorer.Start(ctx)
	a.failover.Start(ctx)
	defer func() {
		a.failover.Stop()
		a.scorer.Stop()
		a.pool.Stop()
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.settings.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("metrics server shutdown", "error", err)
	}
	return nil
}

func (a *app) Close() {
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn("failed to close kv store", "error", err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
