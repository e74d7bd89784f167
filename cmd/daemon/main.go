// SPDX-License-Identifier: MIT

// Command daemon runs the Harmony job orchestration engine: the queue
// store, the scheduler/dispatcher, the watchlist timer, the provider
// gateway, and the ops HTTP surface, wired from environment
// configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harmonyhub/harmony/internal/api"
	"github.com/harmonyhub/harmony/internal/cache"
	"github.com/harmonyhub/harmony/internal/config"
	"github.com/harmonyhub/harmony/internal/daemon"
	"github.com/harmonyhub/harmony/internal/delta"
	"github.com/harmonyhub/harmony/internal/gateway"
	"github.com/harmonyhub/harmony/internal/handlers"
	"github.com/harmonyhub/harmony/internal/ingest"
	"github.com/harmonyhub/harmony/internal/library"
	hlog "github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/matching"
	"github.com/harmonyhub/harmony/internal/orchestrator"
	"github.com/harmonyhub/harmony/internal/providers/soulseek"
	"github.com/harmonyhub/harmony/internal/providers/spotify"
	"github.com/harmonyhub/harmony/internal/queue"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
	"github.com/harmonyhub/harmony/internal/telemetry"
	"github.com/harmonyhub/harmony/internal/watchlist"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("harmony %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	hlog.Configure(hlog.Config{Service: "harmony", Version: version})
	logger := hlog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	cfg.Version = version

	if err := run(ctx, cfg); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("daemon stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := hlog.WithComponent("main")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	policies := retrypolicy.New(retrypolicy.Options{
		Defaults: retrypolicy.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Base:        cfg.Retry.Base,
			JitterPct:   cfg.Retry.JitterPct,
			Timeout:     cfg.Retry.Timeout,
		},
		Types: queue.KnownTypes(),
		File:  cfg.Retry.PolicyFile,
		TTL:   cfg.Retry.PolicyReload,
	})

	queueStore, err := queue.Open(cfg.Queue, queue.Options{
		Priorities: cfg.Orchestrator.Priorities,
		Policies:   policies,
	})
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}

	libraryStore, err := library.Open(cfg.Library)
	if err != nil {
		_ = queueStore.Close()
		return fmt.Errorf("open library store: %w", err)
	}

	allowlist, err := gateway.NewAllowlist(cfg.Provider.AllowedHosts)
	if err != nil {
		return fmt.Errorf("build outbound allowlist: %w", err)
	}
	transport := allowlist.Transport(nil)

	metaCache, err := spotify.OpenCache(cfg.Provider.SpotifyCacheDir, cfg.Provider.SpotifyCacheTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("metadata cache unavailable, continuing without it")
		metaCache = nil
	}

	metadata := spotify.New(spotify.Config{
		BaseURL:   cfg.Provider.Spotify.BaseURL,
		Token:     cfg.Provider.Spotify.Token,
		Transport: transport,
		Cache:     metaCache,
	})
	peer := soulseek.New(soulseek.Config{
		BaseURL:   cfg.Provider.Soulseek.BaseURL,
		Token:     cfg.Provider.Soulseek.Token,
		Transport: transport,
	})

	gw, err := gateway.New(gateway.Options{
		Metadata:       metadata,
		Peer:           peer,
		MaxConcurrency: cfg.Provider.MaxConcurrency,
		Providers: map[string]gateway.Params{
			gateway.ProviderSpotify:  endpointParams(cfg.Provider.Spotify),
			gateway.ProviderSoulseek: endpointParams(cfg.Provider.Soulseek),
		},
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	responseCache, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("build response cache: %w", err)
	}

	matcher := matching.New(matching.Config{
		ConfidenceThreshold: cfg.Matching.ConfidenceThreshold,
		PreferredFormats:    cfg.Matching.PreferredFormats,
	})

	hs, err := buildHandlers(cfg, queueStore, libraryStore, gw, responseCache, matcher)
	if err != nil {
		return fmt.Errorf("build handlers: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Store:    queueStore,
		Config:   cfg.Orchestrator,
		Handlers: hs,
		Policies: policies,
		Sweeper:  libraryStore,
		Grace:    cfg.Watchlist.ShutdownGrace,
	})
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	timer, err := watchlist.New(watchlist.Options{
		Library: libraryStore,
		Queue:   queueStore,
		Config:  cfg.Watchlist,
	})
	if err != nil {
		return fmt.Errorf("build watchlist timer: %w", err)
	}

	ingestSvc, err := ingest.New(ingest.Options{
		Library: libraryStore,
		Queue:   queueStore,
		Config:  cfg.Ingest,
	})
	if err != nil {
		return fmt.Errorf("build ingest service: %w", err)
	}

	monitor := gateway.NewMonitor(gw, cfg.Provider.HealthInterval, cfg.Provider.Critical)

	apiServer, err := api.New(api.Options{
		Queue:    queueStore,
		Library:  libraryStore,
		Ingest:   ingestSvc,
		Cache:    responseCache,
		Monitor:  monitor,
		API:      cfg.API,
		DLQ:      cfg.DLQ,
		CacheCfg: cfg.Cache,
	})
	if err != nil {
		return fmt.Errorf("build api server: %w", err)
	}

	manager := daemon.NewManager(cfg.API.Addr, apiServer.Router())
	manager.RegisterShutdownHook("telemetry", tracing.Shutdown)
	manager.RegisterShutdownHook("queue-store", func(context.Context) error { return queueStore.Close() })
	manager.RegisterShutdownHook("library-store", func(context.Context) error { return libraryStore.Close() })
	manager.RegisterShutdownHook("response-cache", func(context.Context) error { return responseCache.Close() })
	if metaCache != nil {
		manager.RegisterShutdownHook("metadata-cache", func(context.Context) error { return metaCache.Close() })
	}

	app, err := daemon.NewApp(orch, manager)
	if err != nil {
		return err
	}
	app.Timer = timer
	app.Monitor = monitor
	app.Policies = policies
	app.PolicyWatch = retrypolicy.NewWatcher(policies, cfg.Retry.PolicyFile)

	logger.Info().
		Str("queue_driver", cfg.Queue.Driver).
		Str("api_addr", cfg.API.Addr).
		Str("cache_backend", cfg.Cache.Backend).
		Msg("harmony starting")

	return app.Run(ctx)
}

func buildHandlers(
	cfg *config.Config,
	queueStore queue.Store,
	libraryStore *library.Store,
	gw *gateway.Gateway,
	responseCache cache.Store,
	matcher *matching.Matcher,
) ([]orchestrator.Handler, error) {
	watchlistHandler, err := handlers.NewWatchlist(handlers.WatchlistOptions{
		Library: libraryStore,
		Queue:   queueStore,
		Config:  cfg.Watchlist,
	})
	if err != nil {
		return nil, err
	}
	artistSync, err := handlers.NewArtistSync(handlers.ArtistSyncOptions{
		Library:  libraryStore,
		Queue:    queueStore,
		Metadata: gw,
		Cache:    responseCache,
		Policy: delta.Policy{
			Prune:      cfg.Library.Prune,
			HardDelete: cfg.Library.HardDelete,
		},
		Watchlist: cfg.Watchlist,
		Ingest:    cfg.Ingest,
	})
	if err != nil {
		return nil, err
	}
	matchingHandler, err := handlers.NewMatching(handlers.MatchingOptions{
		Library:  libraryStore,
		Queue:    queueStore,
		Metadata: gw,
		Peers:    gw,
		Matcher:  matcher,
	})
	if err != nil {
		return nil, err
	}
	syncHandler, err := handlers.NewSync(handlers.SyncOptions{
		Library:     libraryStore,
		Peers:       gw,
		Retry:       cfg.Retry,
		Concurrency: cfg.Matching.SyncWorkerConcurrency,
	})
	if err != nil {
		return nil, err
	}
	retryHandler, err := handlers.NewRetry(handlers.RetryOptions{
		Library: libraryStore,
		Queue:   queueStore,
		Retry:   cfg.Retry,
	})
	if err != nil {
		return nil, err
	}
	expandHandler, err := handlers.NewPlaylistExpand(handlers.PlaylistExpandOptions{
		Library:   libraryStore,
		Queue:     queueStore,
		Metadata:  gw,
		BatchSize: cfg.Ingest.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return []orchestrator.Handler{
		watchlistHandler,
		artistSync,
		matchingHandler,
		syncHandler,
		retryHandler,
		expandHandler,
	}, nil
}

func endpointParams(e config.EndpointConfig) gateway.Params {
	return gateway.Params{
		Timeout:     e.Timeout,
		RetryMax:    e.RetryMax,
		BackoffBase: e.BackoffBase,
		JitterPct:   e.JitterPct,
		RateRPS:     e.RateRPS,
		RateBurst:   e.RateBurst,
	}
}
