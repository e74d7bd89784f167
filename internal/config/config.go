// SPDX-License-Identifier: MIT

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
)

// Config is the typed configuration value for the daemon. It is loaded once
// at startup and passed explicitly; nothing in it mutates after Load except
// the retry policy snapshot, which is owned by the retry policy provider.
type Config struct {
	Version string
	DataDir string

	Queue        QueueConfig
	Library      LibraryConfig
	Orchestrator OrchestratorConfig
	Watchlist    WatchlistConfig
	Retry        RetryConfig
	Cache        CacheConfig
	Provider     ProviderConfig
	Matching     MatchingConfig
	Ingest       IngestConfig
	DLQ          DLQConfig
	API          APIConfig
	Telemetry    TelemetryConfig
}

// QueueConfig selects the queue store backend.
type QueueConfig struct {
	Driver string // "sqlite" (default) or "postgres"
	DSN    string // postgres connection string; unused for sqlite
	Path   string // sqlite database file
}

// LibraryConfig locates the domain store holding artists, releases,
// watchlist entries, download state, and ingest bookkeeping.
type LibraryConfig struct {
	Path string // sqlite database file

	// Prune soft-deletes releases the provider no longer lists.
	Prune bool
	// HardDelete additionally drops pruned release rows; the audit
	// trail keeps the inactivation record.
	HardDelete bool
}

// OrchestratorConfig tunes the scheduler, dispatcher, and queue maintenance.
type OrchestratorConfig struct {
	Priorities        map[string]int
	PollInterval      time.Duration
	PollIntervalMax   time.Duration
	VisibilityTimeout time.Duration
	GlobalConcurrency int
	Heartbeat         time.Duration // zero means half the visibility timeout
	Pools             map[string]int
	ReapInterval      time.Duration
	RetentionAge      time.Duration
}

// WatchlistConfig tunes the watchlist timer and cooldown behavior.
type WatchlistConfig struct {
	TimerInterval  time.Duration
	TimerCron      string // optional cron expression; overrides TimerInterval when set
	MaxPerTick     int
	ShutdownGrace  time.Duration
	ArtistCooldown time.Duration
	RetryBudget    int
}

// RetryConfig carries the global retry policy defaults. Per-type overrides
// (RETRY_<TYPE>_*) are read by the retry policy provider on each reload.
type RetryConfig struct {
	MaxAttempts    int
	Base           time.Duration
	JitterPct      float64
	Timeout        time.Duration // zero means no handler deadline
	PolicyReload   time.Duration
	PolicyFile     string
	ScanBatchLimit int
}

// CacheConfig tunes the response cache.
type CacheConfig struct {
	Backend       string // "memory" (default), "redis", or "none"
	MaxItems      int
	DefaultTTL    time.Duration
	DefaultSWR    time.Duration
	EvictEvents   bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// EndpointConfig bounds calls against one external provider.
type EndpointConfig struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	RetryMax    int
	BackoffBase time.Duration
	JitterPct   float64
	RateRPS     float64
	RateBurst   int
}

// ProviderConfig tunes the provider gateway.
type ProviderConfig struct {
	MaxConcurrency  int
	HealthInterval  time.Duration
	Critical        []string // providers whose failure makes the overall verdict "down"
	AllowedHosts    []string // outbound host allowlist; empty allows all
	Spotify         EndpointConfig
	Soulseek        EndpointConfig
	SpotifyCacheDir string
	SpotifyCacheTTL time.Duration
}

// MatchingConfig tunes candidate scoring and download workers.
type MatchingConfig struct {
	ConfidenceThreshold   float64
	PreferredFormats      []string
	SyncWorkerConcurrency int
}

// IngestConfig caps user submissions and batch enqueueing.
type IngestConfig struct {
	BatchSize            int
	MaxPendingJobs       int
	FreeMaxLines         int
	FreeMaxFileBytes     int
	FreeMaxPlaylistLinks int
	FreeMaxTracks        int
	HardCapMultiplier    int
	BackfillEnabled      bool
	BackfillMaxReleases  int
}

// DLQConfig bounds dead-letter operations.
type DLQConfig struct {
	RequeueLimit    int
	PurgeLimit      int
	PageSizeDefault int
	PageSizeMax     int
	ArchiveDir      string
}

// APIConfig tunes the ops HTTP surface.
type APIConfig struct {
	Addr         string
	Token        string
	RateLimitRPM int
}

// TelemetryConfig selects the OTel exporter.
type TelemetryConfig struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	ExporterType string
	Endpoint     string
	SamplingRate float64
}

// DefaultPriorities returns the weighted priority map for the job types.
// The four primary types carry the documented defaults; artist_sync shares
// the sync weight and playlist_expand the matching weight.
func DefaultPriorities() map[string]int {
	return map[string]int{
		"sync":            100,
		"matching":        90,
		"retry":           80,
		"watchlist":       50,
		"artist_sync":     100,
		"playlist_expand": 90,
	}
}

func defaultPools() map[string]int {
	return map[string]int{
		"sync":            4,
		"matching":        4,
		"retry":           2,
		"watchlist":       2,
		"artist_sync":     2,
		"playlist_expand": 2,
	}
}

// Load builds the configuration from the environment, logging every choice.
func Load() *Config {
	logger := log.WithComponent("config")

	dataDir := ParseString("HARMONY_DATA_DIR", "./data")

	cfg := &Config{
		DataDir: dataDir,
		Queue: QueueConfig{
			Driver: ParseString("QUEUE_DRIVER", "sqlite"),
			DSN:    ParseString("QUEUE_DSN", ""),
			Path:   ParseString("QUEUE_PATH", filepath.Join(dataDir, "queue.db")),
		},
		Library: LibraryConfig{
			Path:       ParseString("LIBRARY_PATH", filepath.Join(dataDir, "library.db")),
			Prune:      ParseBool("LIBRARY_PRUNE", true),
			HardDelete: ParseBool("LIBRARY_HARD_DELETE", false),
		},
		Orchestrator: OrchestratorConfig{
			Priorities:        parsePriorities(logger),
			PollInterval:      millis("ORCH_POLL_INTERVAL_MS", 250),
			PollIntervalMax:   millis("ORCH_POLL_INTERVAL_MAX_MS", 5000),
			VisibilityTimeout: seconds("ORCH_VISIBILITY_TIMEOUT_S", 60),
			GlobalConcurrency: ParseInt("ORCH_GLOBAL_CONCURRENCY", 8),
			Heartbeat:         seconds("ORCH_HEARTBEAT_S", 0),
			Pools:             parsePools(),
			ReapInterval:      seconds("ORCH_REAP_INTERVAL_S", 30),
			RetentionAge:      hours("ORCH_RETENTION_H", 168),
		},
		Watchlist: WatchlistConfig{
			TimerInterval:  seconds("WATCHLIST_TIMER_INTERVAL_S", 300),
			TimerCron:      ParseString("WATCHLIST_TIMER_CRON", ""),
			MaxPerTick:     ParseInt("WATCHLIST_MAX_PER_TICK", 20),
			ShutdownGrace:  millis("WATCHLIST_SHUTDOWN_GRACE_MS", 5000),
			ArtistCooldown: seconds("ARTIST_COOLDOWN_S", 3600),
			RetryBudget:    ParseInt("WATCHLIST_RETRY_BUDGET", 3),
		},
		Retry: RetryConfig{
			MaxAttempts:    ParseInt("RETRY_MAX_ATTEMPTS", 3),
			Base:           fractionalSeconds("RETRY_BASE_S", 2),
			JitterPct:      ParseFloat("RETRY_JITTER_PCT", 0.2),
			Timeout:        seconds("RETRY_TIMEOUT_S", 0),
			PolicyReload:   seconds("RETRY_POLICY_RELOAD_S", 10),
			PolicyFile:     ParseString("RETRY_POLICY_FILE", ""),
			ScanBatchLimit: ParseInt("RETRY_SCAN_BATCH_LIMIT", 50),
		},
		Cache: CacheConfig{
			Backend:       ParseString("CACHE_BACKEND", "memory"),
			MaxItems:      ParseInt("CACHE_MAX_ITEMS", 1024),
			DefaultTTL:    seconds("CACHE_DEFAULT_TTL_S", 60),
			DefaultSWR:    seconds("CACHE_DEFAULT_SWR_S", 300),
			EvictEvents:   ParseBool("CACHE_EVICT_EVENTS", false),
			RedisAddr:     ParseString("CACHE_REDIS_ADDR", "localhost:6379"),
			RedisPassword: ParseString("CACHE_REDIS_PASSWORD", ""),
			RedisDB:       ParseInt("CACHE_REDIS_DB", 0),
		},
		Provider: ProviderConfig{
			MaxConcurrency: ParseInt("PROVIDER_MAX_CONCURRENCY", 8),
			HealthInterval: seconds("PROVIDER_HEALTH_INTERVAL_S", 30),
			Critical:       splitCSV(ParseString("PROVIDER_CRITICAL", "spotify,soulseek")),
			AllowedHosts:   splitCSV(ParseString("PROVIDER_ALLOWED_HOSTS", "")),
			Spotify: EndpointConfig{
				BaseURL:     ParseString("SPOTIFY_BASE_URL", "https://api.spotify.com/v1"),
				Token:       ParseString("SPOTIFY_API_TOKEN", ""),
				Timeout:     seconds("SPOTIFY_TIMEOUT_S", 10),
				RetryMax:    ParseInt("SPOTIFY_RETRY_MAX", 3),
				BackoffBase: fractionalSeconds("SPOTIFY_BACKOFF_BASE_S", 0.5),
				JitterPct:   ParseFloat("SPOTIFY_JITTER_PCT", 0.2),
				RateRPS:     ParseFloat("SPOTIFY_RATE_RPS", 10),
				RateBurst:   ParseInt("SPOTIFY_RATE_BURST", 20),
			},
			Soulseek: EndpointConfig{
				BaseURL:     ParseString("SOULSEEK_BASE_URL", "http://localhost:5030/api/v0"),
				Token:       ParseString("SOULSEEK_API_TOKEN", ""),
				Timeout:     seconds("SOULSEEK_TIMEOUT_S", 30),
				RetryMax:    ParseInt("SOULSEEK_RETRY_MAX", 2),
				BackoffBase: fractionalSeconds("SOULSEEK_BACKOFF_BASE_S", 1),
				JitterPct:   ParseFloat("SOULSEEK_JITTER_PCT", 0.2),
				RateRPS:     ParseFloat("SOULSEEK_RATE_RPS", 5),
				RateBurst:   ParseInt("SOULSEEK_RATE_BURST", 10),
			},
			SpotifyCacheDir: ParseString("SPOTIFY_CACHE_DIR", filepath.Join(dataDir, "spotify-cache")),
			SpotifyCacheTTL: hours("SPOTIFY_CACHE_TTL_H", 24),
		},
		Matching: MatchingConfig{
			ConfidenceThreshold:   ParseFloat("MATCHING_CONFIDENCE_THRESHOLD", 0.85),
			PreferredFormats:      splitCSV(ParseString("MATCHING_PREFERRED_FORMATS", "flac,mp3")),
			SyncWorkerConcurrency: ParseInt("SYNC_WORKER_CONCURRENCY", 4),
		},
		Ingest: IngestConfig{
			BatchSize:            ParseInt("INGEST_BATCH_SIZE", 25),
			MaxPendingJobs:       ParseInt("INGEST_MAX_PENDING_JOBS", 500),
			FreeMaxLines:         ParseInt("FREE_IMPORT_MAX_LINES", 200),
			FreeMaxFileBytes:     ParseInt("FREE_IMPORT_MAX_FILE_BYTES", 1<<20),
			FreeMaxPlaylistLinks: ParseInt("FREE_IMPORT_MAX_PLAYLIST_LINKS", 3),
			FreeMaxTracks:        ParseInt("FREE_MAX_TRACKS_PER_REQUEST", 100),
			HardCapMultiplier:    ParseInt("FREE_IMPORT_HARD_CAP_MULTIPLIER", 5),
			BackfillEnabled:      ParseBool("BACKFILL_ENABLED", true),
			BackfillMaxReleases:  ParseInt("BACKFILL_MAX_RELEASES", 0),
		},
		DLQ: DLQConfig{
			RequeueLimit:    ParseInt("DLQ_REQUEUE_LIMIT", 100),
			PurgeLimit:      ParseInt("DLQ_PURGE_LIMIT", 500),
			PageSizeDefault: ParseInt("DLQ_PAGE_SIZE_DEFAULT", 50),
			PageSizeMax:     ParseInt("DLQ_PAGE_SIZE_MAX", 200),
			ArchiveDir:      ParseString("DLQ_ARCHIVE_DIR", filepath.Join(dataDir, "dlq-archive")),
		},
		API: APIConfig{
			Addr:         ParseString("HARMONY_API_ADDR", ":8080"),
			Token:        ParseString("HARMONY_API_TOKEN", ""),
			RateLimitRPM: ParseInt("HARMONY_API_RATE_RPM", 120),
		},
		Telemetry: TelemetryConfig{
			Enabled:      ParseBool("HARMONY_TELEMETRY_ENABLED", false),
			ServiceName:  ParseString("HARMONY_SERVICE_NAME", "harmony"),
			Environment:  ParseString("HARMONY_ENVIRONMENT", "production"),
			ExporterType: ParseString("HARMONY_TELEMETRY_EXPORTER", "grpc"),
			Endpoint:     ParseString("HARMONY_OTLP_ENDPOINT", "localhost:4317"),
			SamplingRate: ParseFloat("HARMONY_SAMPLING_RATE", 1.0),
		},
	}

	// The scheduler never polls faster than 10ms.
	if cfg.Orchestrator.PollInterval < 10*time.Millisecond {
		cfg.Orchestrator.PollInterval = 10 * time.Millisecond
	}
	if cfg.Orchestrator.PollIntervalMax < cfg.Orchestrator.PollInterval {
		cfg.Orchestrator.PollIntervalMax = cfg.Orchestrator.PollInterval
	}

	return cfg
}

// parsePriorities merges the priority map from defaults, ORCH_PRIORITY_CSV,
// and ORCH_PRIORITY_JSON, in that order. JSON takes precedence over CSV.
func parsePriorities(logger zerolog.Logger) map[string]int {
	prios := DefaultPriorities()

	if csv, ok := os.LookupEnv("ORCH_PRIORITY_CSV"); ok && csv != "" {
		for _, pair := range strings.Split(csv, ",") {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) != 2 {
				logger.Warn().Str("pair", pair).Msg("ignoring malformed priority pair in ORCH_PRIORITY_CSV")
				continue
			}
			p, err := strconv.Atoi(strings.TrimSpace(kv[1]))
			if err != nil {
				logger.Warn().Str("pair", pair).Msg("ignoring non-numeric priority in ORCH_PRIORITY_CSV")
				continue
			}
			prios[strings.TrimSpace(kv[0])] = p
		}
	}

	if js, ok := os.LookupEnv("ORCH_PRIORITY_JSON"); ok && js != "" {
		var m map[string]int
		if err := json.Unmarshal([]byte(js), &m); err != nil {
			logger.Warn().Err(err).Msg("invalid ORCH_PRIORITY_JSON, keeping CSV/default priorities")
		} else {
			for k, v := range m {
				prios[k] = v
			}
		}
	}

	return prios
}

func parsePools() map[string]int {
	pools := defaultPools()
	for t, def := range pools {
		pools[t] = ParseInt("ORCH_POOL_"+strings.ToUpper(t), def)
	}
	return pools
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func seconds(key string, def int) time.Duration {
	return time.Duration(ParseInt(key, def)) * time.Second
}

func millis(key string, def int) time.Duration {
	return time.Duration(ParseInt(key, def)) * time.Millisecond
}

func hours(key string, def int) time.Duration {
	return time.Duration(ParseInt(key, def)) * time.Hour
}

func fractionalSeconds(key string, def float64) time.Duration {
	return time.Duration(ParseFloat(key, def) * float64(time.Second))
}
