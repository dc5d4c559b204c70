package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
)

type Config struct {
	Projectionist ProjectionistConfig
	Resolver      ResolverConfig
	Pushover      PushoverConfig
	Sync          SyncConfig
}

type ProjectionistConfig struct {
	BackgroundJobsEnabled bool   `env:"BACKGROUND_JOBS_ENABLED"`
	DbPath                string `env:"DB_PATH"`
	ListenAddr            string `env:"LISTEN_ADDR"`
	LogLevel              string `env:"LOG_LEVEL"`
	HostToken             string `env:"HOST_TOKEN"`
	EndedWebhookSecret    string `env:"ENDED_WEBHOOK_SECRET"`
	AllowedOrigins        string `env:"ALLOWED_ORIGINS"`
}

type ResolverConfig struct {
	Endpoint             string `env:"RESOLVER_ENDPOINT"`
	APIKey               string `env:"RESOLVER_API_KEY"`
	RefreshWindowMinutes int    `env:"RESOLVER_REFRESH_WINDOW_MINUTES"`
}

type PushoverConfig struct {
	Recipient string `env:"PUSHOVER_RECIPIENT"`
	Token     string `env:"PUSHOVER_TOKEN"`
}

// SyncConfig carries every tunable the client reconciler uses. They are
// deliberately first-class configuration rather than constants buried in
// the sync code, since operators tune them per deployment.
type SyncConfig struct {
	DriftWhilePlayingSeconds float64 `env:"SYNC_DRIFT_PLAYING_SECONDS" json:"drift_playing_seconds"`
	DriftWhilePausedSeconds  float64 `env:"SYNC_DRIFT_PAUSED_SECONDS" json:"drift_paused_seconds"`
	DebounceMs               int     `env:"SYNC_DEBOUNCE_MS" json:"debounce_ms"`
	LatencyAllowanceMs       int     `env:"SYNC_LATENCY_ALLOWANCE_MS" json:"latency_allowance_ms"`
	PollHealthySeconds       int     `env:"SYNC_POLL_HEALTHY_SECONDS" json:"poll_healthy_seconds"`
	PollDegradedSeconds      int     `env:"SYNC_POLL_DEGRADED_SECONDS" json:"poll_degraded_seconds"`
}

func Defaults() Config {
	return Config{
		Projectionist: ProjectionistConfig{
			BackgroundJobsEnabled: true,
			DbPath:                "projectionist.db",
			ListenAddr:            ":8080",
			LogLevel:              "info",
		},
		Resolver: ResolverConfig{
			RefreshWindowMinutes: 10,
		},
		Sync: SyncConfig{
			DriftWhilePlayingSeconds: 4,
			DriftWhilePausedSeconds:  1.5,
			DebounceMs:               200,
			LatencyAllowanceMs:       150,
			PollHealthySeconds:       30,
			PollDegradedSeconds:      5,
		},
	}
}

// Load feeds the defaults from the process environment. A .env file, if
// present, is expected to have been loaded into the environment already.
func Load() (Config, error) {
	cfg := Defaults()
	c := config.New().AddFeeder(feeder.Env{}).AddStruct(&cfg)
	if err := c.Feed(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) GetLogLevel() slog.Leveler {
	logLevel := strings.ToLower(c.Projectionist.LogLevel)
	if logLevel == "error" {
		return slog.LevelError
	}
	if logLevel == "warning" {
		return slog.LevelWarn
	}
	if logLevel == "info" {
		return slog.LevelInfo
	}
	if logLevel == "debug" {
		return slog.LevelDebug
	}
	// default to info if unknown
	slog.With(slog.String("log_level", logLevel)).Info("Received invalid log level. Defaulting to INFO.")
	return slog.LevelInfo
}

func (c *Config) RefreshWindow() time.Duration {
	return time.Duration(c.Resolver.RefreshWindowMinutes) * time.Minute
}
