// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-archiver/internal/storage/local"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	VNC       VNCConfig       `mapstructure:"vnc"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Comments  CommentsConfig  `mapstructure:"comments"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RedisConfig points at the coordination store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// Prefix namespaces every key so several deployments can share one store.
	Prefix string `mapstructure:"prefix"`
}

// SchedulerConfig governs leases, ceilings, and periodic re-crawls.
type SchedulerConfig struct {
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	DefaultClientLimit int           `mapstructure:"default_client_limit"`
	RecrawlInterval    time.Duration `mapstructure:"recrawl_interval"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	InteractiveTimeout time.Duration `mapstructure:"interactive_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
	// SnapshotMaxAge bounds how old a cached snapshot may be; 0 accepts any.
	SnapshotMaxAge time.Duration `mapstructure:"snapshot_max_age"`
}

// BrowserConfig configures the chromedp automation.
type BrowserConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	UserAgent   string `mapstructure:"user_agent"`
	MaxParallel int    `mapstructure:"max_parallel"`
	Headless    bool   `mapstructure:"headless"`
	ProfileDir  string `mapstructure:"profile_dir"`
}

// RateLimitConfig paces navigations per client.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	DefaultRPS   float64 `mapstructure:"default_rps"`
	DefaultBurst int     `mapstructure:"default_burst"`
}

// PortRange is an inclusive numeric range.
type PortRange struct {
	Min int `mapstructure:"min"`
	Max int `mapstructure:"max"`
}

// Size returns the number of values in the range.
func (r PortRange) Size() int {
	if r.Max < r.Min {
		return 0
	}
	return r.Max - r.Min + 1
}

// Overlaps reports whether two ranges share a value.
func (r PortRange) Overlaps(o PortRange) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// VNCConfig controls interactive resolution sessions.
type VNCConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Displays       PortRange     `mapstructure:"displays"`
	VncPorts       PortRange     `mapstructure:"vnc_ports"`
	WebPorts       PortRange     `mapstructure:"web_ports"`
	LeaseTTL       time.Duration `mapstructure:"lease_ttl"`
	TempDir        string        `mapstructure:"temp_dir"`
	CleanupPolicy  string        `mapstructure:"cleanup_policy"`
	SweepMaxAge    time.Duration `mapstructure:"sweep_max_age"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	ExpirySchedule string        `mapstructure:"expiry_schedule"`
	PublicBaseURL  string        `mapstructure:"public_base_url"`
	XvfbPath       string        `mapstructure:"xvfb_path"`
	X11VNCPath     string        `mapstructure:"x11vnc_path"`
	WebsockifyPath string        `mapstructure:"websockify_path"`
	SocketDir      string        `mapstructure:"socket_dir"`
	ReadyAttempts  int           `mapstructure:"ready_attempts"`
	ReadyInterval  time.Duration `mapstructure:"ready_interval"`
}

// Cleanup policies for interactive session temp files.
const (
	CleanupImmediate = "immediate"
	CleanupSweep     = "sweep"
)

// ArchiveConfig controls the archive pipeline and its cache tiers.
type ArchiveConfig struct {
	Prefix           string        `mapstructure:"prefix"`
	PublicBaseURL    string        `mapstructure:"public_base_url"`
	RecentBound      int           `mapstructure:"recent_bound"`
	TierAge          time.Duration `mapstructure:"tier_age"`
	TransferSchedule string        `mapstructure:"transfer_schedule"`
	TransferBatch    int64         `mapstructure:"transfer_batch"`
	Workers          int           `mapstructure:"workers"`
	QueueDepth       int           `mapstructure:"queue_depth"`
	ImageTimeout     time.Duration `mapstructure:"image_timeout"`
}

// StorageConfig selects the durable content store.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Bucket  string       `mapstructure:"bucket"`
	Local   local.Config `mapstructure:"local"`
}

// DatabaseConfig controls the Postgres archive index.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	ArchiveTable    string        `mapstructure:"archive_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig configures the optional Kafka completion publisher.
type KafkaConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

// CommentsConfig points at the external discussion source.
type CommentsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Token    string `mapstructure:"token"`
	Owner    string `mapstructure:"owner"`
	Repo     string `mapstructure:"repo"`
	// Timeout bounds the comment and archive lookups made per crawled page.
	Timeout time.Duration `mapstructure:"timeout"`
}

// EventsConfig tunes the in-process event hub.
type EventsConfig struct {
	BufferSize       int           `mapstructure:"buffer_size"`
	MaxBatchEvents   int           `mapstructure:"max_batch_events"`
	MaxBatchWait     time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	LogEnabled       bool          `mapstructure:"log_enabled"`
}

// TelemetryConfig names the service for tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
}

// Load builds a Config from an optional .env file, disk, and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "archiver")
	v.SetDefault("scheduler.lease_ttl", 120*time.Second)
	v.SetDefault("scheduler.default_client_limit", 1)
	v.SetDefault("scheduler.recrawl_interval", 60*time.Second)
	v.SetDefault("scheduler.nav_timeout", 60*time.Second)
	v.SetDefault("scheduler.interactive_timeout", 10*time.Minute)
	v.SetDefault("scheduler.max_retries", 1)
	v.SetDefault("scheduler.snapshot_max_age", 0)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36 Edg/126.0")
	v.SetDefault("browser.max_parallel", 2)
	v.SetDefault("browser.headless", true)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.default_rps", 0.5)
	v.SetDefault("rate_limit.default_burst", 2)
	v.SetDefault("vnc.enabled", true)
	v.SetDefault("vnc.displays.min", 99)
	v.SetDefault("vnc.displays.max", 118)
	v.SetDefault("vnc.vnc_ports.min", 5900)
	v.SetDefault("vnc.vnc_ports.max", 5919)
	v.SetDefault("vnc.web_ports.min", 6080)
	v.SetDefault("vnc.web_ports.max", 6099)
	v.SetDefault("vnc.lease_ttl", 15*time.Minute)
	v.SetDefault("vnc.temp_dir", "/tmp/archiver-vnc")
	v.SetDefault("vnc.cleanup_policy", CleanupSweep)
	v.SetDefault("vnc.sweep_max_age", 6*time.Hour)
	v.SetDefault("vnc.sweep_schedule", "@every 30m")
	v.SetDefault("vnc.expiry_schedule", "@every 30s")
	v.SetDefault("vnc.xvfb_path", "Xvfb")
	v.SetDefault("vnc.x11vnc_path", "x11vnc")
	v.SetDefault("vnc.websockify_path", "websockify")
	v.SetDefault("vnc.socket_dir", "/tmp/.X11-unix")
	v.SetDefault("vnc.ready_attempts", 20)
	v.SetDefault("vnc.ready_interval", 250*time.Millisecond)
	v.SetDefault("archive.prefix", "craigslist")
	v.SetDefault("archive.recent_bound", 500)
	v.SetDefault("archive.tier_age", 24*time.Hour)
	v.SetDefault("archive.transfer_schedule", "@daily")
	v.SetDefault("archive.transfer_batch", 100)
	v.SetDefault("archive.workers", 2)
	v.SetDefault("archive.queue_depth", 64)
	v.SetDefault("archive.image_timeout", 20*time.Second)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("database.archive_table", "archived_listings")
	v.SetDefault("comments.endpoint", "https://api.github.com/graphql")
	v.SetDefault("comments.timeout", "5s")
	v.SetDefault("events.buffer_size", 4096)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", 50*time.Millisecond)
	v.SetDefault("events.sink_timeout", 10*time.Second)
	v.SetDefault("events.subscriber_buffer", 64)
	v.SetDefault("telemetry.service_name", "listing-archiver")
	v.SetDefault("telemetry.version", "dev")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Scheduler.LeaseTTL <= 0 {
		return fmt.Errorf("scheduler.lease_ttl must be > 0")
	}
	if c.Scheduler.DefaultClientLimit <= 0 {
		return fmt.Errorf("scheduler.default_client_limit must be > 0")
	}
	if c.Scheduler.NavTimeout <= 0 {
		return fmt.Errorf("scheduler.nav_timeout must be > 0")
	}
	if c.Scheduler.MaxRetries < 0 {
		return fmt.Errorf("scheduler.max_retries must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	if err := c.VNC.validate(); err != nil {
		return err
	}
	if c.Archive.RecentBound <= 0 {
		return fmt.Errorf("archive.recent_bound must be > 0")
	}
	if c.Archive.TierAge <= 0 {
		return fmt.Errorf("archive.tier_age must be > 0")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "memory", "":
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Comments.Enabled && (c.Comments.Owner == "" || c.Comments.Repo == "") {
		return fmt.Errorf("comments.owner and comments.repo are required when comments are enabled")
	}
	return nil
}

func (c VNCConfig) validate() error {
	if !c.Enabled {
		return nil
	}
	ranges := map[string]PortRange{
		"vnc.displays":  c.Displays,
		"vnc.vnc_ports": c.VncPorts,
		"vnc.web_ports": c.WebPorts,
	}
	for name, r := range ranges {
		if r.Min <= 0 || r.Size() == 0 {
			return fmt.Errorf("%s must be a non-empty positive range", name)
		}
	}
	if c.VncPorts.Overlaps(c.WebPorts) {
		return fmt.Errorf("vnc.vnc_ports and vnc.web_ports must not overlap")
	}
	if c.LeaseTTL <= 0 {
		return fmt.Errorf("vnc.lease_ttl must be > 0")
	}
	switch c.CleanupPolicy {
	case CleanupImmediate, CleanupSweep:
	default:
		return fmt.Errorf("vnc.cleanup_policy must be %q or %q", CleanupImmediate, CleanupSweep)
	}
	if c.TempDir == "" {
		return fmt.Errorf("vnc.temp_dir is required")
	}
	return nil
}
