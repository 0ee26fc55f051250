package config

// Config is the root of the postpilot config file (JSON or YAML).
//
// All durations are Go duration strings ("45s", "30m", "6h"). Omitted or
// zero values fall back to the defaults documented on each field.
type Config struct {
	Logging        LoggingConfig             `json:"logging"`
	Storage        StorageConfig             `json:"storage"`
	Poller         PollerConfig              `json:"poller"`
	Autopilot      AutopilotConfig           `json:"autopilot"`
	ReplyGenerator ReplyGeneratorConfig      `json:"reply_generator"`
	Platforms      map[string]PlatformConfig `json:"platforms,omitempty"`
	Accounts       []AccountConfig           `json:"accounts,omitempty"`
	Ops            OpsConfig                 `json:"ops"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Format  string      `json:"format,omitempty"` // pretty | json
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the object store backend holding jobs, markers,
// settings, content units, inbound events and media.
//
// Driver values: memory | file | sqlite | mongodb | s3.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postpilot.db" }
type StorageConfig struct {
	Driver string `json:"driver"`

	// file / sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	// mongodb
	URI        string `json:"uri,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection,omitempty"`

	// s3
	Bucket       string `json:"bucket,omitempty"`
	Region       string `json:"region,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Prefix       string `json:"prefix,omitempty"`
	UsePathStyle bool   `json:"use_path_style,omitempty"`

	// Timeout bounds each store call. Default "10s".
	Timeout string `json:"timeout,omitempty"`
}

// PollerConfig drives the per-platform scheduler pollers.
//
// Defaults:
//   - schedule: "60s"
//   - page_size: 1000
//   - stale_after: "5m"
//   - max_attempts: 3
//   - publish_timeout: "30s"
//   - rate_limit_backoff: "1m", rate_limit_backoff_max: "30m"
//   - autopilot_min_spacing: "30m"
type PollerConfig struct {
	Enabled             bool   `json:"enabled"`
	Schedule            string `json:"schedule,omitempty"`
	PageSize            int    `json:"page_size,omitempty"`
	StaleAfter          string `json:"stale_after,omitempty"`
	MaxAttempts         int    `json:"max_attempts,omitempty"`
	PublishTimeout      string `json:"publish_timeout,omitempty"`
	RateLimitBackoff    string `json:"rate_limit_backoff,omitempty"`
	RateLimitBackoffMax string `json:"rate_limit_backoff_max,omitempty"`
	AutopilotMinSpacing string `json:"autopilot_min_spacing,omitempty"`
	// DelayQueue wakes pollers at the earliest known due time in addition to
	// the periodic scan. Default true.
	DelayQueue *bool `json:"delay_queue,omitempty"`
}

// AutopilotConfig holds the planning tunables.
//
// Defaults:
//   - schedule_every: "3m", reply_every: "30s"
//   - lock_timeout: "10m", lock_sweep_every: "1m"
//   - min_lead_time: "30m", first_post_delay: "1m", checkpoint_lookback: "1h"
//   - schedule_batch: 3, reply_batch: 5
//   - reply_spacing: "45s", reply_window: "24h", reply_cache_ttl: "10m"
//   - duplicate_window: "10m", marker_ttl: "720h"
//   - intervals: instagram 6h, twitter 3h, facebook 8h; default_interval: "4h"
type AutopilotConfig struct {
	Enabled            bool              `json:"enabled"`
	ScheduleEvery      string            `json:"schedule_every,omitempty"`
	ReplyEvery         string            `json:"reply_every,omitempty"`
	LockTimeout        string            `json:"lock_timeout,omitempty"`
	LockSweepEvery     string            `json:"lock_sweep_every,omitempty"`
	MinLeadTime        string            `json:"min_lead_time,omitempty"`
	FirstPostDelay     string            `json:"first_post_delay,omitempty"`
	CheckpointLookback string            `json:"checkpoint_lookback,omitempty"`
	ScheduleBatch      int               `json:"schedule_batch,omitempty"`
	ReplyBatch         int               `json:"reply_batch,omitempty"`
	ReplySpacing       string            `json:"reply_spacing,omitempty"`
	ReplyWindow        string            `json:"reply_window,omitempty"`
	ReplyCacheTTL      string            `json:"reply_cache_ttl,omitempty"`
	ReplyTimeout       string            `json:"reply_timeout,omitempty"`
	DuplicateWindow    string            `json:"duplicate_window,omitempty"`
	MarkerTTL          string            `json:"marker_ttl,omitempty"`
	Intervals          map[string]string `json:"intervals,omitempty"`
	DefaultInterval    string            `json:"default_interval,omitempty"`
}

// ReplyGeneratorConfig points at the external text-generation service.
// When url is empty, the canned fallback text is always used.
type ReplyGeneratorConfig struct {
	URL      string `json:"url,omitempty"`
	Token    string `json:"token,omitempty"` // never logged
	Model    string `json:"model,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // default "15s"
	RetryMax int    `json:"retry_max,omitempty"`
	Fallback string `json:"fallback,omitempty"`
}

// PlatformConfig wires a platform to a publisher adapter.
//
// Adapter values: telegram | webhook | manual. Platforms without an entry
// are served by the manual adapter (every job ends in manual_required).
type PlatformConfig struct {
	Adapter        string          `json:"adapter"`
	PublishTimeout string          `json:"publish_timeout,omitempty"`
	RatePerMinute  int             `json:"rate_per_minute,omitempty"`
	Telegram       *TelegramConfig `json:"telegram,omitempty"`
	Webhook        *WebhookConfig  `json:"webhook,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is the long-poll timeout for inbound updates. Default "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
	// Ingest stores inbound messages/comments for the auto-reply pass.
	Ingest bool `json:"ingest,omitempty"`
}

type WebhookConfig struct {
	URL      string `json:"url"`
	Timeout  string `json:"timeout,omitempty"`
	RetryMax int    `json:"retry_max,omitempty"`
}

// AccountConfig is a static credential entry for one (owner, platform).
type AccountConfig struct {
	Owner     string `json:"owner"`
	Platform  string `json:"platform"`
	AccountID string `json:"account_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
	Token     string `json:"token,omitempty"` // never logged
}

// OpsConfig controls the operator HTTP API.
//
// Prefer binding to localhost. A non-loopback addr requires a token.
type OpsConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:8086"
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
