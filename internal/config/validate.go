package config

import (
	"net"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	knownDrivers  = []string{"memory", "file", "sqlite", "mongodb", "s3"}
	knownAdapters = []string{"telegram", "webhook", "manual"}
)

// Validate checks everything that can be checked without touching the
// network or the domain packages. It is applied on Load and on every reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver != "" && !contains(knownDrivers, driver) {
		return errors.Newf("storage.driver: unknown %q (want one of %s)", cfg.Storage.Driver, strings.Join(knownDrivers, ", "))
	}
	switch driver {
	case "file", "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.Newf("storage.path is required when storage.driver=%s", driver)
		}
	case "mongodb":
		if strings.TrimSpace(cfg.Storage.URI) == "" {
			return errors.New("storage.uri is required when storage.driver=mongodb")
		}
	case "s3":
		if strings.TrimSpace(cfg.Storage.Bucket) == "" {
			return errors.New("storage.bucket is required when storage.driver=s3")
		}
	}

	var d Durations
	d.Get("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	d.Get("storage.timeout", cfg.Storage.Timeout, 0)
	d.Get("poller.stale_after", cfg.Poller.StaleAfter, 0)
	d.Get("poller.publish_timeout", cfg.Poller.PublishTimeout, 0)
	d.Get("poller.rate_limit_backoff", cfg.Poller.RateLimitBackoff, 0)
	d.Get("poller.rate_limit_backoff_max", cfg.Poller.RateLimitBackoffMax, 0)
	d.Get("poller.autopilot_min_spacing", cfg.Poller.AutopilotMinSpacing, 0)

	a := cfg.Autopilot
	d.Get("autopilot.lock_timeout", a.LockTimeout, 0)
	d.Get("autopilot.min_lead_time", a.MinLeadTime, 0)
	d.Get("autopilot.first_post_delay", a.FirstPostDelay, 0)
	d.Get("autopilot.checkpoint_lookback", a.CheckpointLookback, 0)
	d.Get("autopilot.reply_spacing", a.ReplySpacing, 0)
	d.Get("autopilot.reply_window", a.ReplyWindow, 0)
	d.Get("autopilot.reply_cache_ttl", a.ReplyCacheTTL, 0)
	d.Get("autopilot.reply_timeout", a.ReplyTimeout, 0)
	d.Get("autopilot.duplicate_window", a.DuplicateWindow, 0)
	d.Get("autopilot.marker_ttl", a.MarkerTTL, 0)
	d.Get("autopilot.default_interval", a.DefaultInterval, 0)
	for name, raw := range a.Intervals {
		d.Get("autopilot.intervals."+name, raw, 0)
	}
	d.Get("reply_generator.timeout", cfg.ReplyGenerator.Timeout, 0)
	d.Get("ops.read_timeout", cfg.Ops.ReadTimeout, 0)
	d.Get("ops.write_timeout", cfg.Ops.WriteTimeout, 0)
	if err := d.Err(); err != nil {
		return err
	}

	if cfg.Poller.PageSize < 0 || cfg.Poller.MaxAttempts < 0 {
		return errors.New("poller.page_size and poller.max_attempts must be >= 0")
	}
	if a.ScheduleBatch < 0 || a.ReplyBatch < 0 {
		return errors.New("autopilot.schedule_batch and autopilot.reply_batch must be >= 0")
	}

	for name, p := range cfg.Platforms {
		adapter := strings.ToLower(strings.TrimSpace(p.Adapter))
		if !contains(knownAdapters, adapter) {
			return errors.Newf("platforms.%s.adapter: unknown %q", name, p.Adapter)
		}
		if _, err := ParseDurationField("platforms."+name+".publish_timeout", p.PublishTimeout); err != nil {
			return err
		}
		if adapter == "telegram" && (p.Telegram == nil || strings.TrimSpace(p.Telegram.Token) == "") {
			return errors.Newf("platforms.%s.telegram.token is required", name)
		}
		if adapter == "webhook" && (p.Webhook == nil || strings.TrimSpace(p.Webhook.URL) == "") {
			return errors.Newf("platforms.%s.webhook.url is required", name)
		}
	}

	for i, acc := range cfg.Accounts {
		if strings.TrimSpace(acc.Owner) == "" || strings.TrimSpace(acc.Platform) == "" {
			return errors.Newf("accounts[%d]: owner and platform are required", i)
		}
	}

	if cfg.Ops.Enabled {
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr != "" && !isLoopback(addr) && strings.TrimSpace(cfg.Ops.Token) == "" {
			return errors.Newf("ops.addr %q is not loopback; ops.token is required", addr)
		}
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
