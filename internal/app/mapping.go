package app

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/autopilot"
	"postpilot/internal/config"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	"postpilot/internal/opsapi"
	"postpilot/internal/poller"
	"postpilot/internal/publisher"
	"postpilot/internal/replygen"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

// Default trigger schedules.
const (
	defaultPollerSchedule   = "60s"
	defaultScheduleEvery    = "3m"
	defaultReplyEvery       = "30s"
	defaultLockSweepEvery   = "1m"
	maintenanceSchedule     = "@hourly"
	defaultStorageTimeout   = 10 * time.Second
	defaultReplyCacheTTL    = autopilot.DefaultReplyCacheTTL
	defaultMarkerTTL        = 30 * 24 * time.Hour
	defaultSQLiteBusy       = time.Second
	defaultReplyGenTimeout  = 15 * time.Second
	defaultTelegramPollWait = 10 * time.Second
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (objstore.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultSQLiteBusy)
	if err != nil {
		return objstore.Config{}, err
	}
	return objstore.Config{
		Driver:       strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		URI:          sc.URI,
		Database:     sc.Database,
		Collection:   sc.Collection,
		Bucket:       sc.Bucket,
		Region:       sc.Region,
		Endpoint:     sc.Endpoint,
		Prefix:       sc.Prefix,
		UsePathStyle: sc.UsePathStyle,
	}, nil
}

// StorageTimeout bounds one-shot CLI store calls.
func StorageTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("storage.timeout", cfg.Storage.Timeout, defaultStorageTimeout)
	if err != nil || d <= 0 {
		return defaultStorageTimeout
	}
	return d
}

func mapPoller(cfg *config.Config, platform jobs.Platform) (poller.Config, error) {
	pc := cfg.Poller
	var d config.Durations
	out := poller.Config{
		Platform:            platform,
		PageSize:            pc.PageSize,
		StaleAfter:          d.Get("poller.stale_after", pc.StaleAfter, 0),
		MaxAttempts:         pc.MaxAttempts,
		PublishTimeout:      d.Get("poller.publish_timeout", pc.PublishTimeout, 0),
		RateLimitBackoff:    d.Get("poller.rate_limit_backoff", pc.RateLimitBackoff, 0),
		RateLimitBackoffMax: d.Get("poller.rate_limit_backoff_max", pc.RateLimitBackoffMax, 0),
		AutopilotMinSpacing: d.Get("poller.autopilot_min_spacing", pc.AutopilotMinSpacing, autopilot.DefaultMinSpacing),
		DelayQueue:          pc.DelayQueue == nil || *pc.DelayQueue,
	}
	if p, ok := cfg.Platforms[string(platform)]; ok {
		if t := d.Get("platforms."+string(platform)+".publish_timeout", p.PublishTimeout, 0); t > 0 {
			out.PublishTimeout = t
		}
	}
	return out, d.Err()
}

func mapAutopilot(cfg *config.Config) (autopilot.Config, error) {
	a := cfg.Autopilot
	var d config.Durations
	out := autopilot.Config{
		MinLeadTime:        d.Get("autopilot.min_lead_time", a.MinLeadTime, 0),
		FirstPostDelay:     d.Get("autopilot.first_post_delay", a.FirstPostDelay, 0),
		CheckpointLookback: d.Get("autopilot.checkpoint_lookback", a.CheckpointLookback, 0),
		DefaultInterval:    d.Get("autopilot.default_interval", a.DefaultInterval, 0),
		ScheduleBatch:      a.ScheduleBatch,
		// The planner and the poller share one anti-burst window.
		MinSpacing:      d.Get("poller.autopilot_min_spacing", cfg.Poller.AutopilotMinSpacing, autopilot.DefaultMinSpacing),
		DuplicateWindow: d.Get("autopilot.duplicate_window", a.DuplicateWindow, 0),
		ReplyBatch:      a.ReplyBatch,
		ReplySpacing:    d.Get("autopilot.reply_spacing", a.ReplySpacing, 0),
		ReplyWindow:     d.Get("autopilot.reply_window", a.ReplyWindow, 0),
		ReplyTimeout:    d.Get("autopilot.reply_timeout", a.ReplyTimeout, 0),
		ReplyFallback:   cfg.ReplyGenerator.Fallback,
	}
	if len(a.Intervals) > 0 {
		out.Intervals = autopilot.DefaultIntervals()
		for name, raw := range a.Intervals {
			p, err := jobs.ParsePlatform(name)
			if err != nil {
				return autopilot.Config{}, errors.Wrapf(err, "autopilot.intervals.%s", name)
			}
			if v := d.Get("autopilot.intervals."+name, raw, 0); v > 0 {
				out.Intervals[p] = v
			}
		}
	}
	return out, d.Err()
}

func mapOps(cfg *config.Config) (opsapi.Config, error) {
	o := cfg.Ops
	var d config.Durations
	out := opsapi.Config{
		Enabled:      o.Enabled,
		Addr:         o.Addr,
		Token:        o.Token,
		Pprof:        o.Pprof,
		ReadTimeout:  d.Get("ops.read_timeout", o.ReadTimeout, 0),
		WriteTimeout: d.Get("ops.write_timeout", o.WriteTimeout, 0),
	}
	return out, d.Err()
}

func mapAccounts(cfg *config.Config) ([]publisher.Credentials, error) {
	out := make([]publisher.Credentials, 0, len(cfg.Accounts))
	for i, acc := range cfg.Accounts {
		p, err := jobs.ParsePlatform(acc.Platform)
		if err != nil {
			return nil, errors.Wrapf(err, "accounts[%d].platform", i)
		}
		out = append(out, publisher.Credentials{
			Platform:  p,
			Owner:     strings.TrimSpace(acc.Owner),
			AccountID: strings.TrimSpace(acc.AccountID),
			ChannelID: strings.TrimSpace(acc.ChannelID),
			Token:     acc.Token,
		})
	}
	return out, nil
}

func mapReplyGen(cfg *config.Config) (replygen.Config, bool, error) {
	rc := cfg.ReplyGenerator
	if strings.TrimSpace(rc.URL) == "" {
		return replygen.Config{}, false, nil
	}
	timeout, err := config.ParseDurationOrDefault("reply_generator.timeout", rc.Timeout, defaultReplyGenTimeout)
	if err != nil {
		return replygen.Config{}, false, err
	}
	return replygen.Config{URL: rc.URL, Token: rc.Token, Model: rc.Model, Timeout: timeout, RetryMax: rc.RetryMax}, true, nil
}

// schedules are the trigger specs; validated as a group so a bad reload is
// rejected before anything is applied.
type schedules struct {
	Poller    string
	Plan      string
	Reply     string
	LockSweep string
}

func mapSchedules(cfg *config.Config) (schedules, error) {
	s := schedules{
		Poller:    orDefault(cfg.Poller.Schedule, defaultPollerSchedule),
		Plan:      orDefault(cfg.Autopilot.ScheduleEvery, defaultScheduleEvery),
		Reply:     orDefault(cfg.Autopilot.ReplyEvery, defaultReplyEvery),
		LockSweep: orDefault(cfg.Autopilot.LockSweepEvery, defaultLockSweepEvery),
	}
	for name, raw := range map[string]string{
		"poller.schedule":            s.Poller,
		"autopilot.schedule_every":   s.Plan,
		"autopilot.reply_every":      s.Reply,
		"autopilot.lock_sweep_every": s.LockSweep,
	} {
		if err := trigger.Validate(raw); err != nil {
			return schedules{}, errors.Wrapf(err, "%s", name)
		}
	}
	return s, nil
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// validate runs every mapping; it backs the config manager's validator so
// hot reloads that would fail to apply are rejected up front.
func validate(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	for _, p := range jobs.All() {
		if _, err := mapPoller(cfg, p); err != nil {
			return err
		}
	}
	if _, err := mapAutopilot(cfg); err != nil {
		return err
	}
	if _, err := mapOps(cfg); err != nil {
		return err
	}
	if _, err := mapAccounts(cfg); err != nil {
		return err
	}
	if _, _, err := mapReplyGen(cfg); err != nil {
		return err
	}
	for name := range cfg.Platforms {
		if _, err := jobs.ParsePlatform(name); err != nil {
			return errors.Wrapf(err, "platforms.%s", name)
		}
	}
	_, err := mapSchedules(cfg)
	return err
}
