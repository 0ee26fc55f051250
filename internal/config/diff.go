package config

import (
	"reflect"
	"sort"
	"strings"

	logx "postpilot/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (tokens, URIs) never appear in attrs.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Poller, newCfg.Poller) {
		changed = append(changed, "poller")
		attrs = append(attrs,
			logx.Bool("poller.enabled", newCfg.Poller.Enabled),
			logx.String("poller.schedule", newCfg.Poller.Schedule),
			logx.String("poller.autopilot_min_spacing", newCfg.Poller.AutopilotMinSpacing),
		)
	}

	if !reflect.DeepEqual(oldCfg.Autopilot, newCfg.Autopilot) {
		changed = append(changed, "autopilot")
		attrs = append(attrs,
			logx.Bool("autopilot.enabled", newCfg.Autopilot.Enabled),
			logx.String("autopilot.min_lead_time", newCfg.Autopilot.MinLeadTime),
			logx.Int("autopilot.schedule_batch", newCfg.Autopilot.ScheduleBatch),
			logx.Int("autopilot.reply_batch", newCfg.Autopilot.ReplyBatch),
		)
	}

	og, ng := oldCfg.ReplyGenerator, newCfg.ReplyGenerator
	if og.URL != ng.URL || og.Model != ng.Model || og.Timeout != ng.Timeout ||
		og.RetryMax != ng.RetryMax || og.Fallback != ng.Fallback || (og.Token != "") != (ng.Token != "") {
		changed = append(changed, "reply_generator")
		attrs = append(attrs,
			logx.Bool("reply_generator.url_set", strings.TrimSpace(ng.URL) != ""),
			logx.Bool("reply_generator.token_set", ng.Token != ""),
		)
	}

	if names := diffPlatforms(oldCfg.Platforms, newCfg.Platforms); len(names) > 0 {
		changed = append(changed, "platforms")
		attrs = append(attrs, logx.String("platforms.changed", strings.Join(names, ",")))
	}

	if !reflect.DeepEqual(oldCfg.Accounts, newCfg.Accounts) {
		changed = append(changed, "accounts")
		attrs = append(attrs, logx.Int("accounts.count", len(newCfg.Accounts)))
	}

	oo, no := oldCfg.Ops, newCfg.Ops
	if oo.Enabled != no.Enabled || oo.Addr != no.Addr || oo.Pprof != no.Pprof ||
		oo.ReadTimeout != no.ReadTimeout || oo.WriteTimeout != no.WriteTimeout || (oo.Token != "") != (no.Token != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", no.Enabled),
			logx.String("ops.addr", no.Addr),
			logx.Bool("ops.token_set", no.Token != ""),
		)
	}

	return changed, attrs
}

func diffPlatforms(oldM, newM map[string]PlatformConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, okO := oldM[name]
		n, okN := newM[name]
		if okO != okN || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// RestartRequired lists changed sections that are only read at startup.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "platforms":
			out = append(out, s)
		}
	}
	return out
}
