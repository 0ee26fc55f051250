package app

import (
	"context"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"postpilot/internal/autopilot"
	"postpilot/internal/config"
	"postpilot/internal/jobs"
	"postpilot/internal/publisher"
	"postpilot/internal/publisher/telegram"
	"postpilot/internal/publisher/webhook"
	"postpilot/internal/replygen"
	logx "postpilot/pkg/logx"
)

// buildAdapters registers one adapter per configured platform. Platforms
// without an entry, or with adapter "manual", stay unsupported and their
// jobs end in manual_required.
func buildAdapters(cfg *config.Config, sink telegram.EventSink, creds []publisher.Credentials, log logx.Logger) (*publisher.Registry, []*telegram.Adapter, error) {
	reg := publisher.NewRegistry()
	var bots []*telegram.Adapter

	names := make([]string, 0, len(cfg.Platforms))
	for name := range cfg.Platforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		pc := cfg.Platforms[name]
		p, err := jobs.ParsePlatform(name)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "platforms.%s", name)
		}
		alog := log.With(logx.Component("publisher."+name))

		var a publisher.Adapter
		switch strings.ToLower(strings.TrimSpace(pc.Adapter)) {
		case "telegram":
			if pc.Telegram == nil {
				return nil, nil, errors.Newf("platforms.%s.telegram is required", name)
			}
			wait, err := config.ParseDurationOrDefault("platforms."+name+".telegram.poll_timeout", pc.Telegram.PollTimeout, defaultTelegramPollWait)
			if err != nil {
				return nil, nil, err
			}
			bot, err := telegram.New(telegram.Config{Token: pc.Telegram.Token, PollTimeout: wait, Ingest: pc.Telegram.Ingest}, sink, alog)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "platforms.%s", name)
			}
			bot.SetOwners(creds)
			bots = append(bots, bot)
			a = bot
		case "webhook":
			if pc.Webhook == nil {
				return nil, nil, errors.Newf("platforms.%s.webhook is required", name)
			}
			timeout, err := config.ParseDurationOrDefault("platforms."+name+".webhook.timeout", pc.Webhook.Timeout, 0)
			if err != nil {
				return nil, nil, err
			}
			wh, err := webhook.New(webhook.Config{URL: pc.Webhook.URL, Timeout: timeout, RetryMax: pc.Webhook.RetryMax}, alog)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "platforms.%s", name)
			}
			a = wh
		case "manual":
			continue
		default:
			return nil, nil, errors.Newf("platforms.%s.adapter: unknown %q", name, pc.Adapter)
		}
		reg.Register(p, publisher.NewPaced(a, pc.RatePerMinute))
		alog.Info("publisher registered", logx.String("adapter", pc.Adapter), logx.Int("rate_per_minute", pc.RatePerMinute))
	}
	return reg, bots, nil
}

// generatorSwitch lets a config reload replace the reply generator while
// passes hold a reference to the switch.
type generatorSwitch struct {
	cur atomic.Pointer[autopilot.ReplyGenerator]
}

func (g *generatorSwitch) set(gen autopilot.ReplyGenerator) { g.cur.Store(&gen) }

func (g *generatorSwitch) GenerateReply(ctx context.Context, req replygen.Request) (string, error) {
	p := g.cur.Load()
	if p == nil || *p == nil {
		return "", errors.New("no reply generator")
	}
	return (*p).GenerateReply(ctx, req)
}

// newGenerator builds the HTTP generator, or a static one that always
// yields the fallback when no url is configured.
func newGenerator(cfg *config.Config, log logx.Logger) (autopilot.ReplyGenerator, error) {
	rc, ok, err := mapReplyGen(cfg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return replygen.Static(""), nil
	}
	c, err := replygen.New(rc, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}
