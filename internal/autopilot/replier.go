package autopilot

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"postpilot/internal/cache"
	"postpilot/internal/clock"
	"postpilot/internal/dedup"
	"postpilot/internal/eventbus"
	"postpilot/internal/inbound"
	"postpilot/internal/jobs"
	"postpilot/internal/lock"
	"postpilot/internal/publisher"
	"postpilot/internal/replygen"
	"postpilot/internal/settings"
	logx "postpilot/pkg/logx"
)

// EventSource supplies inbound events and records their resolution.
type EventSource interface {
	List(ctx context.Context, platform jobs.Platform, owner string) ([]*inbound.Event, error)
	MarkResolved(ctx context.Context, e *inbound.Event, status inbound.Status, replyRemoteID string) error
}

// ReplyGenerator writes the reply text for one event.
type ReplyGenerator interface {
	GenerateReply(ctx context.Context, req replygen.Request) (string, error)
}

type ReplierDeps struct {
	Settings  SettingsSource
	Events    EventSource
	Adapters  *publisher.Registry
	Creds     publisher.CredentialResolver
	Generator ReplyGenerator
	Markers   *dedup.Markers
	Locks     *lock.Store
	// Recent remembers just-replied events. Built from CacheTTL when nil.
	Recent   *cache.TTL[string]
	CacheTTL time.Duration
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger
	// Sleep waits between sends; replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Replier is the auto-reply pass.
type Replier struct {
	settings SettingsSource
	events   EventSource
	adapters *publisher.Registry
	creds    publisher.CredentialResolver
	gen      ReplyGenerator
	markers  *dedup.Markers
	locks    *lock.Store
	recent   *cache.TTL[string]
	bus      eventbus.Bus
	clk      clock.Clock
	log      logx.Logger
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	cfg      Config
	limiters map[string]*rate.Limiter
	// resume is the owner the next pass starts from after a pass was cut
	// short, so a slow owner early in the order cannot starve the rest.
	resume string
}

const DefaultReplyCacheTTL = 10 * time.Minute

func NewReplier(cfg Config, d ReplierDeps) *Replier {
	clk := clock.OrReal(d.Clock)
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Locks == nil {
		d.Locks = lock.New(lock.DefaultTimeout, clk)
	}
	if d.Recent == nil {
		ttl := d.CacheTTL
		if ttl <= 0 {
			ttl = DefaultReplyCacheTTL
		}
		d.Recent = cache.NewTTL[string](ttl, clk)
	}
	if d.Sleep == nil {
		d.Sleep = sleepCtx
	}
	if d.Adapters == nil {
		d.Adapters = publisher.NewRegistry()
	}
	if d.Generator == nil {
		d.Generator = replygen.Static("")
	}
	return &Replier{
		settings: d.Settings,
		events:   d.Events,
		adapters: d.Adapters,
		creds:    d.Creds,
		gen:      d.Generator,
		markers:  d.Markers,
		locks:    d.Locks,
		recent:   d.Recent,
		bus:      d.Bus,
		clk:      clk,
		log:      d.Log.OrNop().With(logx.Component("autopilot.reply")),
		sleep:    d.Sleep,
		cfg:      cfg.WithDefaults(),
		limiters: map[string]*rate.Limiter{},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Replier) Apply(cfg Config) {
	cfg = cfg.WithDefaults()
	now := r.clk.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	for _, l := range r.limiters {
		l.SetLimitAt(now, rate.Every(cfg.ReplySpacing))
	}
}

func (r *Replier) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *Replier) limiter(platform jobs.Platform, owner string, spacing time.Duration) *rate.Limiter {
	k := string(platform) + "/" + owner
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[k]
	if !ok {
		l = rate.NewLimiter(rate.Every(spacing), 1)
		r.limiters[k] = l
	}
	return l
}

// wait holds the send until the owner's spacing allows it.
func (r *Replier) wait(ctx context.Context, l *rate.Limiter) error {
	now := r.clk.Now()
	res := l.ReserveN(now, 1)
	if !res.OK() {
		return errors.New("reply limiter cannot reserve")
	}
	if d := res.DelayFrom(now); d > 0 {
		if err := r.sleep(ctx, d); err != nil {
			res.CancelAt(r.clk.Now())
			return err
		}
	}
	return nil
}

// ReplyResult describes one owner's pass.
type ReplyResult struct {
	Platform jobs.Platform `json:"platform"`
	Owner    string        `json:"owner"`
	Locked   bool          `json:"locked,omitempty"`
	Eligible int           `json:"eligible"`
	Replied  []string      `json:"replied,omitempty"`
	Fallback int           `json:"fallback"`
	Errors   int           `json:"errors"`
}

// RunPass replies for every owner with auto-reply enabled. A pass cut short
// by ctx makes the next one start with the owner after the last one served.
func (r *Replier) RunPass(ctx context.Context) ([]ReplyResult, error) {
	var (
		owners []settings.Settings
		errs   error
	)
	for _, platform := range jobs.All() {
		list, err := r.settings.List(ctx, platform)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "list %s settings", platform))
			continue
		}
		for _, s := range list {
			if s.Replying() {
				owners = append(owners, s)
			}
		}
	}

	start := r.resumeIndex(owners)
	out := make([]ReplyResult, 0, len(owners))
	for i := range owners {
		s := owners[(start+i)%len(owners)]
		if ctx.Err() != nil {
			r.setResume(ownerKey(s))
			return out, ctx.Err()
		}
		res, err := r.safeReply(ctx, s)
		if err != nil {
			r.log.Warn("reply pass failed", logx.String("platform", string(s.Platform)),
				logx.String("owner", s.Owner), logx.Err(err))
		}
		out = append(out, res)
		if ctx.Err() != nil && i+1 < len(owners) {
			// Cut off mid-owner: the next pass starts with whoever comes after.
			r.setResume(ownerKey(owners[(start+i+1)%len(owners)]))
			return out, ctx.Err()
		}
	}
	r.setResume("")
	return out, errs
}

func ownerKey(s settings.Settings) string { return string(s.Platform) + "/" + s.Owner }

func (r *Replier) resumeIndex(owners []settings.Settings) int {
	r.mu.Lock()
	key := r.resume
	r.mu.Unlock()
	if key == "" {
		return 0
	}
	for i, s := range owners {
		if ownerKey(s) == key {
			return i
		}
	}
	return 0
}

func (r *Replier) setResume(key string) {
	r.mu.Lock()
	r.resume = key
	r.mu.Unlock()
}

func (r *Replier) safeReply(ctx context.Context, s settings.Settings) (res ReplyResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("panic: %v", rec)
			r.log.Error("reply pass panicked", logx.String("owner", s.Owner), logx.String("stack", string(debug.Stack())))
		}
	}()
	return r.ReplyOwner(ctx, s)
}

func recentKey(e *inbound.Event) string {
	return string(e.Platform) + "/" + e.Owner + "/" + e.ID
}

// SelfEcho reports events authored by the owner's own account.
func SelfEcho(e *inbound.Event, creds publisher.Credentials) bool {
	if e.AuthorID == "" {
		return false
	}
	return e.AuthorID == e.Owner ||
		(creds.AccountID != "" && e.AuthorID == creds.AccountID) ||
		(creds.ChannelID != "" && e.AuthorID == creds.ChannelID)
}

// ReplyOwner answers up to ReplyBatch pending events of one owner.
func (r *Replier) ReplyOwner(ctx context.Context, s settings.Settings) (ReplyResult, error) {
	res := ReplyResult{Platform: s.Platform, Owner: s.Owner}
	log := r.log.With(logx.String("platform", string(s.Platform)), logx.String("owner", s.Owner))

	if !r.locks.TryAcquire(lock.KindReply, string(s.Platform), s.Owner) {
		res.Locked = true
		log.Debug("reply lock held, skipping")
		return res, nil
	}
	defer r.locks.Release(lock.KindReply, string(s.Platform), s.Owner)

	cfg := r.config()
	if r.creds == nil {
		return res, errors.New("no credential resolver")
	}
	creds, err := r.creds.Resolve(ctx, s.Platform, s.Owner)
	if err != nil {
		return res, errors.Wrap(err, "resolve credentials")
	}
	events, err := r.events.List(ctx, s.Platform, s.Owner)
	if err != nil {
		return res, errors.Wrap(err, "list inbound events")
	}

	picked := r.eligible(ctx, cfg, events, creds, log)
	res.Eligible = len(picked)
	if len(picked) > cfg.ReplyBatch {
		picked = picked[:cfg.ReplyBatch]
	}
	adapter := r.adapters.Get(s.Platform)
	lim := r.limiter(s.Platform, s.Owner, cfg.ReplySpacing)

	for _, e := range picked {
		if ctx.Err() != nil {
			break
		}
		text, fellBack := r.generate(ctx, cfg, s, e, log)
		if fellBack {
			res.Fallback++
		}
		if err := r.wait(ctx, lim); err != nil {
			return res, err
		}

		out, err := adapter.Reply(ctx, creds, e.TargetRemoteID, text)
		if err != nil {
			res.Errors++
			kind := publisher.KindOf(err)
			log.Warn("reply failed", logx.String("event", e.ID), logx.String("kind", string(kind)), logx.Err(err))
			if kind.Manual() || kind == publisher.KindRateLimited {
				// Nothing else will get through for this owner right now.
				break
			}
			continue
		}

		r.recent.Add(recentKey(e))
		if r.markers != nil {
			if err := r.markers.Put(ctx, s.Platform, s.Owner, dedup.Marker{UnitID: e.ID, Kind: dedup.KindEvent}); err != nil {
				log.Warn("event marker not written", logx.String("event", e.ID), logx.Err(err))
			}
		}
		if err := r.events.MarkResolved(ctx, e, inbound.StatusAIHandled, out.RemoteID); err != nil {
			res.Errors++
			log.Warn("event not marked handled", logx.String("event", e.ID), logx.Err(err))
		}
		res.Replied = append(res.Replied, e.ID)
		log.Info("auto-reply sent", logx.String("event", e.ID), logx.String("remote_id", out.RemoteID))
		r.bus.Publish(eventbus.Event{
			Type: eventbus.ReplySent, Time: r.clk.Now(), Platform: string(s.Platform),
			Owner: s.Owner, Detail: e.ID,
		})
	}
	return res, nil
}

// eligible filters pending, recent, foreign events not already handled,
// oldest first.
func (r *Replier) eligible(ctx context.Context, cfg Config, events []*inbound.Event, creds publisher.Credentials, log logx.Logger) []*inbound.Event {
	now := r.clk.Now()
	var out []*inbound.Event
	for _, e := range events {
		switch {
		case e.Status.Resolved():
		case SelfEcho(e, creds):
			log.Debug("self-echo ignored", logx.String("event", e.ID))
		case now.Sub(e.ReceivedAt) > cfg.ReplyWindow:
		case e.TargetRemoteID == "":
		case r.recent.Has(recentKey(e)):
		default:
			if r.markers != nil {
				done, err := r.markers.Has(ctx, e.Platform, e.Owner, dedup.KindEvent, e.ID)
				if err != nil {
					log.Warn("event marker unreadable, skipped", logx.String("event", e.ID), logx.Err(err))
					continue
				}
				if done {
					continue
				}
			}
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// generate asks the generator under the reply timeout and falls back to the
// canned text on any failure.
func (r *Replier) generate(ctx context.Context, cfg Config, s settings.Settings, e *inbound.Event, log logx.Logger) (string, bool) {
	gctx, cancel := context.WithTimeout(ctx, cfg.ReplyTimeout)
	defer cancel()
	text, err := r.gen.GenerateReply(gctx, replygen.Request{
		Owner:      s.Owner,
		Platform:   string(s.Platform),
		Persona:    s.ReplyContext,
		AuthorName: e.AuthorName,
		Message:    e.Text,
		Kind:       string(e.Kind),
	})
	if err != nil || text == "" {
		log.Debug("reply generator failed, using fallback", logx.String("event", e.ID), logx.Err(err))
		return cfg.ReplyFallback, true
	}
	return text, false
}
