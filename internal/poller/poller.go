// Package poller executes due jobs for one platform.
//
// A tick lists the platform's pending namespace, resets stale claims,
// re-archives terminal records left behind by a failed archive, and for each
// due job claims it, publishes through the platform adapter and routes the
// outcome through the job state machine. Between scans a delay queue wakes
// the poller at the earliest known ready time.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/eventbus"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	"postpilot/internal/publisher"
	logx "postpilot/pkg/logx"
)

// Config is the live tuning of one poller. Zero values take the defaults.
type Config struct {
	Platform            jobs.Platform
	PageSize            int
	StaleAfter          time.Duration
	MaxAttempts         int
	PublishTimeout      time.Duration
	RateLimitBackoff    time.Duration
	RateLimitBackoffMax time.Duration
	AutopilotMinSpacing time.Duration
	DelayQueue          bool
}

const (
	DefaultPageSize            = 1000
	DefaultStaleAfter          = 5 * time.Minute
	DefaultPublishTimeout      = 30 * time.Second
	DefaultRateLimitBackoff    = time.Minute
	DefaultRateLimitBackoffMax = 30 * time.Minute
)

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = jobs.DefaultMaxAttempts
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.RateLimitBackoff <= 0 {
		c.RateLimitBackoff = DefaultRateLimitBackoff
	}
	if c.RateLimitBackoffMax < c.RateLimitBackoff {
		c.RateLimitBackoffMax = max(DefaultRateLimitBackoffMax, c.RateLimitBackoff)
	}
	return c
}

// Deps are the collaborators of a poller.
type Deps struct {
	Repo     *jobs.Repo
	Adapters *publisher.Registry
	Creds    publisher.CredentialResolver
	Bus      eventbus.Bus
	Clock    clock.Clock
	Log      logx.Logger
}

// Report counts what one tick did.
type Report struct {
	Listed     int `json:"listed"`
	Reset      int `json:"reset"`
	Rearchived int `json:"rearchived"`
	Claimed    int `json:"claimed"`
	Posted     int `json:"posted"`
	Requeued   int `json:"requeued"`
	Failed     int `json:"failed"`
	Manual     int `json:"manual"`
	Deferred   int `json:"deferred"`
	Lost       int `json:"lost"`
	Errors     int `json:"errors"`
}

func (r *Report) add(o Report) {
	r.Listed += o.Listed
	r.Reset += o.Reset
	r.Rearchived += o.Rearchived
	r.Claimed += o.Claimed
	r.Posted += o.Posted
	r.Requeued += o.Requeued
	r.Failed += o.Failed
	r.Manual += o.Manual
	r.Deferred += o.Deferred
	r.Lost += o.Lost
	r.Errors += o.Errors
}

type Poller struct {
	platform jobs.Platform

	repo     *jobs.Repo
	adapters *publisher.Registry
	creds    publisher.CredentialResolver
	bus      eventbus.Bus
	clk      clock.Clock
	log      logx.Logger

	cmu sync.RWMutex
	cfg Config

	mu       sync.Mutex
	inflight map[string]struct{}
	lastAuto map[string]time.Time // owner -> last autopilot execution in this process
	lastTick time.Time
	lastRep  Report
	totals   Report

	// unsettled holds jobs whose outcome happened but whose archive write
	// failed. They are re-archived each tick and never executed again.
	unsettled map[string]*jobs.Job

	queue *dueQueue
}

func New(cfg Config, d Deps) *Poller {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Adapters == nil {
		d.Adapters = publisher.NewRegistry()
	}
	return &Poller{
		platform: cfg.Platform,
		repo:     d.Repo,
		adapters: d.Adapters,
		creds:    d.Creds,
		bus:      d.Bus,
		clk:      clock.OrReal(d.Clock),
		log:      d.Log.OrNop().With(logx.Component("poller." + string(cfg.Platform))),
		cfg:      cfg.withDefaults(),
		inflight: map[string]struct{}{},
		lastAuto: map[string]time.Time{},
		queue:    newDueQueue(),

		unsettled: map[string]*jobs.Job{},
	}
}

func (p *Poller) Platform() jobs.Platform { return p.platform }

// Apply swaps the tuning. The platform never changes.
func (p *Poller) Apply(cfg Config) {
	cfg.Platform = p.platform
	p.cmu.Lock()
	p.cfg = cfg.withDefaults()
	p.cmu.Unlock()
}

func (p *Poller) config() Config {
	p.cmu.RLock()
	defer p.cmu.RUnlock()
	return p.cfg
}

// Tick runs one full scan. Only a failed listing returns an error; every
// job is handled inside its own recover boundary.
func (p *Poller) Tick(ctx context.Context) (Report, error) {
	cfg := p.config()
	var rep Report
	p.resettle(ctx, &rep)

	list, err := p.repo.ListPlatform(ctx, p.platform, cfg.PageSize)
	if err != nil {
		p.log.Error("listing failed, tick aborted", logx.Err(err))
		return rep, errors.Wrapf(err, "list %s jobs", p.platform)
	}
	rep.Listed = len(list)
	if len(list) >= cfg.PageSize {
		p.log.Warn("page size reached, remaining jobs wait for a later tick", logx.Int("page_size", cfg.PageSize))
	}

	now := p.clk.Now()
	for _, j := range list {
		if ctx.Err() != nil {
			break
		}
		p.handle(ctx, cfg, j, now, &rep)
	}
	p.record(now, rep)
	if rep.Claimed > 0 || rep.Reset > 0 || rep.Errors > 0 {
		p.log.Info("tick done", logx.Int("listed", rep.Listed), logx.Int("posted", rep.Posted),
			logx.Int("requeued", rep.Requeued), logx.Int("failed", rep.Failed), logx.Int("manual", rep.Manual),
			logx.Int("reset", rep.Reset), logx.Int("errors", rep.Errors))
	}
	return rep, nil
}

func (p *Poller) record(now time.Time, rep Report) {
	p.mu.Lock()
	p.lastTick = now
	p.lastRep = rep
	p.totals.add(rep)
	p.mu.Unlock()
}

// handle decides what happens to one listed record.
func (p *Poller) handle(ctx context.Context, cfg Config, j *jobs.Job, now time.Time, rep *Report) {
	defer func() {
		if r := recover(); r != nil {
			rep.Errors++
			p.log.Error("job handling panicked", append(j.LogFields(),
				logx.String("panic", fmt.Sprint(r)), logx.String("stack", string(debug.Stack())))...)
		}
	}()

	switch {
	case p.isUnsettled(j):
	case j.Status.Terminal():
		// A previous archive could not delete the pending key.
		if err := p.repo.Archive(ctx, j); err != nil {
			rep.Errors++
			p.log.Warn("re-archive failed", append(j.LogFields(), logx.Err(err))...)
			return
		}
		rep.Rearchived++
		p.queue.remove(j.ID)
	case j.Stale(now, cfg.StaleAfter):
		done, err := p.archivedOutcome(ctx, j)
		if err != nil {
			rep.Errors++
			p.log.Warn("stale claim left alone, archive lookup failed", append(j.LogFields(), logx.Err(err))...)
			return
		}
		if done != nil {
			// The outcome was archived but the pending record never caught up.
			if err := p.repo.Archive(ctx, done); err != nil {
				rep.Errors++
				p.log.Warn("re-archive failed", append(j.LogFields(), logx.Err(err))...)
				return
			}
			rep.Rearchived++
			p.log.Warn("stale claim already settled, pending record removed", done.LogFields()...)
			return
		}
		if _, err := p.repo.ResetStale(ctx, j); err != nil {
			if !errors.Is(err, jobs.ErrClaimLost) {
				rep.Errors++
				p.log.Warn("stale reset failed", append(j.LogFields(), logx.Err(err))...)
			}
			return
		}
		rep.Reset++
		p.log.Warn("stale claim reset", j.LogFields()...)
		p.emit(eventbus.JobReset, j, jobs.ErrStaleClaim.Error())
	case j.Status != jobs.StatusScheduled:
	case !j.Due(now):
		if cfg.DelayQueue {
			p.queue.push(j, j.ReadyAt())
		}
	default:
		p.execute(ctx, cfg, j, now, rep)
	}
}

func jobKey(j *jobs.Job) string { return j.Owner + "/" + j.ID }

func (p *Poller) begin(j *jobs.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[jobKey(j)]; busy {
		return false
	}
	p.inflight[jobKey(j)] = struct{}{}
	return true
}

func (p *Poller) end(j *jobs.Job) {
	p.mu.Lock()
	delete(p.inflight, jobKey(j))
	p.mu.Unlock()
}

// reserveAutopilot enforces the minimum spacing between autopilot
// executions of one owner. The returned undo restores the previous slot when
// the claim is lost.
func (p *Poller) reserveAutopilot(cfg Config, j *jobs.Job, now time.Time) (time.Time, func(), bool) {
	if j.Origin != jobs.OriginAutopilot || cfg.AutopilotMinSpacing <= 0 {
		return time.Time{}, func() {}, true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, had := p.lastAuto[j.Owner]
	if had && now.Sub(prev) < cfg.AutopilotMinSpacing {
		return prev.Add(cfg.AutopilotMinSpacing), nil, false
	}
	p.lastAuto[j.Owner] = now
	return time.Time{}, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if had {
			p.lastAuto[j.Owner] = prev
		} else {
			delete(p.lastAuto, j.Owner)
		}
	}, true
}

func (p *Poller) execute(ctx context.Context, cfg Config, j *jobs.Job, now time.Time, rep *Report) {
	if !p.begin(j) {
		return
	}
	defer p.end(j)

	notBefore, undo, ok := p.reserveAutopilot(cfg, j, now)
	if !ok {
		rep.Deferred++
		p.log.Debug("autopilot spacing, deferred", append(j.LogFields(), logx.Time("not_before", notBefore))...)
		if cfg.DelayQueue {
			p.queue.push(j, notBefore)
		}
		return
	}

	claimed, err := p.repo.Claim(ctx, j)
	if err != nil {
		undo()
		if errors.Is(err, jobs.ErrClaimLost) {
			rep.Lost++
			p.log.Debug("claim lost", append(j.LogFields(), logx.Err(err))...)
			return
		}
		rep.Errors++
		p.log.Warn("claim failed", append(j.LogFields(), logx.Err(err))...)
		return
	}
	rep.Claimed++
	p.queue.remove(j.ID)
	p.emit(eventbus.JobClaimed, claimed, "")

	res, perr := p.publish(ctx, cfg, claimed)
	p.route(ctx, cfg, claimed, res, perr, rep)
}

// publish resolves credentials and media and calls the adapter under the
// publish timeout.
func (p *Poller) publish(ctx context.Context, cfg Config, j *jobs.Job) (publisher.Result, error) {
	if p.creds == nil {
		return publisher.Result{}, publisher.Fail(publisher.KindAuthExpired, "no credential resolver")
	}
	creds, err := p.creds.Resolve(ctx, j.Platform, j.Owner)
	if err != nil {
		return publisher.Result{}, err
	}

	c := publisher.Content{
		JobID:          j.ID,
		Text:           j.Payload.Text,
		MediaRef:       j.Payload.MediaRef,
		MediaType:      j.Payload.MediaType,
		IdempotencyKey: j.Payload.IdempotencyKey,
	}
	if c.IdempotencyKey == "" {
		c.IdempotencyKey = j.ID
	}
	if c.MediaRef != "" {
		obj, err := p.repo.Store().Get(ctx, c.MediaRef)
		switch {
		case errors.Is(err, objstore.ErrNotFound):
			return publisher.Result{}, publisher.Fail(publisher.KindContentRejected, "media "+c.MediaRef+" not found")
		case err != nil:
			return publisher.Result{}, publisher.Wrap(publisher.KindUnknown, errors.Wrap(err, "load media"))
		}
		c.Media = obj.Data
	}

	pctx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
	defer cancel()
	return p.adapters.Get(j.Platform).Publish(pctx, creds, c)
}

// route applies the state machine to a publish outcome.
func (p *Poller) route(ctx context.Context, cfg Config, j *jobs.Job, res publisher.Result, perr error, rep *Report) {
	now := p.clk.Now()
	j.ProcessingStartedAt = nil
	j.ClaimToken = ""

	if perr == nil {
		j.Attempts++
		j.Status = jobs.StatusPosted
		j.RemoteID = res.RemoteID
		j.LastError = ""
		j.FailureKind = ""
		j.NextAttemptAt = nil
		if err := p.settle(ctx, j); err != nil {
			rep.Errors++
			p.log.Error("posted job not archived", append(j.LogFields(), logx.Err(err))...)
		}
		rep.Posted++
		p.log.Info("job posted", append(j.LogFields(), logx.String("remote_id", res.RemoteID))...)
		p.emit(eventbus.JobPosted, j, res.RemoteID)
		return
	}

	kind := publisher.KindOf(perr)
	j.LastError = perr.Error()
	j.FailureKind = string(kind)
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}

	switch {
	case kind.Manual():
		j.Attempts++
		j.Status = jobs.StatusManualRequired
		p.terminal(ctx, j, eventbus.JobManualRequired, rep)
		rep.Manual++
	case kind == publisher.KindRateLimited:
		j.RateLimitHits++
		next := now.Add(p.rateLimitBackoff(cfg, j.RateLimitHits, publisher.RetryAfterOf(perr)))
		j.NextAttemptAt = &next
		j.Status = jobs.StatusScheduled
		p.requeue(ctx, cfg, j, rep)
	case kind == publisher.KindContentRejected:
		j.Attempts++
		j.Status = jobs.StatusFailed
		p.terminal(ctx, j, eventbus.JobFailed, rep)
		rep.Failed++
	default:
		j.Attempts++
		if publisher.Timeout(perr) {
			j.LastError = "publish timed out: " + j.LastError
		}
		if j.Attempts >= maxAttempts {
			j.Status = jobs.StatusFailed
			p.terminal(ctx, j, eventbus.JobFailed, rep)
			rep.Failed++
			return
		}
		j.Status = jobs.StatusScheduled
		p.requeue(ctx, cfg, j, rep)
	}
}

func (p *Poller) rateLimitBackoff(cfg Config, hits int, hint time.Duration) time.Duration {
	d := cfg.RateLimitBackoff
	for i := 1; i < hits && d < cfg.RateLimitBackoffMax; i++ {
		d *= 2
	}
	d = max(d, hint)
	return min(d, cfg.RateLimitBackoffMax)
}

// settle records the terminal status in place, then archives. A failed
// in-place write still archives: the outcome already happened. When the
// archive fails too the job is kept for the next tick.
func (p *Poller) settle(ctx context.Context, j *jobs.Job) error {
	if err := p.repo.Update(ctx, j); err != nil && !errors.Is(err, jobs.ErrClaimLost) {
		p.log.Warn("terminal status not written in place", append(j.LogFields(), logx.Err(err))...)
	}
	if err := p.repo.Archive(ctx, j); err != nil {
		p.mu.Lock()
		p.unsettled[jobKey(j)] = j.Clone()
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *Poller) isUnsettled(j *jobs.Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.unsettled[jobKey(j)]
	return ok
}

// resettle retries the archive of jobs settle could not finish.
func (p *Poller) resettle(ctx context.Context, rep *Report) {
	p.mu.Lock()
	held := make([]*jobs.Job, 0, len(p.unsettled))
	for _, j := range p.unsettled {
		held = append(held, j)
	}
	p.mu.Unlock()

	for _, j := range held {
		if ctx.Err() != nil {
			return
		}
		if err := p.repo.Archive(ctx, j.Clone()); err != nil {
			rep.Errors++
			p.log.Warn("unsettled job still not archived", append(j.LogFields(), logx.Err(err))...)
			continue
		}
		p.mu.Lock()
		delete(p.unsettled, jobKey(j))
		p.mu.Unlock()
		rep.Rearchived++
		p.queue.remove(j.ID)
	}
}

// archivedOutcome returns the archived copy of a stale claim when the
// outcome was recorded after the claim started. A failed/ copy from before
// the claim belongs to an earlier run that was retried.
func (p *Poller) archivedOutcome(ctx context.Context, j *jobs.Job) (*jobs.Job, error) {
	done, err := p.repo.GetIn(ctx, jobs.NSCompleted, j.Platform, j.Owner, j.ID)
	if err == nil {
		return done, nil
	}
	if !errors.Is(err, jobs.ErrNotFound) {
		return nil, err
	}
	done, err = p.repo.GetIn(ctx, jobs.NSFailed, j.Platform, j.Owner, j.ID)
	if errors.Is(err, jobs.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if done.CompletedAt == nil || j.ProcessingStartedAt == nil || done.CompletedAt.Before(*j.ProcessingStartedAt) {
		return nil, nil
	}
	return done, nil
}

func (p *Poller) terminal(ctx context.Context, j *jobs.Job, topic string, rep *Report) {
	if err := p.settle(ctx, j); err != nil {
		rep.Errors++
		p.log.Error("terminal job not archived", append(j.LogFields(), logx.Err(err))...)
	}
	p.log.Warn("job stopped", append(j.LogFields(), logx.String("kind", j.FailureKind), logx.String("last_error", j.LastError))...)
	p.emit(topic, j, j.LastError)
}

func (p *Poller) requeue(ctx context.Context, cfg Config, j *jobs.Job, rep *Report) {
	if err := p.repo.Update(ctx, j); err != nil {
		rep.Errors++
		p.log.Warn("requeue write failed, watchdog will reset", append(j.LogFields(), logx.Err(err))...)
		return
	}
	rep.Requeued++
	if cfg.DelayQueue {
		p.queue.push(j, j.ReadyAt())
	}
	p.log.Info("job requeued", append(j.LogFields(), logx.String("kind", j.FailureKind),
		logx.Int("attempts", j.Attempts), logx.Time("ready_at", j.ReadyAt()))...)
	p.emit(eventbus.JobRequeued, j, j.LastError)
}

func (p *Poller) emit(topic string, j *jobs.Job, detail string) {
	p.bus.Publish(eventbus.Event{
		Type:     topic,
		Time:     p.clk.Now(),
		Platform: string(j.Platform),
		Owner:    j.Owner,
		JobID:    j.ID,
		Detail:   detail,
	})
}

// Notify feeds a freshly created job into the delay queue.
func (p *Poller) Notify(j *jobs.Job) {
	if j == nil || j.Platform != p.platform || j.Status != jobs.StatusScheduled || !p.config().DelayQueue {
		return
	}
	if !p.queue.push(j, j.ReadyAt()) {
		p.log.Debug("delay queue full", j.LogFields()...)
	}
}

// RunDue executes the queued jobs that are ready now. Each one is re-read
// from the store first; the store stays the source of truth.
func (p *Poller) RunDue(ctx context.Context) Report {
	cfg := p.config()
	now := p.clk.Now()
	var rep Report
	for _, it := range p.queue.popDue(now) {
		if ctx.Err() != nil {
			break
		}
		j, err := p.repo.Get(ctx, p.platform, it.owner, it.id)
		if errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		if err != nil {
			rep.Errors++
			p.log.Warn("queued job unreadable", logx.String("job", it.id), logx.Err(err))
			continue
		}
		rep.Listed++
		p.handle(ctx, cfg, j, now, &rep)
	}
	if rep.Listed > 0 {
		p.record(now, rep)
	}
	return rep
}

// Run drives the delay queue until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	const idle = time.Minute
	t := time.NewTimer(idle)
	defer t.Stop()
	for {
		wait := idle
		if at, ok := p.queue.next(); ok {
			wait = min(max(at.Sub(p.clk.Now()), 0), idle)
		}
		if !t.Stop() {
			select {
			case <-t.C:
			default:
			}
		}
		t.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-p.queue.wake:
		case <-t.C:
			p.RunDue(ctx)
		}
	}
}

// Stats is the ops view of a poller.
type Stats struct {
	Platform string    `json:"platform"`
	LastTick time.Time `json:"lastTick"`
	Last     Report    `json:"last"`
	Totals   Report    `json:"totals"`
	InFlight int       `json:"inFlight"`
	Queued   int       `json:"queued"`
}

func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Platform: string(p.platform),
		LastTick: p.lastTick,
		Last:     p.lastRep,
		Totals:   p.totals,
		InFlight: len(p.inflight),
		Queued:   p.queue.len(),
	}
}
