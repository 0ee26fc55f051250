package autopilot

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/content"
	"postpilot/internal/dedup"
	"postpilot/internal/eventbus"
	"postpilot/internal/jobs"
	"postpilot/internal/lock"
	"postpilot/internal/settings"
	logx "postpilot/pkg/logx"
)

// SettingsSource lists the autopilot settings of a platform.
type SettingsSource interface {
	List(ctx context.Context, platform jobs.Platform) ([]settings.Settings, error)
}

// ContentSource supplies units waiting to be scheduled.
type ContentSource interface {
	ListUnscheduled(ctx context.Context, platform jobs.Platform, owner string) ([]*content.Unit, error)
	MarkScheduled(ctx context.Context, u *content.Unit, jobID string, at time.Time) error
}

type PlannerDeps struct {
	Repo     *jobs.Repo
	Settings SettingsSource
	Content  ContentSource
	Markers  *dedup.Markers
	Locks    *lock.Store
	Bus      eventbus.Bus
	// Notify hands created jobs to the platform's poller.
	Notify func(*jobs.Job)
	Clock  clock.Clock
	Log    logx.Logger
}

// Planner is the auto-scheduling pass.
type Planner struct {
	repo     *jobs.Repo
	settings SettingsSource
	content  ContentSource
	markers  *dedup.Markers
	locks    *lock.Store
	bus      eventbus.Bus
	notify   func(*jobs.Job)
	clk      clock.Clock
	log      logx.Logger

	mu  sync.RWMutex
	cfg Config
	det *dedup.Detector
}

func NewPlanner(cfg Config, d PlannerDeps) *Planner {
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Notify == nil {
		d.Notify = func(*jobs.Job) {}
	}
	clk := clock.OrReal(d.Clock)
	if d.Locks == nil {
		d.Locks = lock.New(lock.DefaultTimeout, clk)
	}
	p := &Planner{
		repo:     d.Repo,
		settings: d.Settings,
		content:  d.Content,
		markers:  d.Markers,
		locks:    d.Locks,
		bus:      d.Bus,
		notify:   d.Notify,
		clk:      clk,
		log:      d.Log.OrNop().With(logx.Component("autopilot.schedule")),
	}
	p.Apply(cfg)
	return p
}

func (p *Planner) Apply(cfg Config) {
	cfg = cfg.WithDefaults()
	det := dedup.NewDetector(p.markers, dedup.Config{CaptionWindow: cfg.DuplicateWindow, MinSpacing: cfg.MinSpacing})
	p.mu.Lock()
	p.cfg = cfg
	p.det = det
	p.mu.Unlock()
}

func (p *Planner) current() (Config, *dedup.Detector) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg, p.det
}

// PlanResult describes one owner's pass.
type PlanResult struct {
	Platform   jobs.Platform `json:"platform"`
	Owner      string        `json:"owner"`
	Locked     bool          `json:"locked,omitempty"`
	Candidates int           `json:"candidates"`
	Created    []string      `json:"created,omitempty"`
	Duplicates int           `json:"duplicates"`
	Errors     int           `json:"errors"`
	InFlight   int           `json:"inFlight"`
	Next       time.Time     `json:"next,omitempty"`
}

// RunPass plans every owner with auto-scheduling enabled. One owner's
// failure never stops the others.
func (p *Planner) RunPass(ctx context.Context) ([]PlanResult, error) {
	var out []PlanResult
	var errs error
	for _, platform := range jobs.All() {
		list, err := p.settings.List(ctx, platform)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "list %s settings", platform))
			continue
		}
		for _, s := range list {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			if !s.Scheduling() {
				continue
			}
			res, err := p.safePlan(ctx, s)
			if err != nil {
				p.log.Warn("planning pass failed", logx.String("platform", string(s.Platform)),
					logx.String("owner", s.Owner), logx.Err(err))
			}
			out = append(out, res)
		}
	}
	return out, errs
}

func (p *Planner) safePlan(ctx context.Context, s settings.Settings) (res PlanResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic: %v", r)
			p.log.Error("planning panicked", logx.String("owner", s.Owner), logx.String("stack", string(debug.Stack())))
		}
	}()
	return p.PlanOwner(ctx, s)
}

// PlanOwner schedules up to ScheduleBatch unscheduled units of one owner.
func (p *Planner) PlanOwner(ctx context.Context, s settings.Settings) (PlanResult, error) {
	res := PlanResult{Platform: s.Platform, Owner: s.Owner}
	log := p.log.With(logx.String("platform", string(s.Platform)), logx.String("owner", s.Owner))

	if !p.locks.TryAcquire(lock.KindSchedule, string(s.Platform), s.Owner) {
		res.Locked = true
		log.Debug("schedule lock held, skipping")
		return res, nil
	}
	defer p.locks.Release(lock.KindSchedule, string(s.Platform), s.Owner)

	cfg, det := p.current()
	units, err := p.content.ListUnscheduled(ctx, s.Platform, s.Owner)
	if err != nil {
		return res, errors.Wrap(err, "list content")
	}
	res.Candidates = len(units)
	if len(units) == 0 {
		return res, nil
	}

	now := p.clk.Now()
	existing, err := p.recentJobs(ctx, s, now, max(cfg.CheckpointLookback, cfg.DuplicateWindow))
	if err != nil {
		return res, errors.Wrap(err, "read checkpoint")
	}
	cp := ReadCheckpoint(existing, now, cfg.CheckpointLookback)
	res.InFlight = cp.InFlight
	interval := IntervalFor(s, cfg)
	next := NextScheduleTime(now, cp, interval, cfg)

	for _, u := range units {
		if len(res.Created) >= cfg.ScheduleBatch || ctx.Err() != nil {
			break
		}
		v, err := det.Check(ctx, dedup.Candidate{
			Platform:       s.Platform,
			Owner:          s.Owner,
			UnitID:         u.ID,
			IdempotencyKey: u.IdempotencyKey,
			Caption:        u.Caption,
			At:             next,
		}, existing)
		if err != nil {
			res.Errors++
			log.Warn("duplicate check failed, unit skipped", logx.String("unit", u.ID), logx.Err(err))
			continue
		}
		if v.Duplicate {
			res.Duplicates++
			log.Info("duplicate suppressed", logx.String("unit", u.ID),
				logx.String("reason", string(v.Reason)), logx.String("job", v.JobID))
			p.heal(ctx, u, v, existing)
			if v.Reason == dedup.ReasonSpacing {
				// Every later unit would land on the same slot.
				break
			}
			continue
		}

		j, err := p.schedule(ctx, s, u, next)
		if err != nil {
			res.Errors++
			log.Warn("schedule failed", logx.String("unit", u.ID), logx.Err(err))
			continue
		}
		existing = append(existing, j)
		res.Created = append(res.Created, j.ID)
		log.Info("autopilot job scheduled", logx.String("job", j.ID), logx.String("unit", u.ID),
			logx.Time("scheduled_at", next))
		next = next.Add(interval)
	}
	res.Next = next
	return res, nil
}

// recentJobs returns the owner's pending jobs plus archived ones scheduled
// within lookback. Posted jobs leave the pending namespace right away, so
// cadence and duplicate checks have to see the archive too.
func (p *Planner) recentJobs(ctx context.Context, s settings.Settings, now time.Time, lookback time.Duration) ([]*jobs.Job, error) {
	out, err := p.repo.List(ctx, s.Platform, s.Owner)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(out))
	for _, j := range out {
		seen[j.ID] = struct{}{}
	}
	horizon := now.Add(-lookback)
	for _, ns := range []jobs.Namespace{jobs.NSCompleted, jobs.NSFailed} {
		archived, err := p.repo.ListNamespace(ctx, ns, s.Platform, s.Owner, 0)
		if err != nil {
			return nil, errors.Wrapf(err, "list %s", ns)
		}
		for _, j := range archived {
			if _, dup := seen[j.ID]; dup || j.ScheduledAt.Before(horizon) {
				continue
			}
			seen[j.ID] = struct{}{}
			out = append(out, j)
		}
	}
	return out, nil
}

// schedule writes the marker, creates the job and marks the unit.
func (p *Planner) schedule(ctx context.Context, s settings.Settings, u *content.Unit, at time.Time) (*jobs.Job, error) {
	id := jobs.NewID()
	if p.markers != nil {
		err := p.markers.Put(ctx, s.Platform, s.Owner, dedup.Marker{
			UnitID: u.ID, Kind: dedup.KindContent, JobID: id, Caption: u.Caption,
		})
		if err != nil {
			return nil, errors.Wrap(err, "write marker")
		}
	}

	j := &jobs.Job{
		ID:          id,
		Owner:       s.Owner,
		Platform:    s.Platform,
		Origin:      jobs.OriginAutopilot,
		ScheduledAt: at,
		Payload: jobs.Payload{
			Text:           u.Caption,
			MediaRef:       u.MediaRef,
			MediaType:      u.MediaType,
			ContentID:      u.ID,
			IdempotencyKey: u.IdempotencyKey,
		},
	}
	if err := p.repo.Create(ctx, j); err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	if err := p.content.MarkScheduled(ctx, u, j.ID, at); err != nil {
		// The marker and the job's content id keep the unit from being
		// scheduled twice.
		p.log.Warn("unit not marked scheduled", logx.String("unit", u.ID), logx.Err(err))
	}

	p.bus.Publish(eventbus.Event{
		Type: eventbus.AutopilotPlanned, Time: p.clk.Now(), Platform: string(j.Platform),
		Owner: j.Owner, JobID: j.ID, Detail: fmt.Sprintf("unit=%s at=%s", u.ID, at.Format(time.RFC3339)),
	})
	p.notify(j)
	return j, nil
}

// heal marks a unit scheduled when a duplicate verdict proves a job for it
// already exists, so it stops showing up as a candidate.
func (p *Planner) heal(ctx context.Context, u *content.Unit, v dedup.Verdict, existing []*jobs.Job) {
	switch v.Reason {
	case dedup.ReasonIdempotencyKey, dedup.ReasonContentID, dedup.ReasonMarker:
	default:
		return
	}
	if v.JobID == "" {
		return
	}
	at, found := p.clk.Now(), false
	for _, j := range existing {
		if j.ID == v.JobID {
			at, found = j.ScheduledAt, true
			break
		}
	}
	if v.Reason == dedup.ReasonMarker && !found {
		// The job may never have been written; leave the unit as is.
		return
	}
	if err := p.content.MarkScheduled(ctx, u, v.JobID, at); err != nil {
		p.log.Debug("heal: unit not marked", logx.String("unit", u.ID), logx.Err(err))
	}
}
