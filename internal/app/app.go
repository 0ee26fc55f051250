package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/autopilot"
	"postpilot/internal/cache"
	"postpilot/internal/clock"
	"postpilot/internal/config"
	"postpilot/internal/eventbus"
	"postpilot/internal/jobs"
	"postpilot/internal/lock"
	"postpilot/internal/opsapi"
	"postpilot/internal/poller"
	"postpilot/internal/publisher"
	"postpilot/internal/publisher/telegram"
	"postpilot/internal/runtime/supervisor"
	"postpilot/internal/trigger"
	logx "postpilot/pkg/logx"
)

// Trigger names. Poller triggers are "poller.<platform>".
const (
	triggerPlan        = "autopilot.schedule"
	triggerReply       = "autopilot.reply"
	triggerLockSweep   = "lock.sweep"
	triggerMaintenance = "maintenance"
)

// Upper bounds for one pass.
const (
	pollerPassTimeout      = 5 * time.Minute
	planPassTimeout        = 2 * time.Minute
	replyPassTimeout       = 10 * time.Minute
	maintenancePassTimeout = 10 * time.Minute
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor
	sd   sdNotifier

	log  logx.Logger
	logs *logx.Service
	clk  clock.Clock

	stores *Stores
	bus    *eventbus.MemBus
	recent *eventbus.Recent

	locks      *lock.Store
	replyCache *cache.TTL[string]
	creds      *publisher.StaticResolver
	adapters   *publisher.Registry
	bots       []*telegram.Adapter
	gen        *generatorSwitch

	pollers  []*poller.Poller
	byPlat   map[jobs.Platform]*poller.Poller
	planner  *autopilot.Planner
	replier  *autopilot.Replier
	triggers *trigger.Service
	ops      *opsapi.Server
}

type Option func(*options)

type options struct {
	clk clock.Clock
}

// WithClock replaces the wall clock used by every pass.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clk = c } }

func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	clk := clock.OrReal(o.clk)

	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.Component("app"))

	stores, err := OpenStores(ctx, cfg, clk, log)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	a, err := build(cfg, cfgm, stores, clk, logSvc, log)
	if err != nil {
		stores.Close()
		logSvc.Close()
		return nil, err
	}
	appLog.Info("app ready",
		logx.String("config", cfgPath),
		logx.String("storage", orDefault(cfg.Storage.Driver, "memory")),
		logx.Int("pollers", len(a.pollers)),
		logx.Int("bots", len(a.bots)),
	)
	return a, nil
}

func build(cfg *config.Config, cfgm *config.ConfigManager, st *Stores, clk clock.Clock, logSvc *logx.Service, log logx.Logger) (*App, error) {
	var d config.Durations
	lockTimeout := d.Get("autopilot.lock_timeout", cfg.Autopilot.LockTimeout, lock.DefaultTimeout)
	cacheTTL := d.Get("autopilot.reply_cache_ttl", cfg.Autopilot.ReplyCacheTTL, defaultReplyCacheTTL)
	if err := d.Err(); err != nil {
		return nil, err
	}
	accounts, err := mapAccounts(cfg)
	if err != nil {
		return nil, err
	}
	apc, err := mapAutopilot(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		sd:         sdNotifier{log: log.With(logx.Component("systemd"))},
		log:        log.With(logx.Component("app")),
		logs:       logSvc,
		clk:        clk,
		stores:     st,
		bus:        eventbus.New(),
		recent:     eventbus.NewRecent(200),
		locks:      lock.New(lockTimeout, clk),
		replyCache: cache.NewTTL[string](cacheTTL, clk),
		creds:      publisher.NewStaticResolver(accounts),
		gen:        &generatorSwitch{},
		byPlat:     map[jobs.Platform]*poller.Poller{},
	}

	a.adapters, a.bots, err = buildAdapters(cfg, st.Inbound, accounts, log)
	if err != nil {
		return nil, err
	}
	gen, err := newGenerator(cfg, log.With(logx.Component("replygen")))
	if err != nil {
		return nil, err
	}
	a.gen.set(gen)

	for _, p := range jobs.All() {
		pc, err := mapPoller(cfg, p)
		if err != nil {
			return nil, err
		}
		pc.DelayQueue = pc.DelayQueue && cfg.Poller.Enabled
		pl := poller.New(pc, poller.Deps{
			Repo:     st.Jobs,
			Adapters: a.adapters,
			Creds:    a.creds,
			Bus:      a.bus,
			Clock:    clk,
			Log:      log,
		})
		a.pollers = append(a.pollers, pl)
		a.byPlat[p] = pl
	}

	a.planner = autopilot.NewPlanner(apc, autopilot.PlannerDeps{
		Repo:     st.Jobs,
		Settings: st.Settings,
		Content:  st.Content,
		Markers:  st.Markers,
		Locks:    a.locks,
		Bus:      a.bus,
		Notify:   a.notifyPoller,
		Clock:    clk,
		Log:      log,
	})
	a.replier = autopilot.NewReplier(apc, autopilot.ReplierDeps{
		Settings:  st.Settings,
		Events:    st.Inbound,
		Adapters:  a.adapters,
		Creds:     a.creds,
		Generator: a.gen,
		Markers:   st.Markers,
		Locks:     a.locks,
		Recent:    a.replyCache,
		Bus:       a.bus,
		Clock:     clk,
		Log:       log,
	})

	a.triggers = trigger.New(log.With(logx.Component("trigger")))
	a.ops = opsapi.New(opsapi.Deps{
		Repo:       st.Jobs,
		Supervisor: a.supervisorSnapshot,
		Pollers:    a.pollerStats,
		Triggers:   a.triggers.Snapshot,
		RunTrigger: a.runTrigger,
		Events:     a.recent,
		Log:        log.With(logx.Component("opsapi")),
	})
	return a, nil
}

func (a *App) notifyPoller(j *jobs.Job) {
	if p, ok := a.byPlat[j.Platform]; ok {
		p.Notify(j)
	}
}

func (a *App) pollerStats() []poller.Stats {
	out := make([]poller.Stats, 0, len(a.pollers))
	for _, p := range a.pollers {
		out = append(out, p.Stats())
	}
	return out
}

func (a *App) supervisorSnapshot() supervisor.Snapshot {
	if a.sup == nil {
		return supervisor.Snapshot{}
	}
	return a.sup.Snapshot()
}

func (a *App) runTrigger(name string) bool {
	found := false
	for _, t := range a.triggers.Snapshot().Tasks {
		if t.Name == name {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	go a.triggers.RunNow(name)
	return true
}

// Stores exposes the record stores, mainly for tests and one-shot tools.
func (a *App) Stores() *Stores { return a.stores }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	for _, b := range a.bots {
		b.Start(a.sup.Context())
	}

	cfg := a.cfgm.Get()
	if err := a.registerTriggers(cfg); err != nil {
		return err
	}
	a.triggers.Start(a.sup.Context())

	for _, p := range a.pollers {
		a.sup.GoRestart0("poller."+string(p.Platform())+".queue", p.Run)
	}

	oc, err := mapOps(cfg)
	if err != nil {
		return err
	}
	if err := a.ops.Apply(a.sup.Context(), oc); err != nil {
		return errors.Wrap(err, "ops api")
	}

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.recent", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.recent.Add(e)
				// Keep this debug-level to avoid noise from frequent passes.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sd.ready()
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		a.sd.watchdog(c, func() bool { return a.sup.Err() == nil })
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into every live component.
// Sections that need a restart are reported and otherwise left alone.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(newCfg))

	for _, p := range a.pollers {
		pc, err := mapPoller(newCfg, p.Platform())
		if err != nil {
			a.log.Warn("invalid poller config; keeping previous", logx.Err(err))
			continue
		}
		pc.DelayQueue = pc.DelayQueue && newCfg.Poller.Enabled
		p.Apply(pc)
	}
	if apc, err := mapAutopilot(newCfg); err != nil {
		a.log.Warn("invalid autopilot config; keeping previous", logx.Err(err))
	} else {
		a.planner.Apply(apc)
		a.replier.Apply(apc)
	}
	if d, err := config.ParseDurationOrDefault("autopilot.lock_timeout", newCfg.Autopilot.LockTimeout, lock.DefaultTimeout); err == nil {
		a.locks.SetTimeout(d)
	}
	if accounts, err := mapAccounts(newCfg); err != nil {
		a.log.Warn("invalid accounts; keeping previous", logx.Err(err))
	} else {
		a.creds.Set(accounts)
		for _, b := range a.bots {
			b.SetOwners(accounts)
		}
	}
	if gen, err := newGenerator(newCfg, a.log.With(logx.Component("replygen"))); err != nil {
		a.log.Warn("invalid reply generator config; keeping previous", logx.Err(err))
	} else {
		a.gen.set(gen)
	}
	if oc, err := mapOps(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if err := a.ops.Apply(ctx, oc); err != nil {
		a.log.Warn("ops api apply failed", logx.Err(err))
	}
	if err := a.registerTriggers(newCfg); err != nil {
		a.log.Warn("trigger update failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// registerTriggers upserts every pass for cfg and drops the disabled ones.
func (a *App) registerTriggers(cfg *config.Config) error {
	sch, err := mapSchedules(cfg)
	if err != nil {
		return err
	}

	for _, p := range a.pollers {
		name := "poller." + string(p.Platform())
		if !cfg.Poller.Enabled {
			a.triggers.Remove(name)
			continue
		}
		if err := a.triggers.Add(name, sch.Poller, pollerPassTimeout, func(ctx context.Context) error {
			_, err := p.Tick(ctx)
			return err
		}); err != nil {
			return errors.Wrapf(err, "trigger %s", name)
		}
	}

	if cfg.Autopilot.Enabled {
		if err := a.triggers.Add(triggerPlan, sch.Plan, planPassTimeout, func(ctx context.Context) error {
			_, err := a.planner.RunPass(ctx)
			return err
		}); err != nil {
			return errors.Wrapf(err, "trigger %s", triggerPlan)
		}
		if err := a.triggers.Add(triggerReply, sch.Reply, replyPassTimeout, func(ctx context.Context) error {
			_, err := a.replier.RunPass(ctx)
			return err
		}); err != nil {
			return errors.Wrapf(err, "trigger %s", triggerReply)
		}
	} else {
		a.triggers.Remove(triggerPlan)
		a.triggers.Remove(triggerReply)
	}

	if err := a.triggers.Add(triggerLockSweep, sch.LockSweep, 0, func(context.Context) error {
		if n := a.locks.Sweep(); n > 0 {
			a.log.Debug("expired locks released", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		return errors.Wrapf(err, "trigger %s", triggerLockSweep)
	}
	if err := a.triggers.Add(triggerMaintenance, maintenanceSchedule, maintenancePassTimeout, a.maintain); err != nil {
		return errors.Wrapf(err, "trigger %s", triggerMaintenance)
	}
	return nil
}

// maintain prunes expired markers and cached reply ids.
func (a *App) maintain(ctx context.Context) error {
	var errs error
	pruned := 0
	for _, p := range jobs.All() {
		n, err := a.stores.Markers.Prune(ctx, p)
		pruned += n
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "prune %s markers", p))
		}
	}
	swept := a.replyCache.Sweep()
	a.log.Debug("maintenance done", logx.Int("markers_pruned", pruned), logx.Int("reply_cache_swept", swept))
	return errs
}

// RunPass runs a named trigger synchronously. It reports false when no such
// trigger is registered.
func (a *App) RunPass(name string) bool { return a.triggers.RunNow(name) }

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; a late return is logged as a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Triggers first so no new pass starts; Stop waits for running ones.
	step("triggers", 5*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	step("opsapi", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("bots", 2*time.Second, func(c context.Context) error {
		var errs error
		for _, b := range a.bots {
			errs = errors.CombineErrors(errs, b.Stop(c))
		}
		return errs
	})

	// Wait for supervised goroutines (queues, config watch/reload, watchdog).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.stores.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
