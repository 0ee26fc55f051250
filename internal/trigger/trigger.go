// Package trigger fires the periodic passes (poller ticks, autopilot passes,
// sweeps) on cron or interval schedules. A run that is still in flight when
// its next fire time arrives is skipped, never queued.
package trigger

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "postpilot/pkg/logx"
)

// Func is one periodic pass.
type Func func(ctx context.Context) error

type task struct {
	name     string
	spec     string
	timeout  time.Duration
	fn       Func
	entryID  cron.EntryID
	spread   time.Duration
	running  atomic.Bool
	runs     atomic.Uint64
	skips    atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastAt  time.Time
	lastDur time.Duration
	lastErr string
}

type Option func(*Service)

// WithLocation sets the zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.loc = loc
		}
	}
}

type Service struct {
	log    logx.Logger
	loc    *time.Location
	parser cron.Parser

	mu    sync.Mutex
	ctx   context.Context
	c     *cron.Cron
	tasks map[string]*task
	order []string
}

func newParser() cron.Parser {
	// SecondOptional allows both 5-field and 6-field (with seconds) specs.
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

func New(log logx.Logger, opts ...Option) *Service {
	s := &Service{
		log:    log.OrNop().With(logx.Component("trigger")),
		loc:    time.Local,
		parser: newParser(),
		tasks:  map[string]*task{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers fn under name, replacing any task with the same name.
// timeout bounds each run; zero means no bound beyond the service context.
func (s *Service) Add(name, schedule string, timeout time.Duration, fn Func) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	if fn == nil {
		return errors.Newf("%s: nil func", name)
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return errors.Wrapf(err, "%s", name)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return errors.Wrapf(err, "%s: cron %q", name, spec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	t := &task{name: name, spec: spec, timeout: timeout, fn: fn}
	s.tasks[name] = t
	s.order = append(s.order, name)
	if s.c != nil {
		if err := s.scheduleLocked(t); err != nil {
			return err
		}
	}
	s.log.Debug("task registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters the named task. It reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	if s.c != nil && t.entryID != 0 {
		s.c.Remove(t.entryID)
	}
	delete(s.tasks, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *Service) scheduleLocked(t *task) error {
	job := cron.NewChain(cron.Recover(cronLogger{s.log})).Then(cron.FuncJob(func() { s.fire(t) }))

	if every, ok := strings.CutPrefix(t.spec, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil && d > 0 {
			sched, jitter := intervalWithSpread(d, time.Now().In(s.loc), t.name)
			t.spread = jitter
			t.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(t.spec, job)
	if err != nil {
		return errors.Wrapf(err, "%s: register", t.name)
	}
	t.entryID = id
	return nil
}

// Start begins firing. Runs get contexts derived from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc), cron.WithLogger(cronLogger{s.log}))
	for _, name := range s.order {
		if err := s.scheduleLocked(s.tasks[name]); err != nil {
			s.log.Error("task register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("trigger started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(s.tasks)))
}

// Stop stops firing and waits for running passes until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("trigger stop timed out with passes still running")
	}
}

// RunNow fires the named task once, outside its schedule. It returns false
// when the task is unknown or already running.
func (s *Service) RunNow(name string) bool {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.fire(t)
}

func (s *Service) fire(t *task) bool {
	if !t.running.CompareAndSwap(false, true) {
		t.skips.Add(1)
		s.log.Debug("previous run still in flight, skipping", logx.String("name", t.name))
		return false
	}
	defer t.running.Store(false)

	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	if parent.Err() != nil {
		return false
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, t.timeout)
	}
	defer cancel()

	start := time.Now()
	err := t.fn(ctx)
	took := time.Since(start)
	t.runs.Add(1)

	t.mu.Lock()
	t.lastAt, t.lastDur, t.lastErr = start, took, ""
	if err != nil {
		t.lastErr = err.Error()
	}
	t.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		t.failures.Add(1)
		s.log.Warn("pass failed", logx.String("name", t.name), logx.Duration("took", took), logx.Err(err))
	} else {
		s.log.Trace("pass done", logx.String("name", t.name), logx.Duration("took", took))
	}
	return true
}

// TaskInfo is the ops view of one task.
type TaskInfo struct {
	Name     string        `json:"name"`
	Spec     string        `json:"spec"`
	Timeout  time.Duration `json:"timeout"`
	Spread   time.Duration `json:"spread,omitempty"`
	Running  bool          `json:"running"`
	Runs     uint64        `json:"runs"`
	Skips    uint64        `json:"skips"`
	Failures uint64        `json:"failures"`
	Next     time.Time     `json:"next,omitzero"`
	Prev     time.Time     `json:"prev,omitzero"`
	LastAt   time.Time     `json:"lastAt,omitzero"`
	LastDur  time.Duration `json:"lastDuration"`
	LastErr  string        `json:"lastError,omitempty"`
}

type Snapshot struct {
	Started  bool       `json:"started"`
	Timezone string     `json:"timezone"`
	Tasks    []TaskInfo `json:"tasks"`
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Started: s.c != nil, Timezone: s.loc.String(), Tasks: make([]TaskInfo, 0, len(s.order))}
	for _, name := range s.order {
		t := s.tasks[name]
		it := TaskInfo{
			Name: t.name, Spec: t.spec, Timeout: t.timeout, Spread: t.spread,
			Running: t.running.Load(), Runs: t.runs.Load(), Skips: t.skips.Load(), Failures: t.failures.Load(),
		}
		if s.c != nil && t.entryID != 0 {
			e := s.c.Entry(t.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		t.mu.Lock()
		it.LastAt, it.LastDur, it.LastErr = t.lastAt, t.lastDur, t.lastErr
		t.mu.Unlock()
		out.Tasks = append(out.Tasks, it)
	}
	return out
}

// cronLogger routes robfig/cron's own logging into logx, one level down.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	logx.Leveled{L: l.log}.Debug(msg, kv...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
