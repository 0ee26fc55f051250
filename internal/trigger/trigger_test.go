package trigger

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "postpilot/pkg/logx"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "60s", kind: SpecInterval, source: "duration", duration: time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "every prefix hhmm", raw: "every:00:03", kind: SpecInterval, source: "hhmm", duration: 3 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5m", "00:00", "01:75", "cron:"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("ParseSchedule(%q): expected error", raw)
		}
	}
	if err := Validate("61 * * * *"); err == nil {
		t.Fatal("Validate: expected error for bad cron minute")
	}
	if err := Validate("*/2 * * * *"); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestSpreadScheduleFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := intervalWithSpread(time.Minute, now, "poller.instagram")
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter = %v, want [0, 30s)", jitter)
	}
	first := sched.Next(now)
	if !first.Equal(now.Add(jitter)) {
		t.Fatalf("first = %v, want %v", first, now.Add(jitter))
	}
	if second := sched.Next(first); second.Sub(first) < time.Minute-time.Second {
		t.Fatalf("second run too early: %v after first", second.Sub(first))
	}
}

func TestFireSkipsOverlap(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	release := make(chan struct{})
	entered := make(chan struct{})
	var runs atomic.Int32
	err := s.Add("slow", "1h", 0, func(ctx context.Context) error {
		runs.Add(1)
		close(entered)
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan bool)
	go func() { done <- s.RunNow("slow") }()
	<-entered
	if s.RunNow("slow") {
		t.Fatal("second run started while first in flight")
	}
	close(release)
	if !<-done {
		t.Fatal("first run reported not started")
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Runs != 1 || snap.Tasks[0].Skips != 1 {
		t.Fatalf("snapshot = %+v", snap.Tasks)
	}
	if runs.Load() != 1 {
		t.Fatalf("runs = %d", runs.Load())
	}
}

func TestRunRecordsFailureAndTimeout(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	boom := errors.New("boom")
	var sawDeadline atomic.Bool
	_ = s.Add("bad", "30s", 50*time.Millisecond, func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		return boom
	})
	if !s.RunNow("bad") {
		t.Fatal("run not started")
	}
	if !sawDeadline.Load() {
		t.Fatal("timeout not applied to run context")
	}
	info := s.Snapshot().Tasks[0]
	if info.Failures != 1 || info.LastErr != "boom" {
		t.Fatalf("info = %+v", info)
	}
	if s.RunNow("missing") {
		t.Fatal("unknown task ran")
	}
}

func TestAddReplacesByName(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop())
	var which atomic.Int32
	_ = s.Add("pass", "1m", 0, func(context.Context) error { which.Store(1); return nil })
	_ = s.Add("pass", "2m", 0, func(context.Context) error { which.Store(2); return nil })
	s.RunNow("pass")
	if which.Load() != 2 {
		t.Fatalf("ran version %d", which.Load())
	}
	snap := s.Snapshot()
	if len(snap.Tasks) != 1 || snap.Tasks[0].Spec != "@every 2m0s" {
		t.Fatalf("tasks = %+v", snap.Tasks)
	}
	if !s.Remove("pass") || s.Remove("pass") {
		t.Fatal("remove semantics")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(logx.Nop(), WithLocation(time.UTC))
	ran := make(chan struct{}, 4)
	_ = s.Add("tick", "@every 1s", 0, func(context.Context) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	if !s.Snapshot().Started {
		t.Fatal("not started")
	}
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("task never fired")
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if s.Snapshot().Started {
		t.Fatal("still started")
	}
}
