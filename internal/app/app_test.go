package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/autopilot"
	"postpilot/internal/clock"
	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/jobs"
	"postpilot/internal/settings"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func writeConfig(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func baseConfig(relayURL string) map[string]any {
	return map[string]any{
		"logging": map[string]any{"level": "error", "console": false},
		"storage": map[string]any{"driver": "memory"},
		"poller":  map[string]any{"enabled": true},
		"autopilot": map[string]any{
			"enabled": true,
		},
		"platforms": map[string]any{
			"instagram": map[string]any{
				"adapter": "webhook",
				"webhook": map[string]any{"url": relayURL},
			},
		},
		"accounts": []map[string]any{
			{"owner": "acme", "platform": "instagram", "account_id": "ig-1", "token": "secret"},
		},
	}
}

// relay is a fake webhook relay counting publish calls.
func relay(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var n atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/publish" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"remoteId":"r-1"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &n
}

func TestMapAutopilotMergesIntervals(t *testing.T) {
	cfg := &config.Config{}
	cfg.Autopilot.Intervals = map[string]string{"twitter": "2h"}
	cfg.Poller.AutopilotMinSpacing = "45m"
	cfg.ReplyGenerator.Fallback = "thanks!"

	got, err := mapAutopilot(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, got.Intervals[jobs.Twitter])
	assert.Equal(t, 6*time.Hour, got.Intervals[jobs.Instagram])
	assert.Equal(t, 45*time.Minute, got.MinSpacing)
	assert.Equal(t, "thanks!", got.ReplyFallback)

	cfg.Autopilot.Intervals = map[string]string{"myspace": "2h"}
	_, err = mapAutopilot(cfg)
	assert.Error(t, err)
}

func TestMapPollerPlatformOverride(t *testing.T) {
	cfg := &config.Config{}
	cfg.Poller.PublishTimeout = "20s"
	cfg.Platforms = map[string]config.PlatformConfig{
		"telegram": {Adapter: "manual", PublishTimeout: "5s"},
	}

	tg, err := mapPoller(cfg, jobs.Telegram)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, tg.PublishTimeout)
	assert.True(t, tg.DelayQueue)
	assert.Equal(t, autopilot.DefaultMinSpacing, tg.AutopilotMinSpacing)

	ig, err := mapPoller(cfg, jobs.Instagram)
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, ig.PublishTimeout)
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	cfg := &config.Config{}
	require.NoError(t, validate(cfg))

	cfg.Autopilot.ScheduleEvery = "every tuesday"
	err := validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autopilot.schedule_every")

	cfg.Autopilot.ScheduleEvery = "*/5 * * * *"
	require.NoError(t, validate(cfg))

	cfg.Accounts = []config.AccountConfig{{Owner: "acme", Platform: "orkut"}}
	assert.Error(t, validate(cfg))
}

func TestPlanThenPublishEndToEnd(t *testing.T) {
	srv, calls := relay(t)
	path := writeConfig(t, baseConfig(srv.URL))
	clk := clock.NewFake(t0)
	ctx := context.Background()

	a, err := New(ctx, path, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.stores.Close() })

	st := a.Stores()
	require.NoError(t, st.Settings.Put(ctx, settings.Settings{
		Owner: "acme", Platform: jobs.Instagram, Enabled: true, AutoSchedulingEnabled: true,
	}))
	require.NoError(t, st.Content.Add(ctx, &content.Unit{Owner: "acme", Platform: jobs.Instagram, Caption: "Fresh bread at 7"}))

	res, err := a.planner.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.Len(t, res[0].Created, 1)

	// Not due yet.
	rep, err := a.byPlat[jobs.Instagram].Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Posted)

	clk.Advance(2 * time.Minute)
	rep, err = a.byPlat[jobs.Instagram].Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Posted)
	assert.EqualValues(t, 1, calls.Load())

	pending, err := st.Jobs.List(ctx, jobs.Instagram, "acme")
	require.NoError(t, err)
	assert.Empty(t, pending)

	done, err := st.Jobs.ListNamespace(ctx, jobs.NSCompleted, jobs.Instagram, "acme", 0)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, jobs.StatusPosted, done[0].Status)
	assert.Equal(t, "r-1", done[0].RemoteID)
	assert.Equal(t, jobs.OriginAutopilot, done[0].Origin)

	// The unit is consumed; another pass plans nothing.
	res, err = a.planner.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Empty(t, res[0].Created)
}

func TestUnconfiguredPlatformNeedsManualPosting(t *testing.T) {
	srv, calls := relay(t)
	path := writeConfig(t, baseConfig(srv.URL))
	clk := clock.NewFake(t0)
	ctx := context.Background()

	a, err := New(ctx, path, WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.stores.Close() })

	j := &jobs.Job{Owner: "acme", Platform: jobs.LinkedIn, ScheduledAt: t0, Payload: jobs.Payload{Text: "hello"}}
	require.NoError(t, a.Stores().Jobs.Create(ctx, j))

	rep, err := a.byPlat[jobs.LinkedIn].Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Manual)
	assert.Zero(t, calls.Load())

	failed, err := a.Stores().Jobs.ListNamespace(ctx, jobs.NSFailed, jobs.LinkedIn, "acme", 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, jobs.StatusManualRequired, failed[0].Status)
}

func TestStartRegistersTriggersAndStops(t *testing.T) {
	srv, _ := relay(t)
	cfg := baseConfig(srv.URL)
	cfg["autopilot"] = map[string]any{"enabled": false}
	path := writeConfig(t, cfg)

	a, err := New(context.Background(), path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	names := map[string]bool{}
	for _, ti := range a.triggers.Snapshot().Tasks {
		names[ti.Name] = true
	}
	assert.True(t, names["poller.instagram"])
	assert.True(t, names["poller.linkedin"])
	assert.True(t, names[triggerLockSweep])
	assert.True(t, names[triggerMaintenance])
	assert.False(t, names[triggerPlan], "autopilot disabled")
	assert.False(t, names[triggerReply], "autopilot disabled")

	assert.True(t, a.RunPass(triggerMaintenance))
	assert.False(t, a.RunPass("nope"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))

	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
	assert.NoError(t, a.Err())
}
