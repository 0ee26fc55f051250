package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/jobs"
	"postpilot/internal/settings"
)

func run(t *testing.T, cfgPath string, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.Bytes()
}

func fileConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "storage:\n  driver: file\n  path: " + filepath.Join(dir, "data") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestScheduleThenList(t *testing.T) {
	cfg := fileConfig(t)

	var created jobs.Job
	require.NoError(t, json.Unmarshal(run(t, cfg, "jobs", "schedule", "twitter", "acme", "--text", "hello", "--in", "1h"), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, jobs.StatusScheduled, created.Status)

	var list []jobs.Job
	require.NoError(t, json.Unmarshal(run(t, cfg, "jobs", "list", "twitter", "acme"), &list))
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)

	require.NoError(t, json.Unmarshal(run(t, cfg, "jobs", "list", "twitter", "--namespace", "failed"), &list))
	assert.Empty(t, list)
}

func TestSettingsSetKeepsUntouchedFields(t *testing.T) {
	cfg := fileConfig(t)

	run(t, cfg, "settings", "set", "instagram", "acme", "--enabled", "--auto-scheduling", "--interval-hours", "2.5")
	run(t, cfg, "settings", "set", "instagram", "acme", "--reply-context", "friendly bakery")

	var s settings.Settings
	require.NoError(t, json.Unmarshal(run(t, cfg, "settings", "get", "instagram", "acme"), &s))
	assert.True(t, s.Scheduling())
	require.NotNil(t, s.CustomIntervalHours)
	assert.InDelta(t, 2.5, *s.CustomIntervalHours, 1e-9)
	assert.Equal(t, "friendly bakery", s.ReplyContext)

	run(t, cfg, "settings", "reset", "instagram", "acme")
	require.NoError(t, json.Unmarshal(run(t, cfg, "settings", "get", "instagram", "acme"), &s))
	assert.False(t, s.Enabled)
}

func TestRejectsUnknownPlatform(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", fileConfig(t), "jobs", "list", "myspace"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}
