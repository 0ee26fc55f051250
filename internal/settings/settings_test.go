package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
)

func TestSettingsLifecycle(t *testing.T) {
	t.Parallel()
	s := NewStore(objstore.NewMemory(), clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)))
	ctx := context.Background()

	got, err := s.Get(ctx, jobs.Instagram, "acme")
	require.NoError(t, err)
	assert.False(t, got.Scheduling(), "missing settings mean disabled")

	hours := 2.5
	require.NoError(t, s.Put(ctx, Settings{
		Owner: "acme", Platform: jobs.Instagram, Enabled: true,
		AutoSchedulingEnabled: true, CustomIntervalHours: &hours,
	}))
	got, err = s.Get(ctx, jobs.Instagram, "acme")
	require.NoError(t, err)
	assert.True(t, got.Scheduling())
	assert.False(t, got.Replying())
	d, ok := got.CustomInterval()
	assert.True(t, ok)
	assert.Equal(t, 150*time.Minute, d)

	list, err := s.List(ctx, jobs.Instagram)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "acme", list[0].Owner)

	require.NoError(t, s.Reset(ctx, jobs.Instagram, "acme"))
	got, err = s.Get(ctx, jobs.Instagram, "acme")
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	bad := -1.0
	assert.Error(t, s.Put(ctx, Settings{Owner: "acme", Platform: jobs.Instagram, CustomIntervalHours: &bad}))
	assert.Error(t, s.Put(ctx, Settings{Owner: "acme", Platform: "myspace"}))
}
