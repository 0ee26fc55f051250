package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/clock"
	"postpilot/internal/objstore"
	logx "postpilot/pkg/logx"
)

// plainStore hides PutIfVersion so the repo falls back to token confirmation.
type plainStore struct{ objstore.Store }

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(owner string) *Job {
	return &Job{
		Owner:       owner,
		Platform:    Instagram,
		Payload:     Payload{Text: "Hello"},
		ScheduledAt: t0.Add(-time.Minute),
	}
}

func TestCreateValidates(t *testing.T) {
	t.Parallel()
	r := NewRepo(objstore.NewMemory(), clock.NewFake(t0), logx.Nop())
	ctx := context.Background()

	tests := []struct {
		name string
		job  *Job
	}{
		{"unknown platform", &Job{Owner: "acme", Platform: "myspace", ScheduledAt: t0, Payload: Payload{Text: "x"}}},
		{"missing owner", &Job{Platform: Twitter, ScheduledAt: t0, Payload: Payload{Text: "x"}}},
		{"owner with slash", &Job{Owner: "a/b", Platform: Twitter, ScheduledAt: t0, Payload: Payload{Text: "x"}}},
		{"missing time", &Job{Owner: "acme", Platform: Twitter, Payload: Payload{Text: "x"}}},
		{"empty payload", &Job{Owner: "acme", Platform: Twitter, ScheduledAt: t0}},
	}
	for _, tt := range tests {
		err := r.Create(ctx, tt.job)
		assert.True(t, errors.Is(err, ErrInvalid), "%s: got %v", tt.name, err)
	}
}

func TestCreateGetList(t *testing.T) {
	t.Parallel()
	r := NewRepo(objstore.NewMemory(), clock.NewFake(t0), logx.Nop())
	ctx := context.Background()

	j := newJob("acme")
	require.NoError(t, r.Create(ctx, j))
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, OriginUser, j.Origin)

	got, err := r.Get(ctx, Instagram, "acme", j.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Payload.Text)

	require.NoError(t, r.Create(ctx, newJob("other")))
	mine, err := r.List(ctx, Instagram, "acme")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, err := r.ListPlatform(ctx, Instagram, 1000)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = r.Get(ctx, Instagram, "acme", "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListSkipsCorruptRecords(t *testing.T) {
	t.Parallel()
	st := objstore.NewMemory()
	r := NewRepo(st, clock.NewFake(t0), logx.Nop())
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, newJob("acme")))
	require.NoError(t, st.Put(ctx, Key(NSScheduled, Instagram, "acme", "broken"), []byte("{not json")))

	list, err := r.List(ctx, Instagram, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClaimSingleWinner(t *testing.T) {
	t.Parallel()
	for name, st := range map[string]objstore.Store{
		"versioned": objstore.NewMemory(),
		"plain":     plainStore{objstore.NewMemory()},
	} {
		st := st
		t.Run(name, func(t *testing.T) {
			r := NewRepo(st, clock.NewFake(t0), logx.Nop())
			ctx := context.Background()
			j := newJob("acme")
			require.NoError(t, r.Create(ctx, j))

			a, err := r.Get(ctx, Instagram, "acme", j.ID)
			require.NoError(t, err)
			b, err := r.Get(ctx, Instagram, "acme", j.ID)
			require.NoError(t, err)

			claimed, err := r.Claim(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, StatusProcessing, claimed.Status)
			assert.NotEmpty(t, claimed.ClaimToken)
			require.NotNil(t, claimed.ProcessingStartedAt)

			_, err = r.Claim(ctx, b)
			assert.True(t, errors.Is(err, ErrClaimLost), "second claim: %v", err)
		})
	}
}

func TestUpdateDetectsConcurrentChange(t *testing.T) {
	t.Parallel()
	r := NewRepo(objstore.NewMemory(), clock.NewFake(t0), logx.Nop())
	ctx := context.Background()
	j := newJob("acme")
	require.NoError(t, r.Create(ctx, j))
	claimed, err := r.Claim(ctx, j)
	require.NoError(t, err)

	stale := claimed.Clone()
	claimed.Attempts = 1
	require.NoError(t, r.Update(ctx, claimed))

	stale.Attempts = 5
	assert.True(t, errors.Is(r.Update(ctx, stale), ErrClaimLost))
}

func TestResetStale(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	r := NewRepo(objstore.NewMemory(), clk, logx.Nop())
	ctx := context.Background()
	j := newJob("acme")
	require.NoError(t, r.Create(ctx, j))
	claimed, err := r.Claim(ctx, j)
	require.NoError(t, err)

	assert.False(t, claimed.Stale(clk.Now().Add(4*time.Minute), 5*time.Minute))
	assert.True(t, claimed.Stale(clk.Now().Add(6*time.Minute), 5*time.Minute))

	reset, err := r.ResetStale(ctx, claimed)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, reset.Status)
	assert.Empty(t, reset.ClaimToken)
	assert.Equal(t, ErrStaleClaim.Error(), reset.LastError)
}

func TestArchiveAndRetry(t *testing.T) {
	t.Parallel()
	st := objstore.NewMemory()
	r := NewRepo(st, clock.NewFake(t0), logx.Nop())
	ctx := context.Background()

	posted := newJob("acme")
	require.NoError(t, r.Create(ctx, posted))
	posted.Status = StatusPosted
	posted.RemoteID = "r-1"
	require.NoError(t, r.Archive(ctx, posted))

	_, err := r.Get(ctx, Instagram, "acme", posted.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	done, err := r.GetIn(ctx, NSCompleted, Instagram, "acme", posted.ID)
	require.NoError(t, err)
	assert.Equal(t, "r-1", done.RemoteID)
	require.NotNil(t, done.CompletedAt)

	manual := newJob("acme")
	require.NoError(t, r.Create(ctx, manual))
	manual.Status = StatusManualRequired
	manual.LastError = "token expired"
	require.NoError(t, r.Archive(ctx, manual))
	failed, err := r.ListNamespace(ctx, NSFailed, Instagram, "acme", 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	again, err := r.Retry(ctx, Instagram, "acme", manual.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusScheduled, again.Status)
	assert.Empty(t, again.LastError)
	assert.Zero(t, again.Attempts)
	_, err = r.GetIn(ctx, NSFailed, Instagram, "acme", manual.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = r.Retry(ctx, Instagram, "acme", posted.ID)
	assert.Error(t, err)
}

func TestArchiveRejectsNonTerminal(t *testing.T) {
	t.Parallel()
	r := NewRepo(objstore.NewMemory(), clock.NewFake(t0), logx.Nop())
	j := newJob("acme")
	require.NoError(t, r.Create(context.Background(), j))
	assert.True(t, errors.Is(r.Archive(context.Background(), j), ErrInvalid))
}

func TestDue(t *testing.T) {
	t.Parallel()
	j := &Job{Status: StatusScheduled, ScheduledAt: t0}
	assert.True(t, j.Due(t0))
	assert.False(t, j.Due(t0.Add(-time.Second)))
	later := t0.Add(time.Minute)
	j.NextAttemptAt = &later
	assert.False(t, j.Due(t0))
	assert.Equal(t, later, j.ReadyAt())
	j.Status = StatusProcessing
	assert.False(t, j.Due(later))
}
