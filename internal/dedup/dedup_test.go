package dedup

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

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func job(id, caption string, at time.Time) *jobs.Job {
	return &jobs.Job{
		ID: id, Owner: "acme", Platform: jobs.Twitter, Status: jobs.StatusScheduled,
		ScheduledAt: at, Payload: jobs.Payload{Text: caption},
	}
}

func TestCheckJobsSignals(t *testing.T) {
	t.Parallel()
	d := NewDetector(nil, Config{CaptionWindow: 10 * time.Minute, MinSpacing: 30 * time.Minute})

	keyed := job("j-key", "Different", t0.Add(10*time.Hour))
	keyed.Payload.IdempotencyKey = "idem-1"
	unit := job("j-unit", "Other", t0.Add(20*time.Hour))
	unit.Payload.ContentID = "c-9"
	foreign := job("j-foreign", "New", t0.Add(time.Hour))
	foreign.Owner = "someone-else"

	existing := []*jobs.Job{keyed, unit, foreign, job("j-cap", "Hello", t0.Add(5*time.Hour))}

	tests := []struct {
		name   string
		cand   Candidate
		reason Reason
		jobID  string
	}{
		{"idempotency key", Candidate{Owner: "acme", IdempotencyKey: "idem-1", At: t0}, ReasonIdempotencyKey, "j-key"},
		{"content id", Candidate{Owner: "acme", UnitID: "c-9", At: t0}, ReasonContentID, "j-unit"},
		{"caption inside window", Candidate{Owner: "acme", Caption: "Hello", At: t0.Add(5*time.Hour + 9*time.Minute)}, ReasonCaptionWindow, "j-cap"},
		{"caption outside window is only spacing", Candidate{Owner: "acme", Caption: "Hello", At: t0.Add(5*time.Hour + 20*time.Minute)}, ReasonSpacing, "j-cap"},
		{"far from everything", Candidate{Owner: "acme", Caption: "Hello", At: t0.Add(2 * time.Hour)}, ReasonNone, ""},
		{"other owners ignored", Candidate{Owner: "acme", Caption: "New", At: t0.Add(time.Hour)}, ReasonNone, ""},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			v := d.CheckJobs(tt.cand, existing)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.reason != ReasonNone, v.Duplicate)
			assert.Equal(t, tt.jobID, v.JobID)
		})
	}
}

func TestSpacingIgnoresTerminalJobs(t *testing.T) {
	t.Parallel()
	d := NewDetector(nil, Config{MinSpacing: 30 * time.Minute})
	done := job("j1", "x", t0)
	done.Status = jobs.StatusPosted
	assert.False(t, d.CheckJobs(Candidate{Owner: "acme", At: t0.Add(time.Minute)}, []*jobs.Job{done}).Duplicate)
}

func TestMarkerSignalAndExpiry(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(t0)
	m := NewMarkers(objstore.NewMemory(), clk, time.Hour)
	d := NewDetector(m, Config{})
	ctx := context.Background()

	cand := Candidate{Platform: jobs.Twitter, Owner: "acme", UnitID: "c1", Caption: "Hello", At: t0}
	v, err := d.Check(ctx, cand, nil)
	require.NoError(t, err)
	assert.False(t, v.Duplicate)

	require.NoError(t, m.Put(ctx, jobs.Twitter, "acme", Marker{UnitID: "c1", Kind: KindContent, JobID: "j1"}))
	v, err = d.Check(ctx, cand, nil)
	require.NoError(t, err)
	assert.Equal(t, Verdict{Duplicate: true, Reason: ReasonMarker, JobID: "j1"}, v)

	has, err := m.Has(ctx, jobs.Twitter, "acme", KindEvent, "c1")
	require.NoError(t, err)
	assert.False(t, has, "kinds do not collide")

	clk.Advance(time.Hour)
	v, err = d.Check(ctx, cand, nil)
	require.NoError(t, err)
	assert.False(t, v.Duplicate, "expired marker is ignored")

	n, err := m.Prune(ctx, jobs.Twitter)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
