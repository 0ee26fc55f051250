// Package dedup decides whether a unit of work was already scheduled or
// handled. It combines independent signals; any one of them is enough.
package dedup

import (
	"context"
	"time"

	"postpilot/internal/jobs"
)

type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMarker         Reason = "marker"
	ReasonIdempotencyKey Reason = "idempotency_key"
	ReasonContentID      Reason = "content_id"
	ReasonCaptionWindow  Reason = "caption_window"
	ReasonSpacing        Reason = "anti_burst_spacing"
)

// Candidate is a unit about to be scheduled at At.
type Candidate struct {
	Platform       jobs.Platform
	Owner          string
	UnitID         string
	IdempotencyKey string
	Caption        string
	At             time.Time
}

type Verdict struct {
	Duplicate bool
	Reason    Reason
	JobID     string
}

type Config struct {
	// CaptionWindow bounds the caption-equality signal. Default 10m.
	CaptionWindow time.Duration
	// MinSpacing is the anti-burst window around the candidate time. Zero
	// disables the signal.
	MinSpacing time.Duration
}

type Detector struct {
	markers *Markers
	cfg     Config
}

func NewDetector(markers *Markers, cfg Config) *Detector {
	if cfg.CaptionWindow <= 0 {
		cfg.CaptionWindow = 10 * time.Minute
	}
	return &Detector{markers: markers, cfg: cfg}
}

// Check evaluates c against markers and the owner's existing jobs.
// A marker lookup failure is returned as an error; callers skip the unit.
func (d *Detector) Check(ctx context.Context, c Candidate, existing []*jobs.Job) (Verdict, error) {
	if d.markers != nil && c.UnitID != "" {
		mk, err := d.markers.Get(ctx, c.Platform, c.Owner, KindContent, c.UnitID)
		if err != nil {
			return Verdict{}, err
		}
		if mk != nil {
			return Verdict{Duplicate: true, Reason: ReasonMarker, JobID: mk.JobID}, nil
		}
	}
	return d.CheckJobs(c, existing), nil
}

// CheckJobs applies the record-based signals only.
func (d *Detector) CheckJobs(c Candidate, existing []*jobs.Job) Verdict {
	for _, j := range existing {
		if j == nil || j.Owner != c.Owner {
			continue
		}
		if c.IdempotencyKey != "" && j.Payload.IdempotencyKey == c.IdempotencyKey {
			return Verdict{Duplicate: true, Reason: ReasonIdempotencyKey, JobID: j.ID}
		}
		if c.UnitID != "" && j.Payload.ContentID == c.UnitID {
			return Verdict{Duplicate: true, Reason: ReasonContentID, JobID: j.ID}
		}
	}
	for _, j := range existing {
		if j == nil || j.Owner != c.Owner {
			continue
		}
		if c.Caption != "" && j.Payload.Text == c.Caption && within(j.ScheduledAt, c.At, d.cfg.CaptionWindow) {
			return Verdict{Duplicate: true, Reason: ReasonCaptionWindow, JobID: j.ID}
		}
	}
	if d.cfg.MinSpacing > 0 {
		for _, j := range existing {
			if j == nil || j.Owner != c.Owner || j.Status.Terminal() {
				continue
			}
			if gap(j.ScheduledAt, c.At) < d.cfg.MinSpacing {
				return Verdict{Duplicate: true, Reason: ReasonSpacing, JobID: j.ID}
			}
		}
	}
	return Verdict{}
}

func within(a, b time.Time, window time.Duration) bool { return gap(a, b) <= window }

func gap(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d
}
