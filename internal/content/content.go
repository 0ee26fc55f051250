// Package content holds ready-made content units waiting to be auto-scheduled.
package content

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	logx "postpilot/pkg/logx"
)

// Unit is one ready-made post.
type Unit struct {
	ID             string        `json:"id"`
	Owner          string        `json:"owner"`
	Platform       jobs.Platform `json:"platform"`
	Caption        string        `json:"caption"`
	MediaRef       string        `json:"mediaRef,omitempty"`
	MediaType      string        `json:"mediaType,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
	CreatedAt      time.Time     `json:"createdAt"`
	ScheduledJobID string        `json:"scheduledJobId,omitempty"`
	ScheduledAt    *time.Time    `json:"scheduledAt,omitempty"`
}

func (u Unit) Scheduled() bool { return u.ScheduledJobID != "" }

// NewIdempotencyKey is generated once per unit at creation and travels with
// every job made from it.
func NewIdempotencyKey() string { return "idem-" + uuid.NewString() }

func key(platform jobs.Platform, owner, id string) string {
	return "content/" + string(platform) + "/" + owner + "/" + id
}

type Store struct {
	store objstore.Store
	clk   clock.Clock
	log   logx.Logger
}

func NewStore(store objstore.Store, clk clock.Clock, log logx.Logger) *Store {
	return &Store{store: store, clk: clock.OrReal(clk), log: log.OrNop().With(logx.Component("content"))}
}

// Add stores u, assigning its id, idempotency key and creation time.
func (s *Store) Add(ctx context.Context, u *Unit) error {
	if _, err := jobs.ParsePlatform(string(u.Platform)); err != nil {
		return err
	}
	if err := jobs.ValidOwner(u.Owner); err != nil {
		return err
	}
	if strings.TrimSpace(u.Caption) == "" && u.MediaRef == "" {
		return errors.New("content unit needs a caption or media")
	}
	if u.ID == "" {
		u.ID = jobs.NewID()
	}
	if u.IdempotencyKey == "" {
		u.IdempotencyKey = NewIdempotencyKey()
	}
	u.CreatedAt = s.clk.Now()
	return objstore.PutJSON(ctx, s.store, key(u.Platform, u.Owner, u.ID), u)
}

func (s *Store) Get(ctx context.Context, platform jobs.Platform, owner, id string) (*Unit, error) {
	var u Unit
	if _, err := objstore.GetJSON(ctx, s.store, key(platform, owner, id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUnscheduled returns the owner's units without a job, oldest first.
func (s *Store) ListUnscheduled(ctx context.Context, platform jobs.Platform, owner string) ([]*Unit, error) {
	keys, err := s.store.List(ctx, "content/"+string(platform)+"/"+owner+"/", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Unit, 0, len(keys))
	for _, k := range keys {
		var u Unit
		if _, err := objstore.GetJSON(ctx, s.store, k, &u); err != nil {
			if errors.Is(err, objstore.ErrUnavailable) {
				return nil, err
			}
			if !errors.Is(err, objstore.ErrNotFound) {
				s.log.Warn("skipping unreadable content unit", logx.String("key", k), logx.Err(err))
			}
			continue
		}
		if !u.Scheduled() {
			out = append(out, &u)
		}
	}
	return out, nil
}

// MarkScheduled links the unit to the job created for it.
func (s *Store) MarkScheduled(ctx context.Context, u *Unit, jobID string, at time.Time) error {
	u.ScheduledJobID = jobID
	u.ScheduledAt = &at
	return objstore.PutJSON(ctx, s.store, key(u.Platform, u.Owner, u.ID), u)
}
