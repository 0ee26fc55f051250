package jobs

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"postpilot/internal/clock"
	"postpilot/internal/objstore"
	logx "postpilot/pkg/logx"
)

// Repo stores jobs as one JSON object per key in an object store.
//
// When the store implements objstore.Versioned every state change made by a
// claimant is a conditional write on the version it read, so a concurrent
// claimant loses with ErrClaimLost. On plain stores claims are confirmed by
// re-reading the claim token, which narrows but does not close the race.
type Repo struct {
	store objstore.Store
	ver   objstore.Versioned
	clk   clock.Clock
	log   logx.Logger
}

func NewRepo(store objstore.Store, clk clock.Clock, log logx.Logger) *Repo {
	r := &Repo{store: store, clk: clock.OrReal(clk), log: log.OrNop().With(logx.Component("jobs"))}
	if v, ok := objstore.AsVersioned(store); ok {
		r.ver = v
	}
	return r
}

// Conditional reports whether claims use conditional writes.
func (r *Repo) Conditional() bool { return r.ver != nil }

// Store exposes the underlying object store (media resolution, markers).
func (r *Repo) Store() objstore.Store { return r.store }

// Create validates j, fills defaults and inserts it as scheduled.
func (r *Repo) Create(ctx context.Context, j *Job) error {
	if j == nil {
		return errors.Mark(errors.New("nil job"), ErrInvalid)
	}
	if _, err := ParsePlatform(string(j.Platform)); err != nil {
		return err
	}
	if err := ValidOwner(j.Owner); err != nil {
		return err
	}
	if j.ScheduledAt.IsZero() {
		return errors.Mark(errors.New("scheduledAt is required"), ErrInvalid)
	}
	if strings.TrimSpace(j.Payload.Text) == "" && j.Payload.MediaRef == "" {
		return errors.Mark(errors.New("payload needs text or a media reference"), ErrInvalid)
	}

	now := r.clk.Now()
	if j.ID == "" {
		j.ID = NewID()
	}
	if j.Origin == "" {
		j.Origin = OriginUser
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.Status = StatusScheduled
	j.CreatedAt = now
	j.UpdatedAt = now
	j.ns = NSScheduled

	key := Key(NSScheduled, j.Platform, j.Owner, j.ID)
	b, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	if r.ver != nil {
		v, err := r.ver.PutIfVersion(ctx, key, b, "")
		if errors.Is(err, objstore.ErrVersionConflict) {
			return errors.Mark(errors.Newf("job %s already exists", j.ID), ErrInvalid)
		}
		if err != nil {
			return err
		}
		j.Version = v
		return nil
	}
	if err := r.store.Put(ctx, key, b); err != nil {
		return err
	}
	return nil
}

// Put writes j to the scheduled namespace unconditionally.
func (r *Repo) Put(ctx context.Context, j *Job) error {
	return r.putIn(ctx, NSScheduled, j)
}

func (r *Repo) putIn(ctx context.Context, ns Namespace, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	return r.store.Put(ctx, Key(ns, j.Platform, j.Owner, j.ID), b)
}

// Get reads a pending job.
func (r *Repo) Get(ctx context.Context, platform Platform, owner, id string) (*Job, error) {
	return r.GetIn(ctx, NSScheduled, platform, owner, id)
}

func (r *Repo) GetIn(ctx context.Context, ns Namespace, platform Platform, owner, id string) (*Job, error) {
	return r.load(ctx, ns, Key(ns, platform, owner, id))
}

func (r *Repo) load(ctx context.Context, ns Namespace, key string) (*Job, error) {
	obj, err := r.store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, errors.Mark(errors.Newf("%s: %s", ErrNotFound.Error(), key), ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(obj.Data, &j); err != nil {
		return nil, errors.Wrapf(err, "decode %s", key)
	}
	j.Version = obj.Version
	j.ns = ns
	return &j, nil
}

// List returns the pending jobs of one owner.
func (r *Repo) List(ctx context.Context, platform Platform, owner string) ([]*Job, error) {
	return r.ListNamespace(ctx, NSScheduled, platform, owner, 0)
}

// ListPlatform returns up to limit pending jobs for a platform.
func (r *Repo) ListPlatform(ctx context.Context, platform Platform, limit int) ([]*Job, error) {
	return r.ListNamespace(ctx, NSScheduled, platform, "", limit)
}

// ListNamespace lists records under ns for platform and (optionally) owner.
// Corrupt records and records deleted mid-listing are skipped; a store
// failure aborts the listing.
func (r *Repo) ListNamespace(ctx context.Context, ns Namespace, platform Platform, owner string, limit int) ([]*Job, error) {
	keys, err := r.store.List(ctx, Prefix(ns, platform, owner), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(keys))
	for _, key := range keys {
		j, err := r.load(ctx, ns, key)
		switch {
		case err == nil:
			out = append(out, j)
		case errors.Is(err, ErrNotFound):
		case errors.Is(err, objstore.ErrUnavailable):
			return nil, err
		default:
			r.log.Warn("skipping unreadable job record", logx.String("key", key), logx.Err(err))
		}
	}
	return out, nil
}

// Delete removes a pending job.
func (r *Repo) Delete(ctx context.Context, platform Platform, owner, id string) error {
	return r.store.Delete(ctx, Key(NSScheduled, platform, owner, id))
}

// Claim moves a scheduled job to processing with a fresh claim token and
// returns the claimed copy. It fails with ErrClaimLost when another claimant
// got there first or the record changed since it was read.
func (r *Repo) Claim(ctx context.Context, j *Job) (*Job, error) {
	if j.Status != StatusScheduled {
		return nil, errors.Mark(errors.Newf("job %s is %s", j.ID, j.Status), ErrClaimLost)
	}
	now := r.clk.Now()
	c := j.Clone()
	c.Status = StatusProcessing
	c.ProcessingStartedAt = &now
	c.ClaimToken = uuid.NewString()
	c.UpdatedAt = now

	if r.ver != nil {
		if err := r.conditionalPut(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	// Plain store: re-read right before writing, then confirm the token.
	fresh, err := r.Get(ctx, j.Platform, j.Owner, j.ID)
	if errors.Is(err, ErrNotFound) {
		return nil, errors.Mark(errors.Newf("job %s vanished", j.ID), ErrClaimLost)
	}
	if err != nil {
		return nil, err
	}
	if fresh.Status != StatusScheduled {
		return nil, errors.Mark(errors.Newf("job %s is %s", j.ID, fresh.Status), ErrClaimLost)
	}
	if err := r.Put(ctx, c); err != nil {
		return nil, err
	}
	confirm, err := r.Get(ctx, j.Platform, j.Owner, j.ID)
	if err != nil {
		return nil, err
	}
	if confirm.ClaimToken != c.ClaimToken {
		return nil, errors.Mark(errors.Newf("job %s claimed by another poller", j.ID), ErrClaimLost)
	}
	c.Version = confirm.Version
	return c, nil
}

// Update writes a claimant's change to a pending job. On versioned stores the
// write is conditional on j.Version.
func (r *Repo) Update(ctx context.Context, j *Job) error {
	j.UpdatedAt = r.clk.Now()
	if r.ver != nil {
		return r.conditionalPut(ctx, j)
	}
	return r.Put(ctx, j)
}

func (r *Repo) conditionalPut(ctx context.Context, j *Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	v, err := r.ver.PutIfVersion(ctx, Key(NSScheduled, j.Platform, j.Owner, j.ID), b, j.Version)
	if errors.Is(err, objstore.ErrVersionConflict) {
		return errors.Mark(errors.Newf("job %s changed concurrently", j.ID), ErrClaimLost)
	}
	if err != nil {
		return err
	}
	j.Version = v
	return nil
}

// ResetStale returns an abandoned processing job to scheduled.
func (r *Repo) ResetStale(ctx context.Context, j *Job) (*Job, error) {
	c := j.Clone()
	c.Status = StatusScheduled
	c.ProcessingStartedAt = nil
	c.ClaimToken = ""
	c.LastError = ErrStaleClaim.Error()
	if err := r.Update(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// LogFields are the structured fields identifying j in logs.
func (j *Job) LogFields() []logx.Field {
	return []logx.Field{
		logx.String("job", j.ID),
		logx.String("platform", string(j.Platform)),
		logx.String("owner", j.Owner),
		logx.String("status", string(j.Status)),
	}
}
