package jobs

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Archive moves a terminal job out of the pending namespace: the archived
// copy is written first, then the pending key is deleted. If the delete
// fails the pending key is overwritten with the terminal record so neither
// the watchdog nor a poller can pick it up again; the poller re-archives
// terminal records it finds under scheduled/.
func (r *Repo) Archive(ctx context.Context, j *Job) error {
	if !j.Status.Terminal() {
		return errors.Mark(errors.Newf("cannot archive %s job %s", j.Status, j.ID), ErrInvalid)
	}
	now := r.clk.Now()
	if j.CompletedAt == nil {
		j.CompletedAt = &now
	}
	j.UpdatedAt = now
	j.ClaimToken = ""

	ns := j.Status.ArchiveNamespace()
	if err := r.putIn(ctx, ns, j); err != nil {
		return errors.Wrapf(err, "write archived job %s", j.ID)
	}
	if err := r.store.Delete(ctx, Key(NSScheduled, j.Platform, j.Owner, j.ID)); err != nil {
		if perr := r.Put(ctx, j); perr != nil {
			return errors.CombineErrors(errors.Wrapf(err, "delete pending job %s", j.ID), perr)
		}
		return errors.Wrapf(err, "delete pending job %s (left terminal record in place)", j.ID)
	}
	j.ns = ns
	return nil
}

// Retry resets a failed or manual_required job back to scheduled with a clean
// attempt counter. The pending copy is written before the archived one is
// removed.
func (r *Repo) Retry(ctx context.Context, platform Platform, owner, id string) (*Job, error) {
	j, err := r.GetIn(ctx, NSFailed, platform, owner, id)
	if errors.Is(err, ErrNotFound) {
		// A terminal record whose archive delete failed is still pending.
		j, err = r.Get(ctx, platform, owner, id)
	}
	if err != nil {
		return nil, err
	}
	if j.Status != StatusFailed && j.Status != StatusManualRequired {
		return nil, errors.Mark(errors.Newf("job %s is %s", id, j.Status), ErrNotRetryable)
	}

	now := r.clk.Now()
	j.Status = StatusScheduled
	j.Attempts = 0
	j.LastError = ""
	j.FailureKind = ""
	j.NextAttemptAt = nil
	j.RateLimitHits = 0
	j.ProcessingStartedAt = nil
	j.ClaimToken = ""
	j.CompletedAt = nil
	j.RemoteID = ""
	j.UpdatedAt = now
	if err := r.Put(ctx, j); err != nil {
		return nil, err
	}
	if err := r.store.Delete(ctx, Key(NSFailed, platform, owner, id)); err != nil {
		r.log.Warn("retry: archived copy not removed", j.LogFields()...)
	}
	if obj, err := r.store.Get(ctx, Key(NSScheduled, platform, owner, id)); err == nil {
		j.Version = obj.Version
	}
	j.ns = NSScheduled
	return j, nil
}
