package autopilot

import (
	"time"

	"postpilot/internal/jobs"
)

// Checkpoint summarizes an owner's recent jobs for planning.
type Checkpoint struct {
	// LastScheduled is the latest scheduledAt among jobs in the future or
	// within the lookback.
	LastScheduled time.Time
	HasLast       bool
	// InFlight counts jobs that are scheduled or processing.
	InFlight int
}

// ReadCheckpoint scans the owner's pending and recently archived jobs.
// Terminal records count toward LastScheduled: they were posted or attempted
// at that time.
func ReadCheckpoint(existing []*jobs.Job, now time.Time, lookback time.Duration) Checkpoint {
	var cp Checkpoint
	horizon := now.Add(-lookback)
	for _, j := range existing {
		if j == nil {
			continue
		}
		if !j.Status.Terminal() {
			cp.InFlight++
		}
		if j.ScheduledAt.Before(horizon) {
			continue
		}
		if !cp.HasLast || j.ScheduledAt.After(cp.LastScheduled) {
			cp.LastScheduled = j.ScheduledAt
			cp.HasLast = true
		}
	}
	return cp
}
