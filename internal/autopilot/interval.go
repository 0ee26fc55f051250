package autopilot

import (
	"time"

	"postpilot/internal/jobs"
	"postpilot/internal/settings"
)

// DefaultIntervals are the per-platform gaps between autopilot posts.
func DefaultIntervals() map[jobs.Platform]time.Duration {
	return map[jobs.Platform]time.Duration{
		jobs.Instagram: 6 * time.Hour,
		jobs.Twitter:   3 * time.Hour,
		jobs.Facebook:  8 * time.Hour,
	}
}

const DefaultInterval = 4 * time.Hour

// IntervalFor picks the owner's override, else the platform default, else
// the global default. The result is never shorter than minSpacing so that
// consecutive autopilot jobs never trip the anti-burst guard against each
// other.
func IntervalFor(s settings.Settings, cfg Config) time.Duration {
	d, ok := s.CustomInterval()
	if !ok {
		d, ok = cfg.Intervals[s.Platform]
	}
	if !ok || d <= 0 {
		d = cfg.DefaultInterval
	}
	if d <= 0 {
		d = DefaultInterval
	}
	return max(d, cfg.MinSpacing)
}

// NextScheduleTime is last+interval when a prior job exists, never earlier
// than now+minLeadTime. Without a prior job it is now+firstPostDelay.
func NextScheduleTime(now time.Time, cp Checkpoint, interval time.Duration, cfg Config) time.Time {
	if !cp.HasLast {
		return now.Add(cfg.FirstPostDelay)
	}
	candidate := cp.LastScheduled.Add(interval)
	if floor := now.Add(cfg.MinLeadTime); candidate.Before(floor) {
		return floor
	}
	return candidate
}
