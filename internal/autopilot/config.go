// Package autopilot runs the two unattended passes per (owner, platform):
// auto-scheduling of ready-made content and auto-replying to inbound
// messages. Each pass holds the owner's lock for its kind while it runs.
package autopilot

import (
	"time"

	"postpilot/internal/jobs"
)

// Config holds the planning and reply tunables. Zero values take defaults.
type Config struct {
	MinLeadTime        time.Duration
	FirstPostDelay     time.Duration
	CheckpointLookback time.Duration
	Intervals          map[jobs.Platform]time.Duration
	DefaultInterval    time.Duration
	ScheduleBatch      int
	// MinSpacing is the anti-burst window between autopilot jobs of one owner.
	MinSpacing      time.Duration
	DuplicateWindow time.Duration

	ReplyBatch    int
	ReplySpacing  time.Duration
	ReplyWindow   time.Duration
	ReplyTimeout  time.Duration
	ReplyFallback string
}

const (
	DefaultMinLeadTime        = 30 * time.Minute
	DefaultFirstPostDelay     = time.Minute
	DefaultCheckpointLookback = time.Hour
	DefaultScheduleBatch      = 3
	DefaultMinSpacing         = 30 * time.Minute
	DefaultReplyBatch         = 5
	DefaultReplySpacing       = 45 * time.Second
	DefaultReplyWindow        = 24 * time.Hour
	DefaultReplyTimeout       = 15 * time.Second
	DefaultReplyFallback      = "Thanks for reaching out! We'll get back to you shortly."
)

func (c Config) WithDefaults() Config {
	if c.MinLeadTime <= 0 {
		c.MinLeadTime = DefaultMinLeadTime
	}
	if c.FirstPostDelay <= 0 {
		c.FirstPostDelay = DefaultFirstPostDelay
	}
	if c.CheckpointLookback <= 0 {
		c.CheckpointLookback = DefaultCheckpointLookback
	}
	if c.Intervals == nil {
		c.Intervals = DefaultIntervals()
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = DefaultInterval
	}
	if c.ScheduleBatch <= 0 {
		c.ScheduleBatch = DefaultScheduleBatch
	}
	if c.MinSpacing < 0 {
		c.MinSpacing = 0
	}
	if c.ReplyBatch <= 0 {
		c.ReplyBatch = DefaultReplyBatch
	}
	if c.ReplySpacing <= 0 {
		c.ReplySpacing = DefaultReplySpacing
	}
	if c.ReplyWindow <= 0 {
		c.ReplyWindow = DefaultReplyWindow
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = DefaultReplyTimeout
	}
	if c.ReplyFallback == "" {
		c.ReplyFallback = DefaultReplyFallback
	}
	return c
}
