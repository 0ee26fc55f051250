package jobs

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// Platform is the closed set of publishing targets.
type Platform string

const (
	Instagram Platform = "instagram"
	Twitter   Platform = "twitter"
	Facebook  Platform = "facebook"
	Telegram  Platform = "telegram"
	Threads   Platform = "threads"
	LinkedIn  Platform = "linkedin"
)

var allPlatforms = []Platform{Instagram, Twitter, Facebook, Telegram, Threads, LinkedIn}

// All returns every known platform in a stable order.
func All() []Platform { return append([]Platform(nil), allPlatforms...) }

func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", errors.Mark(errors.Newf("unknown platform %q", s), ErrInvalid)
}

type Status string

const (
	StatusScheduled      Status = "scheduled"
	StatusProcessing     Status = "processing"
	StatusPosted         Status = "posted"
	StatusFailed         Status = "failed"
	StatusManualRequired Status = "manual_required"
)

// Terminal reports whether no automated transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusManualRequired
}

// Namespace is the top-level key prefix a record lives under.
type Namespace string

const (
	NSScheduled Namespace = "scheduled"
	NSCompleted Namespace = "completed"
	NSFailed    Namespace = "failed"
)

func ParseNamespace(s string) (Namespace, error) {
	switch Namespace(strings.TrimSpace(s)) {
	case "", NSScheduled:
		return NSScheduled, nil
	case NSCompleted:
		return NSCompleted, nil
	case NSFailed:
		return NSFailed, nil
	}
	return "", errors.Mark(errors.Newf("unknown namespace %q", s), ErrInvalid)
}

// ArchiveNamespace is where a record with status s is archived.
func (s Status) ArchiveNamespace() Namespace {
	switch s {
	case StatusPosted:
		return NSCompleted
	case StatusFailed, StatusManualRequired:
		return NSFailed
	}
	return NSScheduled
}

// Origin records who created the job.
type Origin string

const (
	OriginUser      Origin = "user"
	OriginAutopilot Origin = "autopilot"
)

// Payload references the content to publish. Media bytes live in the object
// store under MediaRef and are never embedded.
type Payload struct {
	Text           string `json:"text,omitempty"`
	MediaRef       string `json:"mediaRef,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
	ContentID      string `json:"contentId,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// Job is one scheduled publish action.
type Job struct {
	ID       string   `json:"id"`
	Owner    string   `json:"owner"`
	Platform Platform `json:"platform"`
	Payload  Payload  `json:"payload"`
	Origin   Origin   `json:"origin,omitempty"`

	ScheduledAt time.Time `json:"scheduledAt"`
	Status      Status    `json:"status"`

	Attempts    int    `json:"attempts"`
	MaxAttempts int    `json:"maxAttempts,omitempty"`
	LastError   string `json:"lastError,omitempty"`
	FailureKind string `json:"failureKind,omitempty"`

	ProcessingStartedAt *time.Time `json:"processingStartedAt,omitempty"`
	ClaimToken          string     `json:"claimToken,omitempty"`
	NextAttemptAt       *time.Time `json:"nextAttemptAt,omitempty"`
	RateLimitHits       int        `json:"rateLimitHits,omitempty"`

	RemoteID    string     `json:"remoteId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// Version is the store version this copy was read at.
	Version string `json:"-"`
	// ns is the namespace this copy was read from.
	ns Namespace
}

const DefaultMaxAttempts = 3

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.ProcessingStartedAt = cloneTime(j.ProcessingStartedAt)
	c.NextAttemptAt = cloneTime(j.NextAttemptAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Due reports whether a scheduled job may be executed at now.
func (j *Job) Due(now time.Time) bool {
	if j.Status != StatusScheduled || j.ScheduledAt.After(now) {
		return false
	}
	return j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)
}

// ReadyAt is the earliest instant the job may be executed.
func (j *Job) ReadyAt() time.Time {
	if j.NextAttemptAt != nil && j.NextAttemptAt.After(j.ScheduledAt) {
		return *j.NextAttemptAt
	}
	return j.ScheduledAt
}

// Stale reports a processing claim older than after.
func (j *Job) Stale(now time.Time, after time.Duration) bool {
	if j.Status != StatusProcessing {
		return false
	}
	if j.ProcessingStartedAt == nil {
		return true
	}
	return now.Sub(*j.ProcessingStartedAt) > after
}

// Namespace is where this copy was read from (scheduled for new jobs).
func (j *Job) Namespace() Namespace {
	if j.ns == "" {
		return NSScheduled
	}
	return j.ns
}

// Key builds "{ns}/{platform}/{owner}/{id}".
func Key(ns Namespace, platform Platform, owner, id string) string {
	return string(ns) + "/" + string(platform) + "/" + owner + "/" + id
}

// Prefix builds the listing prefix for a namespace, platform and optional owner.
func Prefix(ns Namespace, platform Platform, owner string) string {
	p := string(ns) + "/" + string(platform) + "/"
	if owner != "" {
		p += owner + "/"
	}
	return p
}

// NewID returns a time-ordered unique id (UUIDv7).
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ValidOwner rejects owners that would break the key layout.
func ValidOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return errors.Mark(errors.New("owner is required"), ErrInvalid)
	}
	if strings.ContainsAny(owner, "/ \t\n") {
		return errors.Mark(errors.Newf("owner %q contains a separator", owner), ErrInvalid)
	}
	return nil
}
