package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// FailureKind classifies a publish or reply failure for the job state machine.
type FailureKind string

const (
	KindAuthExpired         FailureKind = "auth_expired"
	KindRateLimited         FailureKind = "rate_limited"
	KindContentRejected     FailureKind = "content_rejected"
	KindPlatformUnsupported FailureKind = "platform_unsupported"
	KindUnknown             FailureKind = "unknown"
)

// Manual reports kinds that need a human (no further automated attempts).
func (k FailureKind) Manual() bool {
	return k == KindAuthExpired || k == KindPlatformUnsupported
}

// Failure is the typed error adapters return.
type Failure struct {
	Kind    FailureKind
	Message string
	// RetryAfter is the platform's backoff hint for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %s): %s", f.Kind, f.RetryAfter, msg)
	}
	return fmt.Sprintf("%s: %s", f.Kind, msg)
}

func (f *Failure) Unwrap() error { return f.Err }

func Fail(kind FailureKind, msg string) *Failure { return &Failure{Kind: kind, Message: msg} }

// Wrap classifies err as kind.
func Wrap(kind FailureKind, err error) error {
	if err == nil {
		return nil
	}
	return &Failure{Kind: kind, Err: err}
}

// RateLimited builds a rate-limit failure with a retry hint.
func RateLimited(msg string, after time.Duration) *Failure {
	if after < 0 {
		after = 0
	}
	return &Failure{Kind: KindRateLimited, Message: msg, RetryAfter: after}
}

// KindOf classifies any error. Untyped errors (including timeouts) are
// KindUnknown.
func KindOf(err error) FailureKind {
	if err == nil {
		return ""
	}
	var f *Failure
	if errors.As(err, &f) && f.Kind != "" {
		return f.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var f *Failure
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// Timeout reports whether err came from a deadline.
func Timeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
