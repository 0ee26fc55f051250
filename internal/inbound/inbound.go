// Package inbound stores messages and comments received for an owner.
package inbound

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	logx "postpilot/pkg/logx"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusReplied   Status = "replied"
	StatusIgnored   Status = "ignored"
	StatusAIHandled Status = "ai_handled"
)

// Resolved reports whether no reply should be sent anymore.
func (s Status) Resolved() bool { return s != StatusPending && s != "" }

type Kind string

const (
	KindMessage Kind = "message"
	KindComment Kind = "comment"
)

// Event is one inbound message or comment.
type Event struct {
	ID          string        `json:"id"`
	Owner       string        `json:"owner"`
	Platform    jobs.Platform `json:"platform"`
	Kind        Kind          `json:"kind"`
	AuthorID    string        `json:"authorId"`
	AuthorName  string        `json:"authorName,omitempty"`
	RecipientID string        `json:"recipientId,omitempty"`
	Text        string        `json:"text"`
	// TargetRemoteID is what the adapter replies to.
	TargetRemoteID string     `json:"targetRemoteId"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	Status         Status     `json:"status"`
	RepliedAt      *time.Time `json:"repliedAt,omitempty"`
	ReplyRemoteID  string     `json:"replyRemoteId,omitempty"`
}

func key(platform jobs.Platform, owner, id string) string {
	return "inbound/" + string(platform) + "/" + owner + "/" + id
}

type Store struct {
	store objstore.Store
	clk   clock.Clock
	log   logx.Logger
}

func NewStore(store objstore.Store, clk clock.Clock, log logx.Logger) *Store {
	return &Store{store: store, clk: clock.OrReal(clk), log: log.OrNop().With(logx.Component("inbound"))}
}

// Add records a new event as pending. ReceivedAt defaults to now.
func (s *Store) Add(ctx context.Context, e *Event) error {
	if _, err := jobs.ParsePlatform(string(e.Platform)); err != nil {
		return err
	}
	if err := jobs.ValidOwner(e.Owner); err != nil {
		return err
	}
	if strings.TrimSpace(e.Text) == "" {
		return errors.New("inbound event needs text")
	}
	if e.ID == "" {
		e.ID = jobs.NewID()
	}
	if e.Kind == "" {
		e.Kind = KindMessage
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.clk.Now()
	}
	if e.Status == "" {
		e.Status = StatusPending
	}
	return objstore.PutJSON(ctx, s.store, key(e.Platform, e.Owner, e.ID), e)
}

func (s *Store) Get(ctx context.Context, platform jobs.Platform, owner, id string) (*Event, error) {
	var e Event
	if _, err := objstore.GetJSON(ctx, s.store, key(platform, owner, id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// List returns the owner's events in key order.
func (s *Store) List(ctx context.Context, platform jobs.Platform, owner string) ([]*Event, error) {
	keys, err := s.store.List(ctx, "inbound/"+string(platform)+"/"+owner+"/", 0)
	if err != nil {
		return nil, err
	}
	out := make([]*Event, 0, len(keys))
	for _, k := range keys {
		var e Event
		if _, err := objstore.GetJSON(ctx, s.store, k, &e); err != nil {
			if errors.Is(err, objstore.ErrUnavailable) {
				return nil, err
			}
			if !errors.Is(err, objstore.ErrNotFound) {
				s.log.Warn("skipping unreadable inbound event", logx.String("key", k), logx.Err(err))
			}
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}

// MarkResolved persists a terminal status for the event.
func (s *Store) MarkResolved(ctx context.Context, e *Event, status Status, replyRemoteID string) error {
	if !status.Resolved() {
		return errors.Newf("status %q does not resolve an event", status)
	}
	now := s.clk.Now()
	e.Status = status
	e.RepliedAt = &now
	e.ReplyRemoteID = replyRemoteID
	return objstore.PutJSON(ctx, s.store, key(e.Platform, e.Owner, e.ID), e)
}
