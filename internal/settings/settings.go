// Package settings stores per (owner, platform) autopilot switches.
package settings

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
)

// Settings governs autopilot for one owner on one platform.
type Settings struct {
	Owner                 string        `json:"owner"`
	Platform              jobs.Platform `json:"platform"`
	Enabled               bool          `json:"enabled"`
	AutoSchedulingEnabled bool          `json:"autoSchedulingEnabled"`
	AutoReplyEnabled      bool          `json:"autoReplyEnabled"`
	CustomIntervalHours   *float64      `json:"customIntervalHours,omitempty"`
	// ReplyContext is persona text handed to the reply generator.
	ReplyContext string    `json:"replyContext,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Scheduling reports whether the auto-scheduling pass should run.
func (s Settings) Scheduling() bool { return s.Enabled && s.AutoSchedulingEnabled }

// Replying reports whether the auto-reply pass should run.
func (s Settings) Replying() bool { return s.Enabled && s.AutoReplyEnabled }

// CustomInterval returns the override as a duration, if any.
func (s Settings) CustomInterval() (time.Duration, bool) {
	if s.CustomIntervalHours == nil || *s.CustomIntervalHours <= 0 {
		return 0, false
	}
	return time.Duration(*s.CustomIntervalHours * float64(time.Hour)), true
}

func key(platform jobs.Platform, owner string) string {
	return "settings/" + string(platform) + "/" + owner
}

type Store struct {
	store objstore.Store
	clk   clock.Clock
}

func NewStore(store objstore.Store, clk clock.Clock) *Store {
	return &Store{store: store, clk: clock.OrReal(clk)}
}

// Get returns the stored settings, or the zero (disabled) value.
func (s *Store) Get(ctx context.Context, platform jobs.Platform, owner string) (Settings, error) {
	var out Settings
	_, err := objstore.GetJSON(ctx, s.store, key(platform, owner), &out)
	if errors.Is(err, objstore.ErrNotFound) {
		return Settings{Owner: owner, Platform: platform}, nil
	}
	return out, err
}

func (s *Store) Put(ctx context.Context, st Settings) error {
	if _, err := jobs.ParsePlatform(string(st.Platform)); err != nil {
		return err
	}
	if err := jobs.ValidOwner(st.Owner); err != nil {
		return err
	}
	if st.CustomIntervalHours != nil && *st.CustomIntervalHours <= 0 {
		return errors.New("customIntervalHours must be positive")
	}
	st.UpdatedAt = s.clk.Now()
	return objstore.PutJSON(ctx, s.store, key(st.Platform, st.Owner), st)
}

// Reset deletes the settings, disabling autopilot for the pair.
func (s *Store) Reset(ctx context.Context, platform jobs.Platform, owner string) error {
	return s.store.Delete(ctx, key(platform, owner))
}

// List returns every stored settings record for platform.
func (s *Store) List(ctx context.Context, platform jobs.Platform) ([]Settings, error) {
	keys, err := s.store.List(ctx, "settings/"+string(platform)+"/", 0)
	if err != nil {
		return nil, err
	}
	out := make([]Settings, 0, len(keys))
	for _, k := range keys {
		var st Settings
		if _, err := objstore.GetJSON(ctx, s.store, k, &st); err != nil {
			if errors.Is(err, objstore.ErrUnavailable) {
				return nil, err
			}
			continue
		}
		if st.Owner == "" {
			st.Owner = strings.TrimPrefix(k, "settings/"+string(platform)+"/")
		}
		st.Platform = platform
		out = append(out, st)
	}
	return out, nil
}
