package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
)

// MarkerKind separates tombstones of scheduled content from replied events.
type MarkerKind string

const (
	KindContent MarkerKind = "content"
	KindEvent   MarkerKind = "event"
)

// Marker is a tombstone written before a risky side effect. It proves a unit
// was already considered; it is never the only signal consulted.
type Marker struct {
	UnitID    string     `json:"unitId"`
	Kind      MarkerKind `json:"kind"`
	JobID     string     `json:"jobId,omitempty"`
	Caption   string     `json:"caption,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// MarkerKey builds "markers/{platform}/{owner}/{kind}/{unitId}".
func MarkerKey(platform jobs.Platform, owner string, kind MarkerKind, unitID string) string {
	return "markers/" + string(platform) + "/" + owner + "/" + string(kind) + "/" + unitID
}

// Markers persists tombstones in the object store.
type Markers struct {
	store objstore.Store
	clk   clock.Clock
	ttl   time.Duration
}

// NewMarkers returns a marker store. ttl <= 0 keeps markers forever.
func NewMarkers(store objstore.Store, clk clock.Clock, ttl time.Duration) *Markers {
	return &Markers{store: store, clk: clock.OrReal(clk), ttl: ttl}
}

func (m *Markers) Put(ctx context.Context, platform jobs.Platform, owner string, mk Marker) error {
	if mk.UnitID == "" {
		return errors.New("marker needs a unit id")
	}
	now := m.clk.Now()
	mk.CreatedAt = now
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		mk.ExpiresAt = &exp
	}
	b, err := json.Marshal(mk)
	if err != nil {
		return errors.Wrap(err, "encode marker")
	}
	return m.store.Put(ctx, MarkerKey(platform, owner, mk.Kind, mk.UnitID), b)
}

// Get returns the live marker, or nil when absent or expired.
func (m *Markers) Get(ctx context.Context, platform jobs.Platform, owner string, kind MarkerKind, unitID string) (*Marker, error) {
	obj, err := m.store.Get(ctx, MarkerKey(platform, owner, kind, unitID))
	if errors.Is(err, objstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var mk Marker
	if err := json.Unmarshal(obj.Data, &mk); err != nil {
		// An unreadable marker still proves the unit was considered.
		return &Marker{UnitID: unitID, Kind: kind}, nil
	}
	if mk.ExpiresAt != nil && !m.clk.Now().Before(*mk.ExpiresAt) {
		return nil, nil
	}
	return &mk, nil
}

func (m *Markers) Has(ctx context.Context, platform jobs.Platform, owner string, kind MarkerKind, unitID string) (bool, error) {
	mk, err := m.Get(ctx, platform, owner, kind, unitID)
	return mk != nil, err
}

// Prune deletes expired markers under platform and returns how many.
func (m *Markers) Prune(ctx context.Context, platform jobs.Platform) (int, error) {
	keys, err := m.store.List(ctx, "markers/"+string(platform)+"/", 0)
	if err != nil {
		return 0, err
	}
	now := m.clk.Now()
	n := 0
	for _, k := range keys {
		obj, err := m.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var mk Marker
		if json.Unmarshal(obj.Data, &mk) != nil || mk.ExpiresAt == nil || now.Before(*mk.ExpiresAt) {
			continue
		}
		if err := m.store.Delete(ctx, k); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
