package app

import (
	"context"

	"github.com/cockroachdb/errors"

	"postpilot/internal/clock"
	"postpilot/internal/config"
	"postpilot/internal/content"
	"postpilot/internal/dedup"
	"postpilot/internal/inbound"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	"postpilot/internal/settings"
	logx "postpilot/pkg/logx"
)

// Stores are the record stores over one object store. The CLI uses them
// directly for one-shot operations; the app shares them with its passes.
type Stores struct {
	Object   objstore.Versioned
	Jobs     *jobs.Repo
	Settings *settings.Store
	Content  *content.Store
	Inbound  *inbound.Store
	Markers  *dedup.Markers
}

// OpenStores opens the configured backend and builds the record stores.
func OpenStores(ctx context.Context, cfg *config.Config, clk clock.Clock, log logx.Logger) (*Stores, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	markerTTL, err := config.ParseDurationOrDefault("autopilot.marker_ttl", cfg.Autopilot.MarkerTTL, defaultMarkerTTL)
	if err != nil {
		return nil, err
	}
	st, err := objstore.Open(ctx, sc, log.With(logx.Component("objstore")))
	if err != nil {
		return nil, err
	}
	return &Stores{
		Object:   st,
		Jobs:     jobs.NewRepo(st, clk, log),
		Settings: settings.NewStore(st, clk),
		Content:  content.NewStore(st, clk, log),
		Inbound:  inbound.NewStore(st, clk, log),
		Markers:  dedup.NewMarkers(st, clk, markerTTL),
	}, nil
}

func (s *Stores) Close() error {
	if s == nil || s.Object == nil {
		return nil
	}
	return errors.Wrap(s.Object.Close(), "close object store")
}

// LoadStores loads the config file at path and opens its stores. The
// returned config has passed validation.
func LoadStores(ctx context.Context, path string, log logx.Logger) (*config.Config, *Stores, error) {
	cfg, err := config.NewConfigManager(path).Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, nil, err
	}
	st, err := OpenStores(ctx, cfg, clock.Real{}, log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
