package objstore

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	logx "postpilot/pkg/logx"
)

// Open initializes the configured backend. An empty driver means memory.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Versioned, error) {
	log = log.OrNop()
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))

	var (
		st  Versioned
		err error
	)
	switch driver {
	case "", "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(ctx, cfg, log)
	case "mongodb", "mongo":
		st, err = openMongo(ctx, cfg, log)
	case "s3":
		st, err = openS3(ctx, cfg, log)
	default:
		return nil, errors.Newf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", driver)
	}
	log.Info("object store opened", logx.String("driver", driverName(driver)))
	return st, nil
}

func driverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}
