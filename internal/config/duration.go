package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "%s: invalid duration %q", path, raw)
	}
	if d < 0 {
		return 0, errors.Newf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Durations accumulates the first parse error so mapping code can read many
// fields in a row and check Err once.
type Durations struct{ err error }

func (p *Durations) Get(path, raw string, def time.Duration) time.Duration {
	if p.err != nil {
		return def
	}
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		p.err = err
		return def
	}
	return d
}

func (p *Durations) Err() error { return p.err }
