package objstore

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// PutJSON encodes v and writes it under key.
func PutJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return s.Put(ctx, key, b)
}

// GetJSON reads key into v. Missing keys return ErrNotFound.
func GetJSON(ctx context.Context, s Store, key string, v any) (Object, error) {
	obj, err := s.Get(ctx, key)
	if err != nil {
		return Object{}, err
	}
	if err := json.Unmarshal(obj.Data, v); err != nil {
		return obj, errors.Wrapf(err, "decode %s", key)
	}
	return obj, nil
}
