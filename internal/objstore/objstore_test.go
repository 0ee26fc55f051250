package objstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

func backends(t *testing.T) map[string]Versioned {
	t.Helper()
	ctx := context.Background()
	file, err := Open(ctx, Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	sq, err := Open(ctx, Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "objects.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	out := map[string]Versioned{
		"memory": NewMemory(),
		"file":   file,
		"sqlite": sq,
		"s3":     newFakeS3Store(t),
	}
	if mg := openTestMongo(t); mg != nil {
		out["mongodb"] = mg
	}
	return out
}

func TestStoreContract(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := st.Get(ctx, "scheduled/twitter/acme/missing")
			require.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, st.Put(ctx, "scheduled/twitter/acme/b", []byte(`{"n":2}`)))
			require.NoError(t, st.Put(ctx, "scheduled/twitter/acme/a", []byte(`{"n":1}`)))
			require.NoError(t, st.Put(ctx, "scheduled/twitter/zeta/c", []byte(`{"n":3}`)))
			require.NoError(t, st.Put(ctx, "completed/twitter/acme/a", []byte(`{"n":1}`)))

			obj, err := st.Get(ctx, "scheduled/twitter/acme/a")
			require.NoError(t, err)
			assert.JSONEq(t, `{"n":1}`, string(obj.Data))
			assert.NotEmpty(t, obj.Version)

			keys, err := st.List(ctx, "scheduled/twitter/acme/", 0)
			require.NoError(t, err)
			assert.Equal(t, []string{"scheduled/twitter/acme/a", "scheduled/twitter/acme/b"}, keys)

			keys, err = st.List(ctx, "scheduled/", 2)
			require.NoError(t, err)
			assert.Len(t, keys, 2)

			keys, err = st.List(ctx, "scheduled/twitter/", 0)
			require.NoError(t, err)
			assert.Len(t, keys, 3)

			require.NoError(t, st.Delete(ctx, "scheduled/twitter/acme/b"))
			require.NoError(t, st.Delete(ctx, "scheduled/twitter/acme/b"), "deleting a missing key is not an error")
			_, err = st.Get(ctx, "scheduled/twitter/acme/b")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestPutIfVersion(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "scheduled/instagram/acme/j1"

			v1, err := st.PutIfVersion(ctx, key, []byte(`{"status":"scheduled"}`), "")
			require.NoError(t, err)

			_, err = st.PutIfVersion(ctx, key, []byte(`{"status":"scheduled"}`), "")
			require.ErrorIs(t, err, ErrVersionConflict, "create-only write must fail on an existing key")

			v2, err := st.PutIfVersion(ctx, key, []byte(`{"status":"processing","claim":"x"}`), v1)
			require.NoError(t, err)
			assert.NotEqual(t, v1, v2)

			_, err = st.PutIfVersion(ctx, key, []byte(`{"status":"processing","claim":"y"}`), v1)
			require.ErrorIs(t, err, ErrVersionConflict, "stale version must lose")

			obj, err := st.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, v2, obj.Version)

			_, err = st.PutIfVersion(ctx, "scheduled/instagram/acme/none", []byte(`{}`), v2)
			require.ErrorIs(t, err, ErrVersionConflict)
		})
	}
}

func TestPutIfVersionSingleWinner(t *testing.T) {
	for name, st := range backends(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := "scheduled/facebook/acme/race"
			v, err := st.PutIfVersion(ctx, key, []byte(`{"status":"scheduled"}`), "")
			require.NoError(t, err)

			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := st.PutIfVersion(ctx, key, []byte{byte('0' + i)}, v)
					if err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
						return
					}
					assert.True(t, errors.Is(err, ErrVersionConflict), "unexpected error: %v", err)
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestFileStoreRejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "file", Path: t.TempDir()}, logx.Nop())
	require.NoError(t, err)
	require.Error(t, st.Put(context.Background(), "../outside", []byte("x")))
	require.Error(t, st.Put(context.Background(), "a//b", []byte("x")))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "redis"}, logx.Nop())
	require.Error(t, err)
}

func TestUnavailableIsMarked(t *testing.T) {
	t.Parallel()
	err := Unavailable(errors.New("disk gone"), "read")
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "disk gone")
	assert.NoError(t, Unavailable(nil, "read"))
}
