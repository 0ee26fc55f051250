package objstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "postpilot/pkg/logx"
)

const mongoURIEnv = "POSTPILOT_MONGO_URI"

// openTestMongo opens a throwaway collection on the server named by
// POSTPILOT_MONGO_URI, or returns nil when it is unset.
func openTestMongo(t *testing.T) Versioned {
	t.Helper()
	uri := os.Getenv(mongoURIEnv)
	if uri == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coll := fmt.Sprintf("objects_%d", time.Now().UnixNano())
	st, err := Open(ctx, Config{Driver: "mongodb", URI: uri, Database: "postpilot_test", Collection: coll}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		if ms, ok := st.(*mongoStore); ok {
			_ = ms.coll.Drop(context.Background())
		}
		_ = st.Close()
	})
	return st
}

func TestMongoVersionsCountUp(t *testing.T) {
	st := openTestMongo(t)
	if st == nil {
		t.Skipf("%s not set", mongoURIEnv)
	}
	ctx := context.Background()
	key := "scheduled/twitter/acme/j1"

	v1, err := st.PutIfVersion(ctx, key, []byte(`{"status":"scheduled"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "1", v1)

	_, err = st.PutIfVersion(ctx, key, []byte(`{}`), "not-a-number")
	require.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, st.Put(ctx, key, []byte(`{"status":"processing"}`)))
	obj, err := st.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "2", obj.Version, "plain writes bump the version too")

	_, err = st.PutIfVersion(ctx, key, []byte(`{}`), v1)
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestOpenMongoRequiresURI(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "mongodb"}, logx.Nop())
	require.Error(t, err)
}
