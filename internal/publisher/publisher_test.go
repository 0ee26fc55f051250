package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/jobs"
)

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{errors.New("boom"), KindUnknown},
		{context.DeadlineExceeded, KindUnknown},
		{Fail(KindAuthExpired, "token revoked"), KindAuthExpired},
		{errors.Wrap(Fail(KindContentRejected, "too long"), "publish"), KindContentRejected},
		{RateLimited("slow down", 30*time.Second), KindRateLimited},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
	assert.Equal(t, 30*time.Second, RetryAfterOf(errors.Wrap(RateLimited("x", 30*time.Second), "ctx")))
	assert.True(t, KindAuthExpired.Manual())
	assert.True(t, KindPlatformUnsupported.Manual())
	assert.False(t, KindRateLimited.Manual())
}

func TestRegistryFallsBackToUnsupported(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.Get(jobs.LinkedIn).Publish(context.Background(), Credentials{}, Content{})
	assert.Equal(t, KindPlatformUnsupported, KindOf(err))
}

func TestStaticResolver(t *testing.T) {
	t.Parallel()
	r := NewStaticResolver([]Credentials{{Platform: jobs.Telegram, Owner: "acme", ChannelID: "-100"}})
	c, err := r.Resolve(context.Background(), jobs.Telegram, "acme")
	require.NoError(t, err)
	assert.Equal(t, "-100", c.ChannelID)

	_, err = r.Resolve(context.Background(), jobs.Telegram, "ghost")
	assert.Equal(t, KindAuthExpired, KindOf(err))
}

type countingAdapter struct{ n int }

func (c *countingAdapter) Publish(context.Context, Credentials, Content) (Result, error) {
	c.n++
	return Result{RemoteID: "r"}, nil
}

func (c *countingAdapter) Reply(context.Context, Credentials, string, string) (Result, error) {
	c.n++
	return Result{RemoteID: "r"}, nil
}

func TestPacedCancelledContextIsRateLimited(t *testing.T) {
	t.Parallel()
	inner := &countingAdapter{}
	p := NewPaced(inner, 1)
	_, err := p.Publish(context.Background(), Credentials{}, Content{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Publish(ctx, Credentials{}, Content{})
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, 1, inner.n)

	assert.Same(t, inner, NewPaced(inner, 0))
}
