package inbound

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postpilot/internal/clock"
	"postpilot/internal/jobs"
	"postpilot/internal/objstore"
	logx "postpilot/pkg/logx"
)

func TestAddListResolve(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	s := NewStore(objstore.NewMemory(), clk, logx.Nop())
	ctx := context.Background()

	e := &Event{Owner: "acme", Platform: jobs.Telegram, AuthorID: "u1", Text: "hi", TargetRemoteID: "1:2"}
	require.NoError(t, s.Add(ctx, e))
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, KindMessage, e.Kind)
	assert.Equal(t, clk.Now(), e.ReceivedAt)

	list, err := s.List(ctx, jobs.Telegram, "acme")
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Error(t, s.MarkResolved(ctx, list[0], StatusPending, ""))
	require.NoError(t, s.MarkResolved(ctx, list[0], StatusAIHandled, "1:3"))

	got, err := s.Get(ctx, jobs.Telegram, "acme", e.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Resolved())
	assert.Equal(t, "1:3", got.ReplyRemoteID)
}
