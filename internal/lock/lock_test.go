package lock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"postpilot/internal/clock"
)

func TestTryAcquireExcludes(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(10*time.Minute, clk)

	assert.True(t, s.TryAcquire(KindSchedule, "twitter", "acme"))
	assert.False(t, s.TryAcquire(KindSchedule, "twitter", "acme"))
	assert.True(t, s.TryAcquire(KindReply, "twitter", "acme"), "kinds are independent")
	assert.True(t, s.TryAcquire(KindSchedule, "twitter", "other"), "owners are independent")

	s.Release(KindSchedule, "twitter", "acme")
	assert.True(t, s.TryAcquire(KindSchedule, "twitter", "acme"))
}

func TestAbandonedEntryExpires(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(10*time.Minute, clk)

	assert.True(t, s.TryAcquire(KindSchedule, "instagram", "acme"))
	clk.Advance(9 * time.Minute)
	assert.False(t, s.TryAcquire(KindSchedule, "instagram", "acme"))
	assert.Equal(t, 0, s.Sweep())

	clk.Advance(time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.TryAcquire(KindSchedule, "instagram", "acme"))
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	t.Parallel()
	s := New(time.Minute, nil)
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TryAcquire(KindReply, "facebook", "acme") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}
