package idempotency

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alecgard/tollgate/internal/cache"
)

func newStore(t *testing.T) (*Store, *cache.Memory) {
	t.Helper()
	c := cache.NewMemory()
	return NewStore(c, cache.Keys{Prefix: "t:"}, 2*time.Minute, 24*time.Hour), c
}

func TestBeginAdmitsThenBlocksDuplicate(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	out, resp, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)
	assert.Nil(t, resp)

	out, _, err = s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, InFlight, out)

	out, _, err = s.Begin(ctx, "a2", "tok")
	require.NoError(t, err)
	assert.Equal(t, Admitted, out, "tokens are scoped per agent")
}

func TestCompleteThenReplay(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)

	stored := Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"id":"chatcmpl-1"}`),
	}
	require.NoError(t, s.Complete(ctx, "a1", "tok", stored))
	assert.Equal(t, 24*time.Hour, c.TTL("t:idem:a1:tok").Round(time.Hour))

	out, resp, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, Replay, out)
	require.NotNil(t, resp)
	assert.Equal(t, stored, *resp)
}

func TestReleaseAllowsRetry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	_, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, "a1", "tok"))

	out, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)
}

func TestMarkerExpires(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	now := time.Now()
	c.SetClock(func() time.Time { return now })

	_, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)

	now = now.Add(3 * time.Minute)
	out, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)
}

func TestCorruptRecordIsReplaced(t *testing.T) {
	s, c := newStore(t)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "t:idem:a1:tok", "{not json", time.Hour))

	out, _, err := s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, Admitted, out)

	out, _, err = s.Begin(ctx, "a1", "tok")
	require.NoError(t, err)
	assert.Equal(t, InFlight, out)
}

func TestConcurrentBeginAdmitsOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	s := NewStore(cache.NewRedis(client, cache.RetryPolicy{MaxAttempts: 1}), cache.Keys{Prefix: "t:"}, time.Minute, time.Hour)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, _, err := s.Begin(context.Background(), "a1", "tok")
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			if out == Admitted {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, admitted)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "admitted", Admitted.String())
	assert.Equal(t, "replay", Replay.String())
	assert.Equal(t, "in_flight", InFlight.String())
}
