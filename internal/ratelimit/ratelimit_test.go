package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(rate int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(rate, window)
	l.now = clock.Now
	return l, clock
}

func TestAllowExhaustsBucket(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	ok, wait := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("4th request should be denied")
	}
	// 3 per minute refills one token every 20s.
	if wait != 20*time.Second {
		t.Fatalf("wait = %v, want 20s", wait)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("first request for a should be allowed")
	}
	if ok, _ := l.Allow("a"); ok {
		t.Fatal("second request for a should be denied")
	}
	if ok, _ := l.Allow("b"); !ok {
		t.Fatal("first request for b should be allowed")
	}
}

func TestRefill(t *testing.T) {
	l, clock := newTestLimiter(60, time.Minute)

	for i := 0; i < 60; i++ {
		l.Allow("k")
	}
	if ok, _ := l.Allow("k"); ok {
		t.Fatal("should be denied after exhausting tokens")
	}

	clock.Advance(time.Second)
	if ok, _ := l.Allow("k"); !ok {
		t.Fatal("should be allowed after 1s refill")
	}

	clock.Advance(time.Hour)
	if got := l.Remaining("k"); got != 60 {
		t.Fatalf("remaining should cap at 60, got %d", got)
	}
}

func TestDisabledAllowsEverything(t *testing.T) {
	l, _ := newTestLimiter(0, time.Minute)
	for i := 0; i < 1000; i++ {
		if ok, _ := l.Allow("k"); !ok {
			t.Fatal("disabled limiter rejected a request")
		}
	}
	if l.Len() != 0 {
		t.Fatalf("disabled limiter tracked %d keys", l.Len())
	}
}

func TestPruneDropsFullBuckets(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Allow("idle")
	l.Allow("busy")
	l.Allow("busy")

	clock.Advance(30 * time.Second) // one token back each
	if n := l.Prune(); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}

	clock.Advance(time.Minute)
	l.Prune()
	if l.Len() != 0 {
		t.Fatalf("len = %d after full refill, want 0", l.Len())
	}
}

func TestConcurrentAllow(t *testing.T) {
	l, _ := newTestLimiter(50, time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared"); ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Fatalf("allowed %d, want 50", allowed)
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	rejected := 0
	h := Middleware(l, func(r *http.Request) string { return r.RemoteAddr }, func() { rejected++ })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	req := httptest.NewRequest(http.MethodGet, "/admin/agents", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
	if rejected != 1 {
		t.Errorf("onReject called %d times", rejected)
	}
}
