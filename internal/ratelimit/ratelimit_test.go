package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeClock is a controllable time source for deterministic tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
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

// newTestLimiter creates a Limiter wired to the given fake clock.
func newTestLimiter(rate int, window time.Duration, clock *fakeClock) *Limiter {
	l := New(rate, window)
	l.now = clock.Now
	return l
}

func TestTakeBasic(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(3, time.Minute, clock)

	for i := 0; i < 3; i++ {
		res := l.Take("10.0.0.1")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d: remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
	}

	res := l.Take("10.0.0.1")
	if res.Allowed {
		t.Fatal("4th request should be denied")
	}
	// 3 per minute is one token every 20 seconds.
	if res.RetryAfter != 20*time.Second {
		t.Errorf("retry after = %v, want 20s", res.RetryAfter)
	}
}

func TestTakeDifferentKeys(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(1, time.Minute, clock)

	if !l.Take("a").Allowed {
		t.Fatal("first request for key 'a' should be allowed")
	}
	if l.Take("a").Allowed {
		t.Fatal("second request for key 'a' should be denied")
	}
	if !l.Take("b").Allowed {
		t.Fatal("first request for key 'b' should be allowed")
	}
}

func TestTokenRefill(t *testing.T) {
	clock := newFakeClock(time.Now())
	// 60 tokens per minute = 1 token per second.
	l := newTestLimiter(60, time.Minute, clock)

	for i := 0; i < 60; i++ {
		l.Take("k")
	}
	if l.Take("k").Allowed {
		t.Fatal("should be denied after exhausting tokens")
	}

	clock.Advance(1 * time.Second)
	if !l.Take("k").Allowed {
		t.Fatal("should be allowed after 1 second refill")
	}
	if l.Take("k").Allowed {
		t.Fatal("should be denied again after consuming refilled token")
	}

	clock.Advance(5 * time.Second)
	for i := 0; i < 5; i++ {
		if !l.Take("k").Allowed {
			t.Fatalf("request %d should be allowed after 5s refill", i+1)
		}
	}
	if l.Take("k").Allowed {
		t.Fatal("should be denied after consuming 5 refilled tokens")
	}
}

func TestTokenRefillCap(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(5, time.Minute, clock)

	l.Take("k")
	l.Take("k")

	clock.Advance(10 * time.Minute)

	// Capped at 5, minus the token this call consumes.
	if res := l.Take("k"); res.Remaining != 4 {
		t.Fatalf("remaining should be 4, got %d", res.Remaining)
	}
}

func TestResetAt(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	var res Result
	for i := 0; i < 3; i++ {
		res = l.Take("s")
	}
	if res.Limit != 10 || res.Remaining != 7 {
		t.Fatalf("limit/remaining = %d/%d, want 10/7", res.Limit, res.Remaining)
	}
	// 3 tokens at 10/min = 18 seconds to full.
	if want := clock.Now().Add(18 * time.Second); !res.ResetAt.Equal(want) {
		t.Errorf("reset at %v, want %v", res.ResetAt, want)
	}
}

func TestConcurrentAccess(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(100, time.Minute, clock)

	var wg sync.WaitGroup
	allowed := make(chan bool, 200)

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- l.Take("concurrent").Allowed
		}()
	}

	wg.Wait()
	close(allowed)

	count := 0
	for ok := range allowed {
		if ok {
			count++
		}
	}
	if count != 100 {
		t.Fatalf("expected exactly 100 allowed, got %d", count)
	}
}

func TestPrune(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(10, time.Minute, clock)

	l.Take("idle")
	clock.Advance(2 * time.Minute)
	for i := 0; i < 10; i++ {
		l.Take("busy")
	}

	if n := l.Prune(time.Minute); n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if l.Len() != 1 {
		t.Fatalf("len = %d, want 1", l.Len())
	}
	// The drained bucket survives, so its quota is not reset.
	if l.Take("busy").Allowed {
		t.Error("busy bucket should still be exhausted")
	}
}

func TestMiddleware(t *testing.T) {
	clock := newFakeClock(time.Now())
	l := newTestLimiter(2, time.Minute, clock)
	rejected := 0

	h := Middleware(l, ClientIP, func() { rejected++ })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/track", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		rr := do("192.0.2.1:1234")
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d, want 200", i+1, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "2" {
			t.Errorf("X-RateLimit-Limit = %q", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	// Same IP, different port shares the bucket.
	rr := do("192.0.2.1:5678")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", rr.Header().Get("X-RateLimit-Remaining"))
	}
	if rr.Header().Get("Retry-After") != "30" {
		t.Errorf("Retry-After = %q, want 30", rr.Header().Get("Retry-After"))
	}
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error.Code != "rate_limited" {
		t.Errorf("code = %q, want rate_limited", body.Error.Code)
	}
	if rejected != 1 {
		t.Errorf("onReject called %d times, want 1", rejected)
	}

	if rr := do("192.0.2.2:1234"); rr.Code != http.StatusOK {
		t.Errorf("other IP: status %d, want 200", rr.Code)
	}
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	l := New(0, time.Minute)
	h := Middleware(l, func(*http.Request) string { return "" }, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusNoContent {
		t.Errorf("status %d, want 204", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Error("rate-limit headers set for skipped request")
	}
}
