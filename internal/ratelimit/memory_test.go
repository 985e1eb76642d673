package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestLimiter(rate float64, burst int) (*MemoryLimiter, *fakeNow) {
	clk := &fakeNow{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rate, burst, clk.now), clk
}

func allow(t *testing.T, m *MemoryLimiter, key string) bool {
	t.Helper()
	ok, err := m.Allow(context.Background(), key)
	require.NoError(t, err)
	return ok
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(1, 3)
	for i := range 3 {
		assert.True(t, allow(t, m, "k"), "request %d within burst", i)
	}
	assert.False(t, allow(t, m, "k"))
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clk := newTestLimiter(2, 1)
	assert.True(t, allow(t, m, "k"))
	assert.False(t, allow(t, m, "k"))

	clk.advance(500 * time.Millisecond)
	assert.True(t, allow(t, m, "k"))
	assert.False(t, allow(t, m, "k"))
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m, clk := newTestLimiter(100, 2)
	assert.True(t, allow(t, m, "k"))
	clk.advance(time.Hour)
	assert.True(t, allow(t, m, "k"))
	assert.True(t, allow(t, m, "k"))
	assert.False(t, allow(t, m, "k"))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(1, 1)
	assert.True(t, allow(t, m, "a"))
	assert.False(t, allow(t, m, "a"))
	assert.True(t, allow(t, m, "b"))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestLimiter(0, 50)
	var allowed atomic.Int32
	var wg sync.WaitGroup
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Allow(context.Background(), "k"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(50), allowed.Load())
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, clk := newTestLimiter(1, 1)
	allow(t, m, "old")
	clk.advance(staleAfter + time.Second)
	allow(t, m, "fresh")
	m.evictStale()
	assert.Equal(t, 1, m.Len())
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	m, _ := newTestLimiter(0, 1)
	mw := Middleware(m, "auth", IPKeyFunc, func(*http.Request) string { return "req-1" }, slog.Default())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/token", nil)
		req.RemoteAddr = "10.0.0.7:51234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	assert.Equal(t, http.StatusNoContent, do().Code)
	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), "RATE_LIMITED")
	assert.Contains(t, rec.Body.String(), "req-1")
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m, _ := newTestLimiter(0, 1)
	mw := Middleware(m, "ingest", func(*http.Request) string { return "" }, nil, slog.Default())
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 10 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "[::1]", IPKeyFunc(req))
}
