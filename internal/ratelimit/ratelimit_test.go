package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/config"
	"github.com/jensholdgaard/cricket-auction/internal/ratelimit"
)

var t0 = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

func TestMemory_BurstThenRefill(t *testing.T) {
	clk := clock.NewMock(t0)
	m := ratelimit.NewMemory(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 3}, clk)

	for i := range 3 {
		require.True(t, m.Allow("user:a"), "request %d", i)
	}
	require.False(t, m.Allow("user:a"))

	// Keys are independent.
	require.True(t, m.Allow("user:b"))

	clk.Advance(time.Second)
	require.True(t, m.Allow("user:a"))
	require.False(t, m.Allow("user:a"))
}

func TestMemory_DropsIdleBuckets(t *testing.T) {
	clk := clock.NewMock(t0)
	m := ratelimit.NewMemory(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1}, clk)

	m.Allow("a")
	m.Allow("b")
	require.Equal(t, 2, m.Len())

	clk.Advance(11 * time.Minute)
	m.Allow("c")
	require.Equal(t, 1, m.Len())
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.1"}, "10.0.0.2:5000", "203.0.113.7"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.4"}, "10.0.0.2:5000", "198.51.100.4"},
		{"garbage header falls through", map[string]string{"X-Forwarded-For": "nope"}, "192.0.2.1:443", "192.0.2.1"},
		{"remote only", nil, "[2001:db8::1]:8080", "2001:db8::1"},
		{"nothing usable", nil, "pipe", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			require.Equal(t, tt.want, ratelimit.ClientIP(r))
		})
	}
}

func TestMiddleware(t *testing.T) {
	m := ratelimit.NewMemory(config.RateLimitConfig{RequestsPerMinute: 1, Burst: 1}, clock.NewMock(t0))
	h := ratelimit.Middleware(m, ratelimit.ClientIP)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func() int {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		h.ServeHTTP(rec, r)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, do())
	require.Equal(t, http.StatusTooManyRequests, do())
}
