package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jensholdgaard/cricket-auction/internal/clock"
	"github.com/jensholdgaard/cricket-auction/internal/health"
)

var (
	epoch = time.Date(2024, 3, 22, 18, 30, 0, 0, time.UTC)
	ok    = func(context.Context) error { return nil }
	down  = func(context.Context) error { return errors.New("connection refused") }
)

func serve(t *testing.T, hf http.HandlerFunc, path string) (int, health.Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	hf.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var rep health.Report
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
	return rec.Code, rep
}

func TestLiveness(t *testing.T) {
	h := health.NewHandler(clock.NewMock(epoch), health.Checker{Name: "database", Check: down})

	code, rep := serve(t, h.LivenessHandler(), "/healthz")
	if code != http.StatusOK || rep.Status != health.StatusOK {
		t.Fatalf("liveness = %d %q, want 200 %q", code, rep.Status, health.StatusOK)
	}
	if !rep.Time.Equal(epoch) {
		t.Errorf("time = %v, want %v", rep.Time, epoch)
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		name       string
		ready      bool
		checkers   []health.Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "starting up",
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusNotReady,
		},
		{
			name:       "no checkers",
			ready:      true,
			wantCode:   http.StatusOK,
			wantStatus: health.StatusReady,
		},
		{
			name:  "database and realtime up",
			ready: true,
			checkers: []health.Checker{
				{Name: "database", Check: ok},
				{Name: "realtime", Check: ok, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusReady,
			wantChecks: map[string]string{"database": health.StatusOK, "realtime": health.StatusOK},
		},
		{
			name:       "database down",
			ready:      true,
			checkers:   []health.Checker{{Name: "database", Check: down}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusNotReady,
			wantChecks: map[string]string{"database": health.StatusFailed},
		},
		{
			name:  "realtime offline",
			ready: true,
			checkers: []health.Checker{
				{Name: "database", Check: ok},
				{Name: "realtime", Check: down, Optional: true},
			},
			wantCode:   http.StatusOK,
			wantStatus: health.StatusDegraded,
			wantChecks: map[string]string{"database": health.StatusOK, "realtime": health.StatusDegraded},
		},
		{
			name:  "required failure outranks degraded",
			ready: true,
			checkers: []health.Checker{
				{Name: "database", Check: down},
				{Name: "realtime", Check: down, Optional: true},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: health.StatusNotReady,
			wantChecks: map[string]string{"database": health.StatusFailed, "realtime": health.StatusDegraded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := health.NewHandler(clock.Real{}, tt.checkers...)
			h.SetReady(tt.ready)

			code, rep := serve(t, h.ReadinessHandler(), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if rep.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", rep.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				got, found := rep.Checks[name]
				if !found {
					t.Errorf("check %q missing", name)
					continue
				}
				if got.Status != want {
					t.Errorf("check %q = %q, want %q", name, got.Status, want)
				}
				if want != health.StatusOK && got.Error == "" {
					t.Errorf("check %q has no error text", name)
				}
			}
		})
	}
}

func TestReadiness_ShutdownClearsReady(t *testing.T) {
	h := health.NewHandler(clock.Real{}, health.Checker{Name: "database", Check: ok})
	h.SetReady(true)
	if code, _ := serve(t, h.ReadinessHandler(), "/readyz"); code != http.StatusOK {
		t.Fatalf("code = %d, want 200", code)
	}
	h.SetReady(false)
	if code, _ := serve(t, h.ReadinessHandler(), "/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", code)
	}
}
