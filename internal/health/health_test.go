package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func readyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	t.Parallel()
	h := New(Loopback(func(context.Context) bool { return false }))

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	busy := errors.New("backend: stream \"monitor\": device busy")
	tests := []struct {
		name       string
		supported  bool
		captureErr error
		wantStatus int
		wantChecks map[string]string
	}{
		{
			name:       "all pass",
			supported:  true,
			wantStatus: http.StatusOK,
			wantChecks: map[string]string{"loopback": "ok", "capture": "ok"},
		},
		{
			name:       "no loopback device",
			supported:  false,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"loopback": "fail: no loopback capture device", "capture": "ok"},
		},
		{
			name:       "capture failed",
			supported:  true,
			captureErr: busy,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"loopback": "ok", "capture": "fail: " + busy.Error()},
		},
		{
			name:       "both fail",
			supported:  false,
			captureErr: busy,
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: map[string]string{"loopback": "fail: no loopback capture device", "capture": "fail: " + busy.Error()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New(
				Loopback(func(context.Context) bool { return tt.supported }),
				Capture(func() error { return tt.captureErr }),
			)

			code, body := readyz(t, h)
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			wantStatus := "ok"
			if tt.wantStatus != http.StatusOK {
				wantStatus = "fail"
			}
			if body.Status != wantStatus {
				t.Errorf("body status = %q, want %q", body.Status, wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	t.Parallel()
	code, body := readyz(t, New())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got (%d, %q), want (200, ok)", code, body.Status)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	slow := func(ctx context.Context) error {
		started <- struct{}{}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow})

	go func() {
		for range 2 {
			select {
			case <-started:
			case <-time.After(3 * time.Second):
				return
			}
		}
		close(release)
	}()

	code, body := readyz(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want 200 (checks = %v)", code, body.Checks)
	}
}

func TestLoopback_PassesContext(t *testing.T) {
	t.Parallel()
	type key struct{}
	var got any
	c := Loopback(func(ctx context.Context) bool {
		got = ctx.Value(key{})
		return true
	})
	if err := c.Check(context.WithValue(context.Background(), key{}, "v")); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got != "v" {
		t.Errorf("context value = %v, want v", got)
	}
	if c.Name != "loopback" {
		t.Errorf("Name = %q", c.Name)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	t.Parallel()
	h := New(Capture(func() error { return nil }))

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	t.Parallel()
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
