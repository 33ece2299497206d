package httpapi

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestLoggingMiddlewareAssignsRequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromRequest(r)
		loggerFromContext(r.Context()).Info("inside")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
	resp := httptest.NewRecorder()
	LoggingMiddleware(logger, next).ServeHTTP(resp, req)

	if seen == "" {
		t.Fatalf("expected generated request id")
	}
	if resp.Header().Get("X-Request-ID") != seen {
		t.Fatalf("expected response header %q, got %q", seen, resp.Header().Get("X-Request-ID"))
	}
}

func TestLoggingMiddlewareKeepsCallerRequestID(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-1")
	resp := httptest.NewRecorder()
	LoggingMiddleware(logger, okHandler()).ServeHTTP(resp, req)

	if resp.Header().Get("X-Request-ID") != "caller-1" {
		t.Fatalf("expected caller request id, got %q", resp.Header().Get("X-Request-ID"))
	}
}

func TestRateLimiterPerIP(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1, WorkerPerMinute: 100, WorkerBurst: 100})
	handler := limiter.Middleware(okHandler())

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/api/queue", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, resp.Code)
		}
	}
}

func TestRateLimiterPerWorkerFromBody(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 100, IPBurst: 100, WorkerPerMinute: 1, WorkerBurst: 1})

	var bodies []string
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(raw))
		w.WriteHeader(http.StatusOK)
	}))

	payload := `{"worker_id":"w-1"}`
	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/holdings/next", bytes.NewReader([]byte(payload)))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.0.0.2:5000"
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != want {
			t.Fatalf("request %d: expected status %d, got %d", i, want, resp.Code)
		}
	}
	if len(bodies) != 1 || bodies[0] != payload {
		t.Fatalf("expected body to be replayed to the handler, got %v", bodies)
	}
}

func TestRateLimiterSkipsPublicEndpoints(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{IPPerMinute: 1, IPBurst: 1})
	handler := limiter.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("expected health checks to bypass limiter, got %d", resp.Code)
		}
	}
}
