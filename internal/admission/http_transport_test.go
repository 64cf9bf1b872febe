package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type httpFixture struct {
	handler   http.Handler
	admission *AdmissionHandler
	admin     *AdminHandler
	rules     *RuleSet
	burst     *BurstManager
	ready     bool
}

func newHTTPFixture(t *testing.T, opts ...HTTPTransportOption) *httpFixture {
	t.Helper()
	f := &httpFixture{ready: true}

	clock := newFakeClock()
	store := NewMemoryCounterStore(clock.Now)
	f.rules = NewRuleSet()
	require.NoError(t, f.rules.ReplaceAll([]*Rule{minuteRule("user-rpm", ScopeUser, 2)}))
	adjust := NewAdjustmentSet()
	f.burst = NewBurstManager(BurstOptions{}, adjust, nil, nil, "local", zap.NewNop())
	f.burst.SetClock(clock.Now)

	f.admission = NewAdmissionHandler(f.rules, NewKeyBuilder(), store, NewCircuitBreaker(CircuitOptions{}),
		NewFallbackLimiter(FallbackPolicy{Behavior: FailClosed}, nil), adjust, nil, f.burst, nil,
		NewInMemoryMetrics(), "local", zap.NewNop())
	f.admission.SetClock(clock.Now)
	f.admin = NewAdminHandler(f.rules, NewTierTable(), nil, "", f.burst, nil)

	transport := NewHTTPTransport(":0", func() bool { return f.ready }, opts...)
	require.NoError(t, transport.ServeAdmission(f.admission))
	require.NoError(t, transport.ServeAdmin(f.admin))

	mux, err := transport.Handler()
	require.NoError(t, err)
	f.handler = mux
	return f
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	for key, values := range header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHTTPCheck_AllowsAndDenies(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)
	payload := httpCheckRequest{Principal: "alice", Endpoint: "/v1/orders", Cost: 1, Priority: "high"}

	rec := postJSON(t, f.handler, "/v1/admission/check", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "60", rec.Header().Get("X-RateLimit-Window"))

	var resp httpCheckResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Allowed)
	require.Equal(t, int64(1), resp.Remaining)

	postJSON(t, f.handler, "/v1/admission/check", payload, nil)
	rec = postJSON(t, f.handler, "/v1/admission/check", payload, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Allowed)
	require.Equal(t, ReasonRuleRejected, resp.Reason)
	require.Equal(t, "user-rpm", resp.RuleID)
	require.Positive(t, resp.RetryAfter)
}

func TestHTTPCheck_RejectsBadPayloads(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)

	rec := postJSON(t, f.handler, "/v1/admission/check", httpCheckRequest{Endpoint: "/x", Cost: 1}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, f.handler, "/v1/admission/check", map[string]any{
		"principal": "alice", "endpoint": "/x", "cost": 1, "color": "red",
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admission/check", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPAdmin_RequiresBearerToken(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t, WithHTTPAdminAuth("s3cret"))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Unauthenticated checks still pass; auth guards only admin routes.
	rec = postJSON(t, f.handler, "/v1/admission/check", httpCheckRequest{Principal: "alice", Endpoint: "/x", Cost: 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAdmin_ReplaceRules(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)

	payload := []httpRuleRequest{
		{ID: "tight", Scope: "user", Algorithm: "fixed_window", Limit: 1, Window: "30s"},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPut, "/v1/admin/rules", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/admin/rules", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listed []httpRuleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, "tight", listed[0].ID)
	require.Equal(t, "30s", listed[0].Window)
	require.Equal(t, int64(2), listed[0].Version)

	// A bad payload is rejected wholesale and the set is untouched.
	payload[0].Window = "eventually"
	body, err = json.Marshal(payload)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPut, "/v1/admin/rules", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Len(t, f.rules.List(), 1)
}

func TestHTTPAdmin_BurstAckConflict(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)

	rec := postJSON(t, f.handler, "/v1/admin/burst/ack", struct{}{}, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	f.burst.mu.Lock()
	f.burst.severity = SeverityMajor
	f.burst.mu.Unlock()
	rec = postJSON(t, f.handler, "/v1/admin/burst/ack", struct{}{}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, SeverityNone, f.burst.Severity())
}

func TestHTTPOperationalEndpoints(t *testing.T) {
	t.Parallel()
	mode := ModeDegraded
	f := newHTTPFixture(t, WithHTTPMode(func() OperatingMode { return mode }), WithHTTPMetrics(NewInMemoryMetrics()))

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusOK, get("/healthz").Code)
	require.Equal(t, http.StatusOK, get("/readyz").Code)
	require.Equal(t, http.StatusOK, get("/metrics").Code)

	rec := get("/mode")
	require.Equal(t, http.StatusOK, rec.Code)
	var modeResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &modeResp))
	require.Equal(t, "degraded", modeResp["mode"])

	f.ready = false
	require.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
}

type stubAdmissionService struct {
	fn func(context.Context, *CheckRequest) (*Decision, error)
}

func (s stubAdmissionService) CheckAdmission(ctx context.Context, req *CheckRequest) (*Decision, error) {
	return s.fn(ctx, req)
}

func TestHTTPTransport_AppliesConfiguredTimeouts(t *testing.T) {
	t.Parallel()

	var hasDeadline bool
	stub := stubAdmissionService{fn: func(ctx context.Context, _ *CheckRequest) (*Decision, error) {
		_, hasDeadline = ctx.Deadline()
		return &Decision{Allowed: true, Limit: 10, Remaining: 9}, nil
	}}
	transport := NewHTTPTransport(":0", func() bool { return true },
		WithHTTPTimeouts(5*time.Second, 10*time.Second, time.Minute),
		WithHTTPRequestTimeout(250*time.Millisecond))
	require.NoError(t, transport.ServeAdmission(stub))
	require.NoError(t, transport.ServeAdmin(NewAdminHandler(NewRuleSet(), NewTierTable(), nil, "", nil, nil)))

	handler, err := transport.Handler()
	require.NoError(t, err)
	rec := postJSON(t, handler, "/v1/admission/check", httpCheckRequest{Principal: "alice", Endpoint: "/x", Cost: 1}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, hasDeadline, "admission call should see the request deadline")

	require.Equal(t, 5*time.Second, transport.readTimeout)
	require.Equal(t, 10*time.Second, transport.writeTimeout)
	require.Equal(t, time.Minute, transport.idleTimeout)
}

func TestHTTPTransport_RequiresRegisteredServices(t *testing.T) {
	t.Parallel()
	transport := NewHTTPTransport(":0", nil)
	_, err := transport.Handler()
	require.Error(t, err)
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapped := Middleware(MiddlewareOptions{Service: f.admission, AddHeaders: true})(next)

	call := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
		req.Header.Set("X-Principal", "alice")
		req.RemoteAddr = "192.0.2.50:41234"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	rec := call()
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	call()
	rec = call()
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMiddleware_MapperSkipsRequests(t *testing.T) {
	t.Parallel()
	f := newHTTPFixture(t)

	mapper := func(r *http.Request) *CheckRequest {
		if r.URL.Path == "/static/logo.png" {
			return nil
		}
		return DefaultRequestMapper("", false)(r)
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapped := Middleware(MiddlewareOptions{Service: f.admission, Mapper: mapper})(next)

	// Skipped paths bypass admission entirely, regardless of budget.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/static/logo.png", nil)
		req.RemoteAddr = "192.0.2.50:41234"
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestDefaultRequestMapper_ClientAddress(t *testing.T) {
	t.Parallel()
	mapper := DefaultRequestMapper("", true)

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.RemoteAddr = "192.0.2.50:41234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	checkReq := mapper(req)
	require.Equal(t, "203.0.113.9", checkReq.ClientIP)
	require.Equal(t, "203.0.113.9", checkReq.Principal)
	require.Equal(t, int64(1), checkReq.Cost)

	untrusted := DefaultRequestMapper("", false)
	checkReq = untrusted(req)
	require.Equal(t, "192.0.2.50", checkReq.ClientIP)

	req.Header.Set("X-Principal", " alice ")
	checkReq = untrusted(req)
	require.Equal(t, "alice", checkReq.Principal)
}

func TestDefaultRequestMapper_CostAndPriorityHints(t *testing.T) {
	t.Parallel()
	mapper := DefaultRequestMapper("", false)

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	req.RemoteAddr = "192.0.2.50:41234"
	req.Header.Set("X-Request-Cost", "5")
	req.Header.Set("X-Request-Priority", "low")
	checkReq := mapper(req)
	require.Equal(t, int64(5), checkReq.Cost)
	require.Equal(t, "low", checkReq.Priority)

	// Garbage and non-positive declared costs fall back to 1.
	for _, declared := range []string{"zero", "-3", "0"} {
		req.Header.Set("X-Request-Cost", declared)
		require.Equal(t, int64(1), mapper(req).Cost)
	}
}
