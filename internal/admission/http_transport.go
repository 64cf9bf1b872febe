// Package admission provides an HTTP transport.
package admission

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPTransport serves the Admission and Admin APIs over HTTP.
type HTTPTransport struct {
	addr           string
	srv            *http.Server
	admission      AdmissionService
	admin          AdminService
	appReady       func() bool
	metrics        *InMemoryMetrics
	mode           func() OperatingMode
	logger         *zap.Logger
	region         string
	maxBodyBytes   int64
	enableAuth     bool
	adminToken     string
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration
	requestTimeout time.Duration
	mux            http.Handler
	mu             sync.Mutex
}

// HTTPTransportOption configures the transport.
type HTTPTransportOption func(*HTTPTransport)

// WithHTTPMetrics attaches the metrics sink exposed on /metrics.
func WithHTTPMetrics(metrics *InMemoryMetrics) HTTPTransportOption {
	return func(t *HTTPTransport) { t.metrics = metrics }
}

// WithHTTPMode attaches the operating mode source exposed on /mode.
func WithHTTPMode(mode func() OperatingMode) HTTPTransportOption {
	return func(t *HTTPTransport) { t.mode = mode }
}

// WithHTTPLogger attaches the request error logger.
func WithHTTPLogger(logger *zap.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) { t.logger = logger }
}

// WithHTTPRegion sets the region label used in latency metrics.
func WithHTTPRegion(region string) HTTPTransportOption {
	return func(t *HTTPTransport) { t.region = region }
}

// WithHTTPMaxBodyBytes caps request body size.
func WithHTTPMaxBodyBytes(n int64) HTTPTransportOption {
	return func(t *HTTPTransport) { t.maxBodyBytes = n }
}

// WithHTTPTimeouts sets the server's read, write, and idle timeouts.
func WithHTTPTimeouts(read, write, idle time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.readTimeout = read
		t.writeTimeout = write
		t.idleTimeout = idle
	}
}

// WithHTTPRequestTimeout bounds each request's context deadline.
func WithHTTPRequestTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) { t.requestTimeout = d }
}

// WithHTTPAdminAuth enables bearer-token auth on admin routes.
func WithHTTPAdminAuth(token string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.enableAuth = true
		t.adminToken = token
	}
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool, opts ...HTTPTransportOption) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	t := &HTTPTransport{addr: addr, appReady: ready}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

// ServeAdmission registers the admission service.
func (t *HTTPTransport) ServeAdmission(service AdmissionService) error {
	if service == nil {
		return errors.New("admission service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admission = service
	return nil
}

// ServeAdmin registers the admin service.
func (t *HTTPTransport) ServeAdmin(service AdminService) error {
	if service == nil {
		return errors.New("admin service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admin = service
	return nil
}

// Start begins serving HTTP requests.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.admission == nil || t.admin == nil {
		return nil, errors.New("services must be registered before starting")
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	var handler http.Handler = mux
	if t.requestTimeout > 0 {
		handler = withRequestDeadline(handler, t.requestTimeout)
	}
	t.mux = handler
	return handler, nil
}

// withRequestDeadline bounds each request's context so store round trips
// cannot outlive the caller's patience.
func withRequestDeadline(next http.Handler, d time.Duration) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
