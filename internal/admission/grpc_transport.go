// Package admission provides a gRPC transport.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// The gRPC surface shares the JSON wire schema with the HTTP transport.
// Messages go through a JSON codec instead of generated protobuf stubs,
// so both transports accept the same payloads.
type grpcCheckRequest = httpCheckRequest
type grpcCheckResponse = httpCheckResponse
type grpcRulePayload = httpRuleRequest

type grpcStatusResponse struct {
	Status string `json:"status"`
}

type grpcRulesRequest struct {
	// Rules replaces the whole rule set; nil re-reads the rule source.
	Rules []grpcRulePayload `json:"rules"`
}

type grpcRulesResponse struct {
	Rules []httpRuleResponse `json:"rules"`
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

const (
	grpcAdmissionService = "admission.v1.AdmissionService"
	grpcAdminService     = "admission.v1.AdminService"
	grpcHealthService    = "admission.v1.HealthService"
)

// GRPCTransport serves the Admission and Admin APIs over gRPC.
type GRPCTransport struct {
	addr      string
	lis       net.Listener
	srv       *grpc.Server
	admission AdmissionService
	admin     AdminService
	ready     func() bool
	mode      func() OperatingMode
	cfg       grpcTransportConfig
	mu        sync.Mutex
}

type grpcTransportConfig struct {
	enableAuth bool
	adminToken string
	keepAlive  time.Duration
	metrics    Metrics
	region     string
}

// NewGRPCTransport constructs a transport bound to an address.
func NewGRPCTransport(addr string, ready func() bool, mode func() OperatingMode, cfg grpcTransportConfig) *GRPCTransport {
	if addr == "" {
		addr = ":9090"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	if mode == nil {
		mode = func() OperatingMode { return ModeNormal }
	}
	if cfg.keepAlive <= 0 {
		cfg.keepAlive = 60 * time.Second
	}
	return &GRPCTransport{addr: addr, ready: ready, mode: mode, cfg: cfg}
}

// SetListener overrides the listener, for in-process transports in tests.
func (t *GRPCTransport) SetListener(lis net.Listener) {
	t.mu.Lock()
	t.lis = lis
	t.mu.Unlock()
}

// ServeAdmission registers the admission service.
func (t *GRPCTransport) ServeAdmission(service AdmissionService) error {
	if service == nil {
		return errors.New("admission service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admission = service
	return nil
}

// ServeAdmin registers the admin service.
func (t *GRPCTransport) ServeAdmin(service AdminService) error {
	if service == nil {
		return errors.New("admin service is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.admin = service
	return nil
}

// Start begins serving gRPC requests.
func (t *GRPCTransport) Start() error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	t.mu.Lock()
	if t.admission == nil || t.admin == nil {
		t.mu.Unlock()
		return errors.New("services must be registered before starting")
	}
	listener := t.lis
	if listener == nil {
		var err error
		listener, err = net.Listen("tcp", t.addr)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.lis = listener
	}
	if t.srv == nil {
		opts := []grpc.ServerOption{
			grpc.ForceServerCodec(jsonCodec{}),
			grpc.ChainUnaryInterceptor(
				grpcAuthInterceptor(t.cfg.enableAuth, t.cfg.adminToken),
				grpcMetricsInterceptor(t.cfg.metrics, t.cfg.region),
			),
			grpc.KeepaliveParams(keepalive.ServerParameters{Time: t.cfg.keepAlive}),
		}
		t.srv = grpc.NewServer(opts...)
		t.srv.RegisterService(&grpcAdmissionServiceDesc, &grpcAdmissionServer{service: t.admission})
		t.srv.RegisterService(&grpcAdminServiceDesc, &grpcAdminServer{service: t.admin})
		t.srv.RegisterService(&grpcHealthServiceDesc, &grpcHealthServer{ready: t.ready, mode: t.mode})
	}
	srv := t.srv
	t.mu.Unlock()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Shutdown stops the gRPC server.
func (t *GRPCTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("grpc transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	listener := t.lis
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		srv.Stop()
		if listener != nil {
			_ = listener.Close()
		}
		return ctx.Err()
	}
	if listener != nil {
		_ = listener.Close()
	}
	return nil
}

type grpcAdmissionServer struct {
	service AdmissionService
}

func (s *grpcAdmissionServer) check(ctx context.Context, req *grpcCheckRequest) (*grpcCheckResponse, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admission service is required")
	}
	decision, err := s.service.CheckAdmission(ctx, toCheckRequest(*req))
	if err != nil {
		code := CodeOf(err)
		if code == CodeInvalidInput || code == CodeInvalidCost {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		return &grpcCheckResponse{Allowed: false, ErrorCode: grpcErrorCode(code)}, nil
	}
	resp := fromDecision(decision, time.Now())
	return &resp, nil
}

type grpcAdminServer struct {
	service AdminService
}

func (s *grpcAdminServer) reloadRules(ctx context.Context, req *grpcRulesRequest) (*grpcStatusResponse, error) {
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admin service is required")
	}
	var rules []*Rule
	if req != nil && req.Rules != nil {
		rules = make([]*Rule, len(req.Rules))
		for i, payload := range req.Rules {
			rule, err := toRule(payload)
			if err != nil {
				return nil, grpcError(err)
			}
			rules[i] = rule
		}
	}
	if err := s.service.ReloadRules(ctx, rules); err != nil {
		return nil, grpcError(err)
	}
	return &grpcStatusResponse{Status: "reloaded"}, nil
}

func (s *grpcAdminServer) reloadTiers(ctx context.Context, _ *grpcStatusResponse) (*grpcStatusResponse, error) {
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admin service is required")
	}
	if err := s.service.ReloadTiers(ctx, nil); err != nil {
		return nil, grpcError(err)
	}
	return &grpcStatusResponse{Status: "reloaded"}, nil
}

func (s *grpcAdminServer) listRules(ctx context.Context, _ *grpcStatusResponse) (*grpcRulesResponse, error) {
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admin service is required")
	}
	rules, err := s.service.ListRules(ctx)
	if err != nil {
		return nil, grpcError(err)
	}
	resp := make([]httpRuleResponse, len(rules))
	for i, rule := range rules {
		resp[i] = fromRule(rule)
	}
	return &grpcRulesResponse{Rules: resp}, nil
}

func (s *grpcAdminServer) acknowledgeBurst(ctx context.Context, _ *grpcStatusResponse) (*grpcStatusResponse, error) {
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admin service is required")
	}
	if err := s.service.AcknowledgeBurst(ctx); err != nil {
		return nil, grpcError(err)
	}
	return &grpcStatusResponse{Status: "acknowledged"}, nil
}

func (s *grpcAdminServer) resolveBurst(ctx context.Context, _ *grpcStatusResponse) (*grpcStatusResponse, error) {
	if s == nil || s.service == nil {
		return nil, status.Error(codes.Internal, "admin service is required")
	}
	if err := s.service.ResolveBurst(ctx); err != nil {
		return nil, grpcError(err)
	}
	return &grpcStatusResponse{Status: "resolved"}, nil
}

type grpcHealthServer struct {
	ready func() bool
	mode  func() OperatingMode
}

func (s *grpcHealthServer) health(context.Context, *grpcStatusResponse) (*grpcStatusResponse, error) {
	return &grpcStatusResponse{Status: "ok"}, nil
}

func (s *grpcHealthServer) readyz(context.Context, *grpcStatusResponse) (*grpcStatusResponse, error) {
	if s != nil && s.ready != nil && s.ready() {
		return &grpcStatusResponse{Status: "ok"}, nil
	}
	return &grpcStatusResponse{Status: "not_ready"}, nil
}

func (s *grpcHealthServer) modez(context.Context, *grpcStatusResponse) (*grpcStatusResponse, error) {
	mode := ModeNormal
	if s != nil && s.mode != nil {
		mode = s.mode()
	}
	return &grpcStatusResponse{Status: mode.String()}, nil
}

func grpcErrorCode(code ErrorCode) string {
	if code != "" {
		return string(code)
	}
	return "ADMISSION_ERROR"
}
