// Package admission provides gRPC service descriptors and clients.
package admission

import (
	"context"

	"google.golang.org/grpc"
)

// Unary handler plumbing for the JSON-codec services. Each method desc
// decodes into the shared wire type and dispatches to the server struct,
// honoring any chained interceptor.
func unaryHandler[Req any, Resp any](fullMethod string, invoke func(srv any, ctx context.Context, req *Req) (*Resp, error)) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return invoke(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return invoke(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var grpcAdmissionServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcAdmissionService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Check",
			Handler: unaryHandler("/"+grpcAdmissionService+"/Check",
				func(srv any, ctx context.Context, req *grpcCheckRequest) (*grpcCheckResponse, error) {
					return srv.(*grpcAdmissionServer).check(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission/v1/admission.json",
}

var grpcAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcAdminService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ReloadRules",
			Handler: unaryHandler("/"+grpcAdminService+"/ReloadRules",
				func(srv any, ctx context.Context, req *grpcRulesRequest) (*grpcStatusResponse, error) {
					return srv.(*grpcAdminServer).reloadRules(ctx, req)
				}),
		},
		{
			MethodName: "ReloadTiers",
			Handler: unaryHandler("/"+grpcAdminService+"/ReloadTiers",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcAdminServer).reloadTiers(ctx, req)
				}),
		},
		{
			MethodName: "ListRules",
			Handler: unaryHandler("/"+grpcAdminService+"/ListRules",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcRulesResponse, error) {
					return srv.(*grpcAdminServer).listRules(ctx, req)
				}),
		},
		{
			MethodName: "AcknowledgeBurst",
			Handler: unaryHandler("/"+grpcAdminService+"/AcknowledgeBurst",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcAdminServer).acknowledgeBurst(ctx, req)
				}),
		},
		{
			MethodName: "ResolveBurst",
			Handler: unaryHandler("/"+grpcAdminService+"/ResolveBurst",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcAdminServer).resolveBurst(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission/v1/admin.json",
}

var grpcHealthServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcHealthService,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Health",
			Handler: unaryHandler("/"+grpcHealthService+"/Health",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcHealthServer).health(ctx, req)
				}),
		},
		{
			MethodName: "Ready",
			Handler: unaryHandler("/"+grpcHealthService+"/Ready",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcHealthServer).readyz(ctx, req)
				}),
		},
		{
			MethodName: "Mode",
			Handler: unaryHandler("/"+grpcHealthService+"/Mode",
				func(srv any, ctx context.Context, req *grpcStatusResponse) (*grpcStatusResponse, error) {
					return srv.(*grpcHealthServer).modez(ctx, req)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admission/v1/health.json",
}

// AdmissionClient calls the admission API over a gRPC connection.
type AdmissionClient struct {
	conn grpc.ClientConnInterface
}

// NewAdmissionClient wraps a client connection.
func NewAdmissionClient(conn grpc.ClientConnInterface) *AdmissionClient {
	return &AdmissionClient{conn: conn}
}

// Check performs one admission check.
func (c *AdmissionClient) Check(ctx context.Context, req *CheckRequest) (*grpcCheckResponse, error) {
	if c == nil || c.conn == nil {
		return nil, ErrInvalidInput
	}
	if req == nil {
		return nil, ErrInvalidInput
	}
	wire := grpcCheckRequest{
		TraceID:   req.TraceID,
		Principal: req.Principal,
		TenantID:  req.TenantID,
		ClientIP:  req.ClientIP,
		Service:   req.Service,
		Method:    req.Method,
		Endpoint:  req.Endpoint,
		Cost:      req.Cost,
		Priority:  req.Priority,
	}
	out := new(grpcCheckResponse)
	err := c.conn.Invoke(ctx, "/"+grpcAdmissionService+"/Check", &wire, out, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AdminClient calls the admin API over a gRPC connection.
type AdminClient struct {
	conn grpc.ClientConnInterface
}

// NewAdminClient wraps a client connection.
func NewAdminClient(conn grpc.ClientConnInterface) *AdminClient {
	return &AdminClient{conn: conn}
}

func (c *AdminClient) invoke(ctx context.Context, method string, in, out any) error {
	if c == nil || c.conn == nil {
		return ErrInvalidInput
	}
	return c.conn.Invoke(ctx, "/"+grpcAdminService+"/"+method, in, out, grpc.ForceCodec(jsonCodec{}))
}

// ReloadRules swaps the serving rule set.
func (c *AdminClient) ReloadRules(ctx context.Context, rules []grpcRulePayload) error {
	return c.invoke(ctx, "ReloadRules", &grpcRulesRequest{Rules: rules}, new(grpcStatusResponse))
}

// ReloadTiers re-reads the tier file.
func (c *AdminClient) ReloadTiers(ctx context.Context) error {
	return c.invoke(ctx, "ReloadTiers", new(grpcStatusResponse), new(grpcStatusResponse))
}

// ListRules returns the serving rules.
func (c *AdminClient) ListRules(ctx context.Context) ([]httpRuleResponse, error) {
	out := new(grpcRulesResponse)
	if err := c.invoke(ctx, "ListRules", new(grpcStatusResponse), out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// AcknowledgeBurst confirms a major burst.
func (c *AdminClient) AcknowledgeBurst(ctx context.Context) error {
	return c.invoke(ctx, "AcknowledgeBurst", new(grpcStatusResponse), new(grpcStatusResponse))
}

// ResolveBurst clears an extreme burst.
func (c *AdminClient) ResolveBurst(ctx context.Context) error {
	return c.invoke(ctx, "ResolveBurst", new(grpcStatusResponse), new(grpcStatusResponse))
}
