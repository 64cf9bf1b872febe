// Package admission provides an in-process HTTP middleware.
package admission

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// RequestMapper derives an admission request from an incoming HTTP
// request. Returning nil skips admission for that request.
type RequestMapper func(r *http.Request) *CheckRequest

// MiddlewareOptions configures the embeddable middleware.
type MiddlewareOptions struct {
	Service AdmissionService
	Mapper  RequestMapper
	// PrincipalHeader names the header carrying the caller identity
	// when no custom mapper is set. Default X-Principal.
	PrincipalHeader string
	// TrustXForwardedFor makes the default mapper take the client IP
	// from the first X-Forwarded-For entry.
	TrustXForwardedFor bool
	RejectStatus       int
	// AddHeaders controls whether limit headers are written on every
	// response, not only rejections.
	AddHeaders bool
}

// DefaultRequestMapper maps method, path, and identity headers onto an
// admission request. Callers may declare a weight via X-Request-Cost and
// a priority hint via X-Request-Priority; cost defaults to 1 and an
// unparseable or non-positive declared cost falls back to it.
func DefaultRequestMapper(principalHeader string, trustXFF bool) RequestMapper {
	if principalHeader == "" {
		principalHeader = "X-Principal"
	}
	return func(r *http.Request) *CheckRequest {
		principal := strings.TrimSpace(r.Header.Get(principalHeader))
		if principal == "" {
			principal = clientAddr(r, trustXFF)
		}
		cost := int64(1)
		if declared := strings.TrimSpace(r.Header.Get("X-Request-Cost")); declared != "" {
			if parsed, err := strconv.ParseInt(declared, 10, 64); err == nil && parsed > 0 {
				cost = parsed
			}
		}
		return &CheckRequest{
			Principal: principal,
			TenantID:  strings.TrimSpace(r.Header.Get("X-Tenant-ID")),
			ClientIP:  clientAddr(r, trustXFF),
			Method:    r.Method,
			Endpoint:  r.URL.Path,
			Cost:      cost,
			Priority:  strings.TrimSpace(r.Header.Get("X-Request-Priority")),
		}
	}
}

func clientAddr(r *http.Request, trustXFF bool) string {
	if trustXFF {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}

// Middleware wraps an http.Handler with admission control. Rejections
// get 429 with Retry-After; store failures surface as the admission
// service's fallback decision, never as a transport error.
func Middleware(opts MiddlewareOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.Mapper == nil {
		opts.Mapper = DefaultRequestMapper(opts.PrincipalHeader, opts.TrustXForwardedFor)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.Service == nil {
				next.ServeHTTP(w, r)
				return
			}
			req := opts.Mapper(r)
			if req == nil {
				next.ServeHTTP(w, r)
				return
			}
			decision, err := opts.Service.CheckAdmission(r.Context(), req)
			if err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if opts.AddHeaders || !decision.Allowed {
				writeDecisionHeaders(w, decision)
			}
			if !decision.Allowed {
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
