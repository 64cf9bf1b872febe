// Package admission defines service interfaces.
package admission

import "context"

// AdmissionService evaluates admission requests.
type AdmissionService interface {
	CheckAdmission(ctx context.Context, req *CheckRequest) (*Decision, error)
}

// AdminService manages the active configuration.
type AdminService interface {
	ReloadRules(ctx context.Context, rules []*Rule) error
	ReloadTiers(ctx context.Context, tiers []QuotaAllocation) error
	ListRules(ctx context.Context) ([]*Rule, error)
	AcknowledgeBurst(ctx context.Context) error
	ResolveBurst(ctx context.Context) error
}

// Transport exposes services over a transport layer.
type Transport interface {
	ServeAdmission(service AdmissionService) error
	ServeAdmin(service AdminService) error
	Shutdown(ctx context.Context) error
}
