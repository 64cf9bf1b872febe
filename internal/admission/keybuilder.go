// Package admission provides partition key construction.
package admission

import "sync"

// ByteBufferPool pools byte slices for key construction.
type ByteBufferPool struct {
	pool   sync.Pool
	maxCap int
}

// NewByteBufferPool constructs a byte buffer pool.
func NewByteBufferPool(maxCap int) *ByteBufferPool {
	if maxCap <= 0 {
		maxCap = 4096
	}
	return &ByteBufferPool{maxCap: maxCap}
}

// Get returns a byte slice with zero length.
func (p *ByteBufferPool) Get() []byte {
	if p == nil {
		return make([]byte, 0)
	}
	if buf, ok := p.pool.Get().([]byte); ok {
		if cap(buf) > p.maxCap {
			return make([]byte, 0, p.maxCap)
		}
		return buf[:0]
	}
	return make([]byte, 0, p.maxCap)
}

// Put returns a byte slice to the pool.
func (p *ByteBufferPool) Put(b []byte) {
	if p == nil || b == nil {
		return
	}
	if cap(b) > p.maxCap {
		return
	}
	p.pool.Put(b[:0])
}

// Key component names usable in a rule's key_by list.
const (
	KeyComponentPrincipal = "principal"
	KeyComponentTenant    = "tenant"
	KeyComponentIP        = "ip"
	KeyComponentService   = "service"
	KeyComponentEndpoint  = "endpoint"
	KeyComponentMethod    = "method"
)

// KeyBuilder builds counter partition keys from a rule's ordered key
// components. Keys are prefixed with the rule ID so two rules never share
// counter state.
type KeyBuilder struct {
	bufPool *ByteBufferPool
}

// NewKeyBuilder constructs a KeyBuilder.
func NewKeyBuilder() *KeyBuilder {
	return &KeyBuilder{bufPool: NewByteBufferPool(4096)}
}

// BuildKey builds a stable partition key for a rule and request.
func (kb *KeyBuilder) BuildKey(rule *Rule, req *CheckRequest) []byte {
	components := rule.KeyBy
	if len(components) == 0 {
		components = defaultKeyComponents(rule.Scope)
	}
	var buf []byte
	if kb != nil && kb.bufPool != nil {
		buf = kb.bufPool.Get()
	}
	buf = append(buf, rule.ID...)
	for _, component := range components {
		buf = append(buf, '\x1f')
		buf = append(buf, componentValue(component, req)...)
	}
	return buf
}

// ReleaseKey returns a buffer to the pool.
func (kb *KeyBuilder) ReleaseKey(b []byte) {
	if kb == nil || kb.bufPool == nil {
		return
	}
	kb.bufPool.Put(b)
}

// KeyToString converts key bytes to a string.
func (kb *KeyBuilder) KeyToString(b []byte) string {
	return string(b)
}

func componentValue(component string, req *CheckRequest) string {
	switch component {
	case KeyComponentPrincipal:
		return req.Principal
	case KeyComponentTenant:
		return req.TenantID
	case KeyComponentIP:
		return req.ClientIP
	case KeyComponentService:
		return req.Service
	case KeyComponentEndpoint:
		return req.Endpoint
	case KeyComponentMethod:
		return req.Method
	default:
		return ""
	}
}

func defaultKeyComponents(scope Scope) []string {
	switch scope {
	case ScopeGlobal:
		return nil
	case ScopeService:
		return []string{KeyComponentService}
	case ScopeUser:
		return []string{KeyComponentPrincipal}
	case ScopeTenant:
		return []string{KeyComponentTenant}
	case ScopeIP:
		return []string{KeyComponentIP}
	case ScopeEndpoint:
		return []string{KeyComponentEndpoint, KeyComponentPrincipal}
	default:
		return nil
	}
}

// validKeyComponent reports whether a configured key component is known.
func validKeyComponent(component string) bool {
	switch component {
	case KeyComponentPrincipal, KeyComponentTenant, KeyComponentIP,
		KeyComponentService, KeyComponentEndpoint, KeyComponentMethod:
		return true
	default:
		return false
	}
}
