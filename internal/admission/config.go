// Package admission provides configuration for the application wiring.
package admission

import (
	"time"

	"go.uber.org/zap"
)

// StoreBackend selects the shared counter store implementation.
type StoreBackend string

const (
	StoreBackendRedis  StoreBackend = "redis"
	StoreBackendMemory StoreBackend = "memory"
)

// RedisOptions carries connection settings for the Redis counter store.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Config captures dependency and runtime settings.
type Config struct {
	Region           string
	InstanceID       string
	StoreBackend     StoreBackend
	Redis            RedisOptions
	RulesPath        string
	TiersPath        string
	DefaultTier      string
	TierAssignments  map[string]string
	RuleSyncInterval time.Duration
	Outbox           Outbox
	PubSub           PubSub
	Metrics          Metrics
	Logger           *zap.Logger
	HTTPListenAddr   string
	EnableHTTP       bool
	EnableGRPC       bool
	GRPCListenAddr   string
	GRPCKeepAlive    time.Duration
	BreakerOptions   CircuitOptions
	FallbackPolicy   FallbackPolicy
	HealthThresh     HealthThresholds
	HealthInterval   time.Duration
	BurstOptions     BurstOptions
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration
	DrainTimeout     time.Duration
	MaxBodyBytes     int64
	EnableAuth       bool
	AdminToken       string
}
