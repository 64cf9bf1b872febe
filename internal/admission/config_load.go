// Package admission provides configuration loading.
package admission

import (
	"errors"
	"flag"
	"io"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags.
// Later layers win. The store fallback behavior has no default and must
// be set by one of the layers.
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flagOverrides, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if flagOverrides.ConfigPath != nil {
		configPath = *flagOverrides.ConfigPath
	}

	cfg := defaultConfig()
	if configPath != "" {
		fileOverrides, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := applyConfigOverrides(cfg, fileOverrides); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flagOverrides)
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Region:       "local",
		StoreBackend: StoreBackendRedis,
		Redis: RedisOptions{
			Addr:      "localhost:6379",
			KeyPrefix: "adm",
		},
		DefaultTier:      "free",
		RuleSyncInterval: 10 * time.Second,
		EnableHTTP:       true,
		HTTPListenAddr:   ":8080",
		EnableGRPC:       true,
		GRPCListenAddr:   ":9090",
		GRPCKeepAlive:    60 * time.Second,
		BreakerOptions: CircuitOptions{
			FailureThreshold: 10,
			OpenDuration:     200 * time.Millisecond,
			HalfOpenMaxCalls: 5,
		},
		FallbackPolicy: FallbackPolicy{
			LocalRPS:       100,
			EmergencyRPS:   10,
			MaxTrackedKeys: 10000,
		},
		HealthThresh: HealthThresholds{
			StoreUnhealthyFor:   500 * time.Millisecond,
			StoreEmergencyAfter: 5 * time.Second,
		},
		HealthInterval: 100 * time.Millisecond,
		BurstOptions: BurstOptions{
			Tick:           30 * time.Second,
			BaselineWindow: 7 * 24 * time.Hour,
			MinorRevert:    15 * time.Minute,
		},
		RequestTimeout:   2 * time.Second,
		DrainTimeout:     5 * time.Second,
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 10 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,
		MaxBodyBytes:     1 << 20,
	}
}

func validateConfig(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	switch cfg.StoreBackend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		return errors.New("store_backend must be redis or memory")
	}
	switch cfg.FallbackPolicy.Behavior {
	case FailOpen, FailClosed:
	case "":
		return errors.New("store_fallback must be set to fail_open or fail_closed")
	default:
		return errors.New("store_fallback must be fail_open or fail_closed")
	}
	return nil
}

type configOverrides struct {
	Region           *string           `yaml:"region"`
	InstanceID       *string           `yaml:"instance_id"`
	StoreBackend     *string           `yaml:"store_backend"`
	StoreFallback    *string           `yaml:"store_fallback"`
	Redis            *redisInput       `yaml:"redis"`
	RulesPath        *string           `yaml:"rules_path"`
	TiersPath        *string           `yaml:"tiers_path"`
	DefaultTier      *string           `yaml:"default_tier"`
	TierAssignments  map[string]string `yaml:"tier_assignments"`
	RuleSyncInterval *string           `yaml:"rule_sync_interval"`
	HTTPListenAddr   *string           `yaml:"http_addr"`
	EnableHTTP       *bool             `yaml:"enable_http"`
	EnableGRPC       *bool             `yaml:"enable_grpc"`
	GRPCListenAddr   *string           `yaml:"grpc_addr"`
	GRPCKeepAlive    *string           `yaml:"grpc_keepalive"`
	Breaker          *breakerInput     `yaml:"breaker"`
	Fallback         *fallbackInput    `yaml:"fallback"`
	Health           *healthInput      `yaml:"health"`
	Burst            *burstInput       `yaml:"burst"`
	HTTPReadTimeout  *string           `yaml:"http_read_timeout"`
	HTTPWriteTimeout *string           `yaml:"http_write_timeout"`
	HTTPIdleTimeout  *string           `yaml:"http_idle_timeout"`
	RequestTimeout   *string           `yaml:"request_timeout"`
	DrainTimeout     *string           `yaml:"drain_timeout"`
	MaxBodyBytes     *int64            `yaml:"max_body_bytes"`
	EnableAuth       *bool             `yaml:"enable_auth"`
	AdminToken       *string           `yaml:"admin_token"`
}

type redisInput struct {
	Addr      *string `yaml:"addr"`
	Password  *string `yaml:"password"`
	DB        *int    `yaml:"db"`
	KeyPrefix *string `yaml:"key_prefix"`
}

type breakerInput struct {
	FailureThreshold *int64  `yaml:"failure_threshold"`
	OpenDuration     *string `yaml:"open_duration"`
	HalfOpenMaxCalls *int64  `yaml:"half_open_max_calls"`
}

type fallbackInput struct {
	LocalRPS       *float64 `yaml:"local_rps"`
	LocalBurst     *int     `yaml:"local_burst"`
	EmergencyRPS   *float64 `yaml:"emergency_rps"`
	EmergencyBurst *int     `yaml:"emergency_burst"`
	MaxTrackedKeys *int     `yaml:"max_tracked_keys"`
}

type healthInput struct {
	StoreUnhealthyFor   *string `yaml:"store_unhealthy_for"`
	StoreEmergencyAfter *string `yaml:"store_emergency_after"`
	Interval            *string `yaml:"interval"`
}

type burstInput struct {
	Tick             *string  `yaml:"tick"`
	BaselineWindow   *string  `yaml:"baseline_window"`
	MinorRevert      *string  `yaml:"minor_revert"`
	MinimalAllowlist []string `yaml:"minimal_allowlist"`
}

func loadConfigFile(path string) (*configOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var overrides configOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, err
	}
	return &overrides, nil
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(*src))
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func applyConfigOverrides(cfg *Config, overrides *configOverrides) error {
	if cfg == nil || overrides == nil {
		return nil
	}
	if overrides.Region != nil {
		cfg.Region = *overrides.Region
	}
	if overrides.InstanceID != nil {
		cfg.InstanceID = *overrides.InstanceID
	}
	if overrides.StoreBackend != nil {
		cfg.StoreBackend = StoreBackend(*overrides.StoreBackend)
	}
	if overrides.StoreFallback != nil {
		cfg.FallbackPolicy.Behavior = FallbackBehavior(*overrides.StoreFallback)
	}
	if overrides.Redis != nil {
		if overrides.Redis.Addr != nil {
			cfg.Redis.Addr = *overrides.Redis.Addr
		}
		if overrides.Redis.Password != nil {
			cfg.Redis.Password = *overrides.Redis.Password
		}
		if overrides.Redis.DB != nil {
			cfg.Redis.DB = *overrides.Redis.DB
		}
		if overrides.Redis.KeyPrefix != nil {
			cfg.Redis.KeyPrefix = *overrides.Redis.KeyPrefix
		}
	}
	if overrides.RulesPath != nil {
		cfg.RulesPath = *overrides.RulesPath
	}
	if overrides.TiersPath != nil {
		cfg.TiersPath = *overrides.TiersPath
	}
	if overrides.DefaultTier != nil {
		cfg.DefaultTier = *overrides.DefaultTier
	}
	if overrides.TierAssignments != nil {
		cfg.TierAssignments = overrides.TierAssignments
	}
	if err := setDuration(&cfg.RuleSyncInterval, overrides.RuleSyncInterval); err != nil {
		return err
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if err := setDuration(&cfg.GRPCKeepAlive, overrides.GRPCKeepAlive); err != nil {
		return err
	}
	if overrides.Breaker != nil {
		if overrides.Breaker.FailureThreshold != nil {
			cfg.BreakerOptions.FailureThreshold = *overrides.Breaker.FailureThreshold
		}
		if err := setDuration(&cfg.BreakerOptions.OpenDuration, overrides.Breaker.OpenDuration); err != nil {
			return err
		}
		if overrides.Breaker.HalfOpenMaxCalls != nil {
			cfg.BreakerOptions.HalfOpenMaxCalls = *overrides.Breaker.HalfOpenMaxCalls
		}
	}
	if overrides.Fallback != nil {
		if overrides.Fallback.LocalRPS != nil {
			cfg.FallbackPolicy.LocalRPS = *overrides.Fallback.LocalRPS
		}
		if overrides.Fallback.LocalBurst != nil {
			cfg.FallbackPolicy.LocalBurst = *overrides.Fallback.LocalBurst
		}
		if overrides.Fallback.EmergencyRPS != nil {
			cfg.FallbackPolicy.EmergencyRPS = *overrides.Fallback.EmergencyRPS
		}
		if overrides.Fallback.EmergencyBurst != nil {
			cfg.FallbackPolicy.EmergencyBurst = *overrides.Fallback.EmergencyBurst
		}
		if overrides.Fallback.MaxTrackedKeys != nil {
			cfg.FallbackPolicy.MaxTrackedKeys = *overrides.Fallback.MaxTrackedKeys
		}
	}
	if overrides.Health != nil {
		if err := setDuration(&cfg.HealthThresh.StoreUnhealthyFor, overrides.Health.StoreUnhealthyFor); err != nil {
			return err
		}
		if err := setDuration(&cfg.HealthThresh.StoreEmergencyAfter, overrides.Health.StoreEmergencyAfter); err != nil {
			return err
		}
		if err := setDuration(&cfg.HealthInterval, overrides.Health.Interval); err != nil {
			return err
		}
	}
	if overrides.Burst != nil {
		if err := setDuration(&cfg.BurstOptions.Tick, overrides.Burst.Tick); err != nil {
			return err
		}
		if err := setDuration(&cfg.BurstOptions.BaselineWindow, overrides.Burst.BaselineWindow); err != nil {
			return err
		}
		if err := setDuration(&cfg.BurstOptions.MinorRevert, overrides.Burst.MinorRevert); err != nil {
			return err
		}
		if overrides.Burst.MinimalAllowlist != nil {
			cfg.BurstOptions.MinimalAllowlist = overrides.Burst.MinimalAllowlist
		}
	}
	if err := setDuration(&cfg.HTTPReadTimeout, overrides.HTTPReadTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.HTTPWriteTimeout, overrides.HTTPWriteTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.HTTPIdleTimeout, overrides.HTTPIdleTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.RequestTimeout, overrides.RequestTimeout); err != nil {
		return err
	}
	if err := setDuration(&cfg.DrainTimeout, overrides.DrainTimeout); err != nil {
		return err
	}
	if overrides.MaxBodyBytes != nil {
		cfg.MaxBodyBytes = *overrides.MaxBodyBytes
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	return nil
}

type flagOverrides struct {
	ConfigPath     *string
	Region         *string
	StoreBackend   *string
	StoreFallback  *string
	RedisAddr      *string
	RulesPath      *string
	TiersPath      *string
	EnableHTTP     *bool
	HTTPListenAddr *string
	EnableGRPC     *bool
	GRPCListenAddr *string
	EnableAuth     *bool
	AdminToken     *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("admission", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}

	configPath := fs.String("config", "", "config file path")
	region := fs.String("region", "", "region value")
	storeBackend := fs.String("store_backend", "", "counter store backend")
	storeFallback := fs.String("store_fallback", "", "store fallback behavior")
	redisAddr := fs.String("redis_addr", "", "redis address")
	rulesPath := fs.String("rules", "", "rules file path")
	tiersPath := fs.String("tiers", "", "tiers file path")
	enableHTTP := fs.Bool("enable_http", false, "enable http")
	httpAddr := fs.String("http_addr", "", "http address")
	enableGRPC := fs.Bool("enable_grpc", false, "enable grpc")
	grpcAddr := fs.String("grpc_addr", "", "grpc address")
	enableAuth := fs.Bool("enable_auth", false, "enable auth")
	adminToken := fs.String("admin_token", "", "admin token")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, errors.New("invalid flag values")
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "region":
			overrides.Region = region
		case "store_backend":
			overrides.StoreBackend = storeBackend
		case "store_fallback":
			overrides.StoreFallback = storeFallback
		case "redis_addr":
			overrides.RedisAddr = redisAddr
		case "rules":
			overrides.RulesPath = rulesPath
		case "tiers":
			overrides.TiersPath = tiersPath
		case "enable_http":
			overrides.EnableHTTP = enableHTTP
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "enable_grpc":
			overrides.EnableGRPC = enableGRPC
		case "grpc_addr":
			overrides.GRPCListenAddr = grpcAddr
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if cfg == nil {
		return
	}
	if overrides.Region != nil {
		cfg.Region = *overrides.Region
	}
	if overrides.StoreBackend != nil {
		cfg.StoreBackend = StoreBackend(*overrides.StoreBackend)
	}
	if overrides.StoreFallback != nil {
		cfg.FallbackPolicy.Behavior = FallbackBehavior(*overrides.StoreFallback)
	}
	if overrides.RedisAddr != nil {
		cfg.Redis.Addr = *overrides.RedisAddr
	}
	if overrides.RulesPath != nil {
		cfg.RulesPath = *overrides.RulesPath
	}
	if overrides.TiersPath != nil {
		cfg.TiersPath = *overrides.TiersPath
	}
	if overrides.EnableHTTP != nil {
		cfg.EnableHTTP = *overrides.EnableHTTP
	}
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.EnableGRPC != nil {
		cfg.EnableGRPC = *overrides.EnableGRPC
	}
	if overrides.GRPCListenAddr != nil {
		cfg.GRPCListenAddr = *overrides.GRPCListenAddr
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
}
