package admission

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_RequiresStoreFallback(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(LoadOptions{Args: []string{}, Environ: []string{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store_fallback")
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(LoadOptions{
		Args:    []string{"-store_fallback", "fail_open"},
		Environ: []string{},
	})
	require.NoError(t, err)

	require.Equal(t, "local", cfg.Region)
	require.Equal(t, StoreBackendRedis, cfg.StoreBackend)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Equal(t, "adm", cfg.Redis.KeyPrefix)
	require.Equal(t, "free", cfg.DefaultTier)
	require.Equal(t, 10*time.Second, cfg.RuleSyncInterval)
	require.True(t, cfg.EnableHTTP)
	require.Equal(t, ":8080", cfg.HTTPListenAddr)
	require.True(t, cfg.EnableGRPC)
	require.Equal(t, ":9090", cfg.GRPCListenAddr)
	require.Equal(t, FailOpen, cfg.FallbackPolicy.Behavior)
	require.Equal(t, int64(10), cfg.BreakerOptions.FailureThreshold)
	require.Equal(t, 30*time.Second, cfg.BurstOptions.Tick)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, `
region: eu-west
store_backend: memory
store_fallback: fail_closed
default_tier: pro
tier_assignments:
  acme: enterprise
rule_sync_interval: 30s
redis:
  addr: redis.internal:6379
  key_prefix: adm-eu
breaker:
  failure_threshold: 25
  open_duration: 1s
burst:
  tick: 10s
  minimal_allowlist: [/healthz]
admin_token: sekrit
`)
	cfg, err := LoadConfig(LoadOptions{ConfigPath: path, Args: []string{}, Environ: []string{}})
	require.NoError(t, err)

	require.Equal(t, "eu-west", cfg.Region)
	require.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	require.Equal(t, FailClosed, cfg.FallbackPolicy.Behavior)
	require.Equal(t, "pro", cfg.DefaultTier)
	require.Equal(t, map[string]string{"acme": "enterprise"}, cfg.TierAssignments)
	require.Equal(t, 30*time.Second, cfg.RuleSyncInterval)
	require.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	require.Equal(t, "adm-eu", cfg.Redis.KeyPrefix)
	require.Equal(t, int64(25), cfg.BreakerOptions.FailureThreshold)
	require.Equal(t, time.Second, cfg.BreakerOptions.OpenDuration)
	require.Equal(t, 10*time.Second, cfg.BurstOptions.Tick)
	require.Equal(t, []string{"/healthz"}, cfg.BurstOptions.MinimalAllowlist)
	require.Equal(t, "sekrit", cfg.AdminToken)
}

func TestLoadConfig_LayerPrecedence(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, `
region: from-file
store_fallback: fail_closed
http_addr: :7001
grpc_addr: :7002
`)
	cfg, err := LoadConfig(LoadOptions{
		ConfigPath: path,
		Args:       []string{"-region", "from-flag", "-store_backend", "memory"},
		Environ: []string{
			"ADMISSION_REGION=from-env",
			"ADMISSION_HTTP_ADDR=:7100",
		},
	})
	require.NoError(t, err)

	// Flags beat env, env beats the file, the file beats defaults.
	require.Equal(t, "from-flag", cfg.Region)
	require.Equal(t, ":7100", cfg.HTTPListenAddr)
	require.Equal(t, ":7002", cfg.GRPCListenAddr)
	require.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	require.Equal(t, FailClosed, cfg.FallbackPolicy.Behavior)
}

func TestLoadConfig_ConfigFlagSelectsFile(t *testing.T) {
	t.Parallel()
	path := writeConfigFile(t, "region: flagged-file\nstore_fallback: fail_open\n")
	cfg, err := LoadConfig(LoadOptions{Args: []string{"-config", path}, Environ: []string{}})
	require.NoError(t, err)
	require.Equal(t, "flagged-file", cfg.Region)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Parallel()
	cfg, err := LoadConfig(LoadOptions{
		Args: []string{},
		Environ: []string{
			"ADMISSION_STORE_BACKEND=memory",
			"ADMISSION_STORE_FALLBACK=fail_closed",
			"ADMISSION_REDIS_DB=3",
			"ADMISSION_ENABLE_GRPC=false",
			"ADMISSION_BREAKER_FAILURE_THRESHOLD=42",
			"ADMISSION_BREAKER_OPEN=2s",
		},
	})
	require.NoError(t, err)
	require.Equal(t, StoreBackendMemory, cfg.StoreBackend)
	require.Equal(t, 3, cfg.Redis.DB)
	require.False(t, cfg.EnableGRPC)
	require.Equal(t, int64(42), cfg.BreakerOptions.FailureThreshold)
	require.Equal(t, 2*time.Second, cfg.BreakerOptions.OpenDuration)
}

func TestLoadConfig_RejectsBadValues(t *testing.T) {
	t.Parallel()

	t.Run("bad_env_bool", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(LoadOptions{
			Args:    []string{},
			Environ: []string{"ADMISSION_ENABLE_HTTP=maybe", "ADMISSION_STORE_FALLBACK=fail_open"},
		})
		require.Error(t, err)
	})

	t.Run("bad_file_duration", func(t *testing.T) {
		t.Parallel()
		path := writeConfigFile(t, "store_fallback: fail_open\nrule_sync_interval: soonish\n")
		_, err := LoadConfig(LoadOptions{ConfigPath: path, Args: []string{}, Environ: []string{}})
		require.Error(t, err)
	})

	t.Run("unknown_store_backend", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(LoadOptions{
			Args:    []string{"-store_backend", "etcd", "-store_fallback", "fail_open"},
			Environ: []string{},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "store_backend")
	})

	t.Run("unknown_fallback_behavior", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(LoadOptions{
			Args:    []string{"-store_fallback", "fail_sideways"},
			Environ: []string{},
		})
		require.Error(t, err)
	})

	t.Run("missing_config_file", func(t *testing.T) {
		t.Parallel()
		_, err := LoadConfig(LoadOptions{ConfigPath: "/nonexistent/config.yaml", Args: []string{}, Environ: []string{}})
		require.Error(t, err)
	})
}
