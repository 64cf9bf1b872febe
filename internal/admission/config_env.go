// Package admission provides environment config overrides.
package admission

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

func applyEnvOverrides(cfg *Config, environ []string) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	values := envMap(environ)
	if value, ok := values["ADMISSION_REGION"]; ok {
		cfg.Region = value
	}
	if value, ok := values["ADMISSION_STORE_BACKEND"]; ok {
		cfg.StoreBackend = StoreBackend(strings.TrimSpace(value))
	}
	if value, ok := values["ADMISSION_STORE_FALLBACK"]; ok {
		cfg.FallbackPolicy.Behavior = FallbackBehavior(strings.TrimSpace(value))
	}
	if value, ok := values["ADMISSION_REDIS_ADDR"]; ok {
		cfg.Redis.Addr = value
	}
	if value, ok := values["ADMISSION_REDIS_PASSWORD"]; ok {
		cfg.Redis.Password = value
	}
	if value, ok := values["ADMISSION_REDIS_DB"]; ok {
		parsed, err := parseIntEnv("ADMISSION_REDIS_DB", value)
		if err != nil {
			return err
		}
		cfg.Redis.DB = int(parsed)
	}
	if value, ok := values["ADMISSION_RULES_PATH"]; ok {
		cfg.RulesPath = value
	}
	if value, ok := values["ADMISSION_TIERS_PATH"]; ok {
		cfg.TiersPath = value
	}
	if value, ok := values["ADMISSION_RULE_SYNC_INTERVAL"]; ok {
		parsed, err := parseDurationEnv("ADMISSION_RULE_SYNC_INTERVAL", value)
		if err != nil {
			return err
		}
		cfg.RuleSyncInterval = parsed
	}
	if value, ok := values["ADMISSION_ENABLE_HTTP"]; ok {
		parsed, err := parseBoolEnv("ADMISSION_ENABLE_HTTP", value)
		if err != nil {
			return err
		}
		cfg.EnableHTTP = parsed
	}
	if value, ok := values["ADMISSION_HTTP_ADDR"]; ok {
		cfg.HTTPListenAddr = value
	}
	if value, ok := values["ADMISSION_ENABLE_GRPC"]; ok {
		parsed, err := parseBoolEnv("ADMISSION_ENABLE_GRPC", value)
		if err != nil {
			return err
		}
		cfg.EnableGRPC = parsed
	}
	if value, ok := values["ADMISSION_GRPC_ADDR"]; ok {
		cfg.GRPCListenAddr = value
	}
	if value, ok := values["ADMISSION_ENABLE_AUTH"]; ok {
		parsed, err := parseBoolEnv("ADMISSION_ENABLE_AUTH", value)
		if err != nil {
			return err
		}
		cfg.EnableAuth = parsed
	}
	if value, ok := values["ADMISSION_ADMIN_TOKEN"]; ok {
		cfg.AdminToken = value
	}
	if value, ok := values["ADMISSION_BREAKER_FAILURE_THRESHOLD"]; ok {
		parsed, err := parseIntEnv("ADMISSION_BREAKER_FAILURE_THRESHOLD", value)
		if err != nil {
			return err
		}
		cfg.BreakerOptions.FailureThreshold = parsed
	}
	if value, ok := values["ADMISSION_BREAKER_OPEN"]; ok {
		parsed, err := parseDurationEnv("ADMISSION_BREAKER_OPEN", value)
		if err != nil {
			return err
		}
		cfg.BreakerOptions.OpenDuration = parsed
	}
	return nil
}

func envMap(environ []string) map[string]string {
	values := make(map[string]string)
	for _, entry := range environ {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		values[key] = parts[1]
	}
	return values
}

func parseBoolEnv(name, value string) (bool, error) {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}

func parseIntEnv(name, value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}

func parseDurationEnv(name, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, errors.New("invalid env value for " + name)
	}
	return parsed, nil
}
