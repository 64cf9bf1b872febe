// Package admission provides the Redis-backed counter store.
package admission

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Each script is one EVALSHA round trip: read, compute, conditional write.
// State is only ever mutated inside the script, so concurrent callers on
// the same key cannot observe or produce partial updates. All scripts take
// the caller's clock as an argument so evaluation stays deterministic under
// an injected time source.
//
// Script results are {allowed, remaining, reset_ms, retry_ms, delay_ms}.

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now_ms = tonumber(ARGV[5])

local rate = limit / window_ms
local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
  last = now_ms
end
local elapsed = now_ms - last
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end
local allowed = 0
if cost <= tokens then
  allowed = 1
  tokens = tokens - cost
end
redis.call('HMSET', key, 'tokens', tokens, 'last_refill', now_ms)
redis.call('PEXPIRE', key, window_ms)
local retry_ms = 0
if allowed == 0 and rate > 0 then
  local needed = cost - tokens
  if needed < 0 then needed = 0 end
  retry_ms = math.ceil(needed / rate / 1000) * 1000
end
local reset_ms = 0
if rate > 0 then
  reset_ms = (capacity - tokens) / rate
end
return {allowed, math.floor(tokens), reset_ms, retry_ms, 0}
`)

var leakyBucketScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local now_ms = tonumber(ARGV[5])

local leak = limit / window_ms
local state = redis.call('HMGET', key, 'level', 'last_leak')
local level = tonumber(state[1])
local last = tonumber(state[2])
if level == nil then
  level = 0
  last = now_ms
end
local elapsed = now_ms - last
if elapsed > 0 then
  level = math.max(0, level - elapsed * leak)
end
local allowed = 0
local delay_ms = 0
if level + cost <= capacity then
  allowed = 1
  level = level + cost
  if leak > 0 then delay_ms = level / leak end
end
redis.call('HMSET', key, 'level', level, 'last_leak', now_ms)
redis.call('PEXPIRE', key, window_ms)
local retry_ms = 0
if allowed == 0 and leak > 0 then
  retry_ms = math.ceil((level + cost - capacity) / leak / 1000) * 1000
end
local remaining = math.floor(capacity - level)
if remaining < 0 then remaining = 0 end
local reset_ms = 0
if leak > 0 then reset_ms = level / leak end
return {allowed, remaining, reset_ms, retry_ms, delay_ms}
`)

var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])

local win_start = now_ms - (now_ms % window_ms)
local state = redis.call('HMGET', key, 'win_start', 'used')
local stored_start = tonumber(state[1])
local used = tonumber(state[2])
if stored_start == nil or stored_start ~= win_start then
  stored_start = win_start
  used = 0
end
local allowed = 0
if used + cost <= limit then
  allowed = 1
  used = used + cost
end
redis.call('HMSET', key, 'win_start', stored_start, 'used', used)
redis.call('PEXPIRE', key, window_ms)
local remaining = limit - used
if remaining < 0 then remaining = 0 end
local reset_ms = win_start + window_ms - now_ms
if reset_ms < 0 then reset_ms = 0 end
local retry_ms = 0
if allowed == 0 then retry_ms = reset_ms end
return {allowed, remaining, reset_ms, retry_ms, 0}
`)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now_ms = tonumber(ARGV[4])
local member = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now_ms - window_ms))
local entries = redis.call('ZRANGE', key, 0, -1)
local total = 0
for _, entry in ipairs(entries) do
  local sep = string.find(entry, ':[^:]*$')
  total = total + (tonumber(string.sub(entry, sep + 1)) or 1)
end
local allowed = 0
if total + cost <= limit then
  allowed = 1
  redis.call('ZADD', key, now_ms, member .. ':' .. cost)
  total = total + cost
end
redis.call('PEXPIRE', key, window_ms)
local remaining = limit - total
if remaining < 0 then remaining = 0 end
local retry_ms = 0
if allowed == 0 then retry_ms = window_ms end
return {allowed, remaining, window_ms, retry_ms, 0}
`)

var incrPeriodScript = redis.NewScript(`
local value = redis.call('INCRBY', KEYS[1], ARGV[1])
if value == tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return value
`)

// RedisCounterStore implements CounterStore against a Redis deployment.
type RedisCounterStore struct {
	rdb    *redis.Client
	prefix string
	now    func() time.Time
}

// RedisStoreOption customizes a RedisCounterStore.
type RedisStoreOption func(*RedisCounterStore)

// WithStorePrefix overrides the key prefix.
func WithStorePrefix(prefix string) RedisStoreOption {
	return func(s *RedisCounterStore) { s.prefix = prefix }
}

// WithStoreClock overrides the time source.
func WithStoreClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisCounterStore) { s.now = now }
}

// NewRedisCounterStore constructs a store over an existing client.
func NewRedisCounterStore(rdb *redis.Client, opts ...RedisStoreOption) *RedisCounterStore {
	store := &RedisCounterStore{rdb: rdb, prefix: "admission", now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// Healthy reports whether Redis answers a ping.
func (s *RedisCounterStore) Healthy(ctx context.Context) bool {
	if s == nil || s.rdb == nil {
		return false
	}
	return s.rdb.Ping(ctx).Err() == nil
}

func (s *RedisCounterStore) key(kind, key string) string {
	return s.prefix + ":" + kind + ":" + key
}

func (s *RedisCounterStore) run(ctx context.Context, script *redis.Script, key string, args ...any) (*Decision, error) {
	values, err := script.Run(ctx, s.rdb, []string{key}, args...).Int64Slice()
	if err != nil {
		return nil, Wrap(CodeStoreUnavailable, "counter store script failed", err)
	}
	if len(values) < 5 {
		return nil, Wrap(CodeStoreError, "counter store returned short result", nil)
	}
	return &Decision{
		Allowed:    values[0] == 1,
		Remaining:  values[1],
		ResetAfter: time.Duration(values[2]) * time.Millisecond,
		RetryAfter: time.Duration(values[3]) * time.Millisecond,
		Delay:      time.Duration(values[4]) * time.Millisecond,
	}, nil
}

// EvalTokenBucket executes a token bucket decision in one round trip.
func (s *RedisCounterStore) EvalTokenBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	if cost <= 0 || params.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	decision, err := s.run(ctx, tokenBucketScript, s.key("tb", key),
		params.Limit, params.window().Milliseconds(), params.capacity(), cost, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	decision.Limit = params.Limit
	return decision, nil
}

// EvalLeakyBucket executes a leaky bucket decision in one round trip.
func (s *RedisCounterStore) EvalLeakyBucket(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	if cost <= 0 || params.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	decision, err := s.run(ctx, leakyBucketScript, s.key("lb", key),
		params.Limit, params.window().Milliseconds(), params.capacity(), cost, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	decision.Limit = params.Limit
	return decision, nil
}

// EvalSlidingWindow executes a sliding window decision in one round trip.
func (s *RedisCounterStore) EvalSlidingWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	if cost <= 0 || params.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	now := s.now()
	member := strconv.FormatInt(now.UnixMilli(), 10) + ":" + uuid.NewString()
	decision, err := s.run(ctx, slidingWindowScript, s.key("sw", key),
		params.Limit, params.window().Milliseconds(), cost, now.UnixMilli(), member)
	if err != nil {
		return nil, err
	}
	decision.Limit = params.Limit
	return decision, nil
}

// EvalFixedWindow executes a fixed window decision in one round trip.
func (s *RedisCounterStore) EvalFixedWindow(ctx context.Context, key string, params RuleParams, cost int64) (*Decision, error) {
	if cost <= 0 || params.Limit <= 0 {
		return nil, ErrInvalidInput
	}
	decision, err := s.run(ctx, fixedWindowScript, s.key("fw", key),
		params.Limit, params.window().Milliseconds(), cost, s.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	decision.Limit = params.Limit
	return decision, nil
}

// IncrPeriod atomically adds cost to a period counter.
func (s *RedisCounterStore) IncrPeriod(ctx context.Context, key string, cost int64, ttl time.Duration) (int64, error) {
	value, err := incrPeriodScript.Run(ctx, s.rdb, []string{s.key("q", key)}, cost, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, Wrap(CodeStoreUnavailable, "period increment failed", err)
	}
	return value, nil
}

// GetPeriod reads a period counter.
func (s *RedisCounterStore) GetPeriod(ctx context.Context, key string) (int64, error) {
	value, err := s.rdb.Get(ctx, s.key("q", key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, Wrap(CodeStoreUnavailable, "period read failed", err)
	}
	return value, nil
}

// MarkOnce sets a marker key if absent.
func (s *RedisCounterStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	won, err := s.rdb.SetNX(ctx, s.key("mark", key), 1, ttl).Result()
	if err != nil {
		return false, Wrap(CodeStoreUnavailable, "marker write failed", err)
	}
	return won, nil
}
