package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	redisStoreOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "ratelimit_redis",
			Name:      "operations_total",
			Help:      "Total number of Redis bucket store operations",
		},
		[]string{"operation", "status"},
	)

	redisStoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Subsystem: "ratelimit_redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis bucket store operations in seconds",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	redisStoreConnectionRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Subsystem: "ratelimit_redis",
			Name:      "connection_retries_total",
			Help:      "Total number of Redis connection retry attempts",
		},
	)
)

// takeScript performs one refill-and-consume step on a bucket hash.
// Times are unix milliseconds so they survive Lua number formatting.
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill period in milliseconds
// ARGV[3] = cost
// ARGV[4] = now in milliseconds
// ARGV[5] = key ttl in milliseconds
var takeScript = redis.NewScript(`
	local capacity = tonumber(ARGV[1])
	local per = tonumber(ARGV[2])
	local cost = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local ttl = tonumber(ARGV[5])

	local state = redis.call('HMGET', KEYS[1], 'tokens', 'last')
	local tokens = tonumber(state[1])
	local last = tonumber(state[2])
	if tokens == nil or last == nil then
		tokens = capacity
		last = now
	end

	local elapsed = now - last
	if elapsed > 0 and per > 0 then
		tokens = tokens + elapsed * capacity / per
	end
	if tokens > capacity then
		tokens = capacity
	end

	local allowed = 0
	if tokens >= cost then
		tokens = tokens - cost
		allowed = 1
	end

	redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(now))
	redis.call('PEXPIRE', KEYS[1], ttl)
	return {allowed, tostring(tokens)}
`)

// RedisStore keeps buckets in Redis so that every gateway replica shares
// the same admission state.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	closed bool
	mu     sync.Mutex
}

// RedisConfig holds configuration for Redis store.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// InitialBackoff and MaxBackoff bound the wait between connection
	// attempts.
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	ConnectionRetries int

	Logger *zap.Logger
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Address:           "localhost:6379",
		Prefix:            "ratelimit:",
		PoolSize:          10,
		MinIdleConns:      2,
		MaxRetries:        3,
		DialTimeout:       5 * time.Second,
		ReadTimeout:       3 * time.Second,
		WriteTimeout:      3 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		ConnectionRetries: 5,
	}
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	config := DefaultRedisConfig()
	config.Address = addr
	config.Password = password
	config.DB = db
	if prefix != "" {
		config.Prefix = prefix
	}

	return NewRedisStoreWithConfig(ctx, config)
}

// NewRedisStoreWithConfig creates a Redis store, retrying the initial
// connection with jittered exponential backoff until ctx is done.
func NewRedisStoreWithConfig(ctx context.Context, config *RedisConfig) (*RedisStore, error) {
	if config == nil {
		config = DefaultRedisConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		MaxRetries:   config.MaxRetries,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	if err := connectWithRetry(ctx, client, config, logger); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisStore{
		client: client,
		prefix: config.Prefix,
		logger: logger,
	}, nil
}

func connectWithRetry(ctx context.Context, client *redis.Client, config *RedisConfig, logger *zap.Logger) error {
	maxRetries := config.ConnectionRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := newJitterBackoff(config.InitialBackoff, config.MaxBackoff)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("redis connection aborted: %w", err)
		}

		pingCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
		lastErr = client.Ping(pingCtx).Err()
		cancel()

		if lastErr == nil {
			if attempt > 0 {
				logger.Info("redis connection established after retry",
					zap.String("address", config.Address),
					zap.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		if attempt == maxRetries {
			break
		}

		wait := backoff.next()
		logger.Debug("redis connection failed, retrying",
			zap.String("address", config.Address),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", wait),
			zap.Error(lastErr),
		)
		redisStoreConnectionRetries.Inc()

		select {
		case <-ctx.Done():
			return fmt.Errorf("redis connection aborted during backoff: %w", ctx.Err())
		case <-time.After(wait):
		}
	}

	return fmt.Errorf("failed to connect to redis after %d attempts: %w", maxRetries+1, lastErr)
}

// jitterBackoff implements decorrelated jitter: sleep = min(cap, rand(base, sleep*3)).
type jitterBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newJitterBackoff(initial, maxDuration time.Duration) *jitterBackoff {
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if maxDuration < initial {
		maxDuration = initial
	}
	return &jitterBackoff{initial: initial, max: maxDuration}
}

func (b *jitterBackoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
		return b.current
	}

	lo := float64(b.initial)
	hi := float64(b.current) * 3
	//nolint:gosec // weak random is acceptable for jitter
	wait := time.Duration(lo + rand.Float64()*(hi-lo))
	if wait > b.max {
		wait = b.max
	}
	b.current = wait
	return wait
}

func (s *RedisStore) prefixKey(key string) string {
	return s.prefix + key
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, p Params, now time.Time) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, fmt.Errorf("context error before redis take: %w", err)
	}

	start := time.Now()
	// Idle buckets are full after one period; keep them a little longer.
	ttl := 2 * p.Per
	if ttl < time.Second {
		ttl = time.Second
	}

	res, err := takeScript.Run(ctx, s.client, []string{s.prefixKey(key)},
		p.Capacity,
		p.Per.Milliseconds(),
		p.Cost,
		now.UnixMilli(),
		ttl.Milliseconds(),
	).Slice()
	redisStoreOperationDuration.WithLabelValues("take").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("take", "error").Inc()
		return State{}, fmt.Errorf("redis take error: %w", err)
	}

	state, err := parseTakeResult(res)
	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("take", "error").Inc()
		return State{}, err
	}
	state.LastRefill = time.UnixMilli(now.UnixMilli())

	redisStoreOperationsTotal.WithLabelValues("take", "success").Inc()
	return state, nil
}

func parseTakeResult(res []interface{}) (State, error) {
	if len(res) != 2 {
		return State{}, fmt.Errorf("unexpected redis take reply length %d", len(res))
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return State{}, fmt.Errorf("unexpected redis take reply type %T", res[0])
	}

	raw, ok := res[1].(string)
	if !ok {
		return State{}, fmt.Errorf("unexpected redis take tokens type %T", res[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return State{}, fmt.Errorf("failed to parse tokens: %w", err)
	}

	return State{Allowed: allowed == 1, Tokens: tokens}, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error before redis delete: %w", err)
	}

	start := time.Now()
	err := s.client.Del(ctx, s.prefixKey(key)).Err()
	redisStoreOperationDuration.WithLabelValues("delete").Observe(time.Since(start).Seconds())

	if err != nil {
		redisStoreOperationsTotal.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("redis delete error: %w", err)
	}

	redisStoreOperationsTotal.WithLabelValues("delete", "success").Inc()
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
