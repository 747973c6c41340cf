// Package redis shares rate-limit buckets and circuit breaker state across
// service instances. Every read-modify-write runs as one Lua script, so
// counts stay exact under concurrent access from any number of processes.
package redis

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ericfisherdev/credguard/internal/resilience"
)

// Compile-time interface satisfaction checks.
var (
	_ resilience.BucketStore  = (*Store)(nil)
	_ resilience.CircuitStore = (*Store)(nil)
)

//go:embed hit.lua
var hitLuaScript string

//go:embed failure.lua
var failureLuaScript string

const defaultKeyPrefix = "credguard:v1:"

// Store implements resilience.BucketStore and resilience.CircuitStore on a
// Redis server or cluster.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	idleTTL   time.Duration
	hit       *goredis.Script
	failure   *goredis.Script
	closeOnce sync.Once
}

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix sets the prefix prepended to every key.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithIdleTTL sets how long circuit state outlives its cooldown before Redis
// expires it.
func WithIdleTTL(d time.Duration) Option {
	return func(s *Store) { s.idleTTL = d }
}

// NewStore creates a Store on client. client may be a *goredis.Client or a
// *goredis.ClusterClient.
func NewStore(client goredis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: defaultKeyPrefix,
		idleTTL:   15 * time.Minute,
		hit:       goredis.NewScript(hitLuaScript),
		failure:   goredis.NewScript(failureLuaScript),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks connectivity to the server.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close closes the client. Safe to call multiple times.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.client.Close()
	})
	return err
}

func (s *Store) bucketKey(key string) string {
	return s.keyPrefix + "rl:" + key
}

func (s *Store) circuitKey(key string) string {
	return s.keyPrefix + "cb:" + key
}

// Hit counts one request against key.
func (s *Store) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (resilience.RateBucket, error) {
	vals, err := s.run(ctx, s.hit, []string{s.bucketKey(key)},
		now.UnixMilli(),       // ARGV[1]
		window.Milliseconds(), // ARGV[2]
	)
	if err != nil {
		return resilience.RateBucket{}, fmt.Errorf("redis hit %q: %w", key, err)
	}
	if len(vals) != 2 {
		return resilience.RateBucket{}, fmt.Errorf("redis hit %q: unexpected reply length %d", key, len(vals))
	}

	return resilience.RateBucket{
		Count:   int(vals[0]),
		ResetAt: fromMillis(vals[1]),
	}, nil
}

// Get returns the circuit state for key and whether any exists.
func (s *Store) Get(ctx context.Context, key string) (resilience.CircuitState, bool, error) {
	fields, err := s.client.HGetAll(ctx, s.circuitKey(key)).Result()
	if err != nil {
		return resilience.CircuitState{}, false, fmt.Errorf("redis get circuit %q: %w", key, err)
	}
	if len(fields) == 0 {
		return resilience.CircuitState{}, false, nil
	}

	failures, err := strconv.Atoi(fields["failures"])
	if err != nil {
		return resilience.CircuitState{}, false, fmt.Errorf("redis get circuit %q: parse failures: %w", key, err)
	}
	openedUntil, err := parseMillis(fields["opened_until"])
	if err != nil {
		return resilience.CircuitState{}, false, fmt.Errorf("redis get circuit %q: parse opened_until: %w", key, err)
	}
	lastFailureAt, err := parseMillis(fields["last_failure_at"])
	if err != nil {
		return resilience.CircuitState{}, false, fmt.Errorf("redis get circuit %q: parse last_failure_at: %w", key, err)
	}

	return resilience.CircuitState{
		Failures:      failures,
		OpenedUntil:   openedUntil,
		LastFailureAt: lastFailureAt,
	}, true, nil
}

// RecordFailure applies one failure to key atomically.
func (s *Store) RecordFailure(
	ctx context.Context,
	key string,
	threshold int,
	cooldown time.Duration,
	now time.Time,
) (resilience.CircuitState, error) {
	vals, err := s.run(ctx, s.failure, []string{s.circuitKey(key)},
		now.UnixMilli(),                       // ARGV[1]
		threshold,                             // ARGV[2]
		cooldown.Milliseconds(),               // ARGV[3]
		(cooldown + s.idleTTL).Milliseconds(), // ARGV[4]
	)
	if err != nil {
		return resilience.CircuitState{}, fmt.Errorf("redis record failure %q: %w", key, err)
	}
	if len(vals) != 3 {
		return resilience.CircuitState{}, fmt.Errorf("redis record failure %q: unexpected reply length %d", key, len(vals))
	}

	return resilience.CircuitState{
		Failures:      int(vals[0]),
		OpenedUntil:   fromMillis(vals[1]),
		LastFailureAt: fromMillis(vals[2]),
	}, nil
}

// Delete removes all circuit state for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.circuitKey(key)).Err(); err != nil {
		return fmt.Errorf("redis delete circuit %q: %w", key, err)
	}
	return nil
}

// run executes script, loading it once more if the server lost its script
// cache (e.g. after a restart or failover).
func (s *Store) run(ctx context.Context, script *goredis.Script, keys []string, args ...any) ([]int64, error) {
	vals, err := script.Run(ctx, s.client, keys, args...).Int64Slice()
	if err == nil || !strings.Contains(err.Error(), "NOSCRIPT") {
		return vals, err
	}

	if loadErr := script.Load(ctx, s.client).Err(); loadErr != nil {
		return nil, fmt.Errorf("load lua script: %w", loadErr)
	}
	vals, err = script.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("script execution failed after load: %w", err)
	}
	return vals, nil
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseMillis(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return fromMillis(ms), nil
}
