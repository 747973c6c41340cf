package resilience

import (
	"context"
	"hash/maphash"
	"sync"
	"time"
)

const shardCount = 32

// Compile-time interface satisfaction checks.
var (
	_ BucketStore  = (*MemoryStore)(nil)
	_ CircuitStore = (*MemoryStore)(nil)
)

// MemoryStore is the in-process BucketStore and CircuitStore. Keys are
// spread over lock-striped shards so that a read-modify-write on one key is
// atomic without serializing unrelated keys.
type MemoryStore struct {
	seed    maphash.Seed
	shards  [shardCount]memoryShard
	idleTTL time.Duration
}

type memoryShard struct {
	mu       sync.Mutex
	buckets  map[string]RateBucket
	circuits map[string]CircuitState
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithIdleTTL sets how long a closed circuit with recorded failures is kept
// after its last failure before Sweep forgets it.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(s *MemoryStore) { s.idleTTL = d }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		seed:    maphash.MakeSeed(),
		idleTTL: 15 * time.Minute,
	}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]RateBucket)
		s.shards[i].circuits = make(map[string]CircuitState)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) shard(key string) *memoryShard {
	return &s.shards[maphash.String(s.seed, key)%shardCount]
}

// Hit implements BucketStore.
func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration, now time.Time) (RateBucket, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || !now.Before(b.ResetAt) {
		b = RateBucket{Count: 1, ResetAt: now.Add(window)}
	} else {
		b.Count++
	}
	sh.buckets[key] = b
	return b, nil
}

// Get implements CircuitStore.
func (s *MemoryStore) Get(_ context.Context, key string) (CircuitState, bool, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	st, ok := sh.circuits[key]
	return st, ok, nil
}

// RecordFailure implements CircuitStore.
func (s *MemoryStore) RecordFailure(_ context.Context, key string, threshold int, cooldown time.Duration, now time.Time) (CircuitState, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	next := nextFailure(sh.circuits[key], threshold, cooldown, now)
	sh.circuits[key] = next
	return next, nil
}

// Delete implements CircuitStore.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	delete(sh.circuits, key)
	return nil
}

// Sweep drops expired buckets and circuits that are closed and idle.
func (s *MemoryStore) Sweep(now time.Time) {
	cutoff := now.Add(-s.idleTTL)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, b := range sh.buckets {
			if !now.Before(b.ResetAt) {
				delete(sh.buckets, k)
			}
		}
		for k, st := range sh.circuits {
			if !st.Open(now) && st.LastFailureAt.Before(cutoff) {
				delete(sh.circuits, k)
			}
		}
		sh.mu.Unlock()
	}
}

// StartJanitor sweeps every interval until ctx is done.
func (s *MemoryStore) StartJanitor(ctx context.Context, every time.Duration, clock Clock) {
	if every <= 0 {
		return
	}
	if clock == nil {
		clock = SystemClock{}
	}

	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Sweep(clock.Now())
			}
		}
	}()
}
