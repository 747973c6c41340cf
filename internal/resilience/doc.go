// Package resilience provides the protection primitives that guard calls to
// remote providers: a fixed-window rate limiter, a deadline guard and a
// per-key circuit breaker.
//
// Limiter and Breaker keep their state behind BucketStore and CircuitStore.
// MemoryStore is the default and accounts exactly within one process; the
// redis adapter implements the same interfaces for multi-instance
// deployments. Every update of a key's state is atomic.
package resilience
