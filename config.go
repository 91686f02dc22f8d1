package dmap

import "go.uber.org/zap"

// Config collects the construction-time options for a Map. It is built by
// applying a sequence of Option functions, the same functional-options
// shape github.com/llxisdsh/pb's mapof.go uses for WithPresize and
// WithShrinkEnabled.
type Config[K comparable, V any] struct {
	expectedEntries int
	poolSize        int
	equal           EqualFunc[K]
	hash            HashFunc[K]
	policy          InsertPolicy[V]
	log             *zap.Logger
}

// Option configures a Map at construction time.
type Option[K comparable, V any] func(*Config[K, V])

// WithExpectedEntries sizes the head-bucket table so that roughly n
// entries fit without overflowing: numBuckets = max(1, n / EntriesPerBucket).
// A value <= 0 still yields a functional 1-bucket table.
func WithExpectedEntries[K comparable, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) {
		c.expectedEntries = n
	}
}

// WithWorkerPoolSize bounds the goroutine pool backing ForEachEntry and
// ForEachKey. A value <= 0 leaves the default pool size in place.
func WithWorkerPoolSize[K comparable, V any](n int) Option[K, V] {
	return func(c *Config[K, V]) {
		c.poolSize = n
	}
}

// WithEqual overrides the key-equality function used for duplicate
// detection within a bucket chain. The default compares K with Go's
// built-in ==.
func WithEqual[K comparable, V any](eq EqualFunc[K]) Option[K, V] {
	return func(c *Config[K, V]) {
		c.equal = eq
	}
}

// WithHash overrides the hash function used both for head-bucket indexing
// and (by the global façade) for key-to-locality partitioning. The
// default is the Go runtime's own built-in hasher for K, the same one
// map[K]V uses, so it hashes K by content rather than by raw memory.
func WithHash[K comparable, V any](h HashFunc[K]) Option[K, V] {
	return func(c *Config[K, V]) {
		c.hash = h
	}
}

// WithLogger sets the logger a Map uses to report locality lifecycle
// events, in particular overflow-bucket allocation. The default is a
// no-op logger, so a Map stays silent unless a caller opts in.
func WithLogger[K comparable, V any](log *zap.Logger) Option[K, V] {
	return func(c *Config[K, V]) {
		c.log = log
	}
}

// WithInsertPolicy overrides the collision-resolution policy invoked when
// Insert targets an already-present key. The default is Overwrite.
func WithInsertPolicy[K comparable, V any](p InsertPolicy[V]) Option[K, V] {
	return func(c *Config[K, V]) {
		c.policy = p
	}
}
