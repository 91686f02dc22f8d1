// Package dmap implements a node-local concurrent hashmap with
// bucket-chained storage and per-bucket locking.
//
// dmap.Map is the "local" half of a distributed, thread-safe associative
// container: entries live in a fixed-size table of head buckets, each
// bucket holding a small inline slot array plus an optional chain of
// heap-allocated overflow buckets. The table never resizes after
// construction, so sizing it correctly up front is the caller's job, the
// same tradeoff github.com/llxisdsh/pb's MapOf makes for its cache-line
// buckets, just without the parallel-resize machinery since this map's
// size is fixed for its lifetime.
//
// The distributed partitioning, remote dispatch and write-aggregation
// layers that turn many dmap.Map instances (one per "locality") into a
// single global map live in the dmap/global, dmap/runtime and
// dmap/aggregate packages.
package dmap
