// Package shardmap is a small, lock-striped, concurrent uint64-keyed map.
// It is the load-bearing data structure behind the hotness map: a fixed
// array of shards, each
// independently locked, selected by a hash of the key so concurrent
// access to different keys never contends on the same mutex.
//
// Unlike a radix-tree-backed locked map, shardmap does not need a
// resizing split/merge dance: the keyspace here (triple primaries) is
// not large enough to need per-bucket splitting, and
// the number of shards is fixed at construction from the configured
// core count.
package shardmap

import (
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/gholt/brimutil"
	"github.com/spaolacci/murmur3"
)

type config struct {
	cores int
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{}
	if env := os.Getenv("NERVUSDB_SHARDMAP_CORES"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.cores = v
		}
	}
	if cfg.cores <= 0 {
		cfg.cores = runtime.GOMAXPROCS(0)
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.cores < 1 {
		cfg.cores = 1
	}
	return cfg
}

// OptCores overrides the shard count basis. Defaults to env
// NERVUSDB_SHARDMAP_CORES or GOMAXPROCS.
func OptCores(n int) func(*config) {
	return func(cfg *config) { cfg.cores = n }
}

type shard struct {
	mu sync.RWMutex
	m  map[uint64]int64
}

// Map is a concurrent map[uint64]int64 striped across shardCount
// shards, where shardCount is the next power of two >= cores*4,
// over-provisioning shards relative to cores to keep contention low
// under bursts.
type Map struct {
	shards []*shard
	mask   uint64
}

// New builds a Map. opts follow the functional-options + env-var
// fallback pattern used throughout this module.
func New(opts ...func(*config)) *Map {
	cfg := resolveConfig(opts...)
	n := 1 << brimutil.PowerOfTwoNeeded(uint64(cfg.cores*4))
	if n < 1 {
		n = 1
	}
	m := &Map{
		shards: make([]*shard, n),
		mask:   uint64(n - 1),
	}
	for i := range m.shards {
		m.shards[i] = &shard{m: make(map[uint64]int64)}
	}
	return m
}

func (m *Map) shardFor(key uint64) *shard {
	h := murmur3.Sum64(uint64Bytes(key))
	return m.shards[h&m.mask]
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

// Get returns the value for key and whether it was present.
func (m *Map) Get(key uint64) (int64, bool) {
	s := m.shardFor(key)
	s.mu.RLock()
	v, ok := s.m[key]
	s.mu.RUnlock()
	return v, ok
}

// Set stores v for key, replacing any prior value.
func (m *Map) Set(key uint64, v int64) {
	s := m.shardFor(key)
	s.mu.Lock()
	s.m[key] = v
	s.mu.Unlock()
}

// Add atomically increments key's counter by delta (creating it at
// delta if absent) and returns the new value. Used by the hotness map
// to bump a primary's counter on every query touching it.
func (m *Map) Add(key uint64, delta int64) int64 {
	s := m.shardFor(key)
	s.mu.Lock()
	v := s.m[key] + delta
	s.m[key] = v
	s.mu.Unlock()
	return v
}

// Delete removes key.
func (m *Map) Delete(key uint64) {
	s := m.shardFor(key)
	s.mu.Lock()
	delete(s.m, key)
	s.mu.Unlock()
}

// Len returns the total number of entries across all shards. Intended
// for stats/diagnostics, not hot paths.
func (m *Map) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Each calls f for every (key, value) pair. f must not call back into
// the Map. Iteration order is unspecified and not safe against
// concurrent Set/Add/Delete of the same keys (snapshot-ish, not exact).
func (m *Map) Each(f func(key uint64, value int64)) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.m {
			f(k, v)
		}
		s.mu.RUnlock()
	}
}

// DecayAll multiplies every counter by factor (0..1), rounding toward
// zero, and drops entries that decay to zero.
func (m *Map) DecayAll(factor float64) {
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.m {
			nv := int64(float64(v) * factor)
			if nv == 0 {
				delete(s.m, k)
			} else {
				s.m[k] = nv
			}
		}
		s.mu.Unlock()
	}
}
