package nervusdb

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ysankpia/nervusdb-sub004/flush"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
)

// DefaultPageSize is used when no OptPageSize is given and
// NERVUSDB_PAGE_SIZE is unset. Page size is a coarse knob, not a
// per-query tunable.
const DefaultPageSize = 8192

// config holds every Open-time knob, resolved once by resolveConfig
// from (in increasing priority) built-in defaults, environment
// variables, then functional options — the same layering idiom
// generalized from "cores and bucket sizing" to the whole handle.
type config struct {
	pageSize        int
	compression     pageindex.CompressionConfig
	hotnessThrottle time.Duration
	indexThrottle   time.Duration
	enableLock      bool
	readOnly        bool
	crashPoint      flush.CrashPoint
	logger          zerolog.Logger
}

func resolveConfig(opts ...func(*config)) *config {
	cfg := &config{
		pageSize:        DefaultPageSize,
		compression:     pageindex.CompressionConfig{Enabled: true, Level: 5},
		hotnessThrottle: flush.DefaultThrottle.Hotness,
		indexThrottle:   flush.DefaultThrottle.IndexSnapshot,
		enableLock:      true,
		crashPoint:      flush.CrashPointFromEnv(),
		logger:          zerolog.Nop(),
	}
	if env := os.Getenv("NERVUSDB_PAGE_SIZE"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			cfg.pageSize = v
		}
	}
	if env := os.Getenv("NERVUSDB_COMPRESSION_LEVEL"); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			cfg.compression.Level = v
			cfg.compression.Enabled = v > 0
		}
	}
	if env := os.Getenv("NERVUSDB_DISABLE_LOCK"); env != "" {
		cfg.enableLock = false
	}

	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.pageSize <= 0 {
		cfg.pageSize = DefaultPageSize
	}
	return cfg
}

// OptPageSize overrides the configured page size. Changing it against
// an existing database forces a one-time rebuild of the paged index on
// next Open.
func OptPageSize(n int) func(*config) {
	return func(cfg *config) { cfg.pageSize = n }
}

// OptCompression overrides page body compression.
func OptCompression(enabled bool, level int) func(*config) {
	return func(cfg *config) { cfg.compression = pageindex.CompressionConfig{Enabled: enabled, Level: level} }
}

// OptThrottle overrides the hotness/index snapshot throttle intervals
// a flush obeys (flush.DefaultThrottle otherwise).
func OptThrottle(t flush.Throttle) func(*config) {
	return func(cfg *config) {
		cfg.hotnessThrottle = t.Hotness
		cfg.indexThrottle = t.IndexSnapshot
	}
}

// OptDisableLock skips acquiring (or checking) the writer lock file.
// Intended for tests that open the same path from one process under
// controlled sequencing; production callers should leave locking on.
func OptDisableLock() func(*config) {
	return func(cfg *config) { cfg.enableLock = false }
}

// OptReadOnly opens a lockless reader: no writer lock, no WAL handle,
// no txn.Manager. Open refuses with ErrLocklessReadRefused if the WAL
// is non-empty, since a lockless reader cannot safely reconcile
// unflushed writer state.
func OptReadOnly() func(*config) {
	return func(cfg *config) { cfg.readOnly = true }
}

// OptCrashPoint overrides the flush crash-injection point (otherwise
// flush.CrashPointFromEnv(), i.e. NERVUSDB_CRASH_POINT). Test-only in
// practice, but not gated behind a build tag: crash points must exist
// in every build so fault-injection tests can run against a normal
// binary.
func OptCrashPoint(cp flush.CrashPoint) func(*config) {
	return func(cfg *config) { cfg.crashPoint = cp }
}

// OptLogger overrides the zerolog.Logger every component logs through.
func OptLogger(l zerolog.Logger) func(*config) {
	return func(cfg *config) { cfg.logger = l }
}
