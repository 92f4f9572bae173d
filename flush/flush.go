// Package flush is the flush coordinator: it converts the in-memory
// delta and tombstones into persistent artifacts in a fixed order,
// with named crash-injection points so fault tests can target each
// one. It is built the way a background flusher with pause/resume
// controls is built, retargeted from "periodic background flush" to
// "caller-invoked, five-step durable publish".
package flush

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
	"github.com/ysankpia/nervusdb-sub004/internal/shardmap"
	"github.com/ysankpia/nervusdb-sub004/mainfile"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/metrics"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/propindex"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/wal"
)

// CrashPoint names one of the flush injection points. It is a
// first-class, always-checked runtime value (not a build tag), so
// crash injection can never be optimized out of a release build.
type CrashPoint string

const (
	CrashNone                   CrashPoint = ""
	CrashBeforeIncrementalWrite CrashPoint = "before-incremental-write"
	CrashBeforePageAppend       CrashPoint = "before-page-append"
	CrashBeforeManifestWrite    CrashPoint = "before-manifest-write"
	CrashBeforeWALReset         CrashPoint = "before-wal-reset"
)

// EnvCrashPoint is the environment variable the demo CLI and tests read
// to select a CrashPoint without threading it through every call site.
const EnvCrashPoint = "NERVUSDB_CRASH_POINT"

// ErrSimulatedCrash is wrapped by the error a Coordinator returns when a
// configured crash point is reached; the step it guards is left
// un-performed, exactly as a real process death would leave it.
var ErrSimulatedCrash = fmt.Errorf("flush: simulated crash")

// CrashPointFromEnv reads EnvCrashPoint, defaulting to CrashNone.
func CrashPointFromEnv() CrashPoint {
	return CrashPoint(os.Getenv(EnvCrashPoint))
}

// Paths collects the on-disk locations a Coordinator writes to.
type Paths struct {
	MainFile       string
	PropertiesFile string
	HotnessFile    string
	NodeIndexFile  string
	EdgeIndexFile  string
	LabelIndexFile string
}

// Deps are the in-memory components a flush converts into durable
// artifacts.
type Deps struct {
	Dict       *dictionary.Dictionary
	Delta      *memdelta.Delta
	Props      *propstore.Store
	Pages      *pageindex.Coordinator
	NodeIndex  *propindex.NodePropertyIndex
	EdgeIndex  *propindex.EdgePropertyIndex
	LabelIndex *propindex.LabelIndex
	WAL        *wal.WAL
	Hotness    *shardmap.Map
}

// Throttle controls how often the comparatively expensive hotness and
// property/label index snapshots are rewritten.
type Throttle struct {
	Hotness       time.Duration
	IndexSnapshot time.Duration
}

// DefaultThrottle is 5 minutes for hotness, 10 minutes for index snapshots.
var DefaultThrottle = Throttle{Hotness: 5 * time.Minute, IndexSnapshot: 10 * time.Minute}

// Coordinator runs flushes. One Coordinator exists per open database,
// owned by the writer.
type Coordinator struct {
	mu sync.Mutex

	paths    Paths
	deps     Deps
	throttle Throttle
	log      zerolog.Logger

	crashPoint CrashPoint
	paused     bool

	lastDictVersion  uint64
	lastPropsVersion uint64
	lastHotnessFlush time.Time
	lastIndexFlush   time.Time
}

// New builds a Coordinator. crashPoint is normally CrashPointFromEnv();
// tests pass a specific CrashPoint to deterministically fault-inject one
// step.
func New(paths Paths, deps Deps, throttle Throttle, crashPoint CrashPoint, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		paths:      paths,
		deps:       deps,
		throttle:   throttle,
		crashPoint: crashPoint,
		log:        log.With().Str("component", "flush").Logger(),
	}
}

// Pause stops Run from doing anything until Resume is called; it is a
// pause/resume control for background flush, used to write crash
// injection scenarios deterministically (pause background flush, drive
// a flush manually, inspect state).
func (c *Coordinator) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume re-enables Run.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
}

func (c *Coordinator) checkCrash(point CrashPoint) error {
	if c.crashPoint != CrashNone && c.crashPoint == point {
		return fmt.Errorf("%w: %s", ErrSimulatedCrash, point)
	}
	return nil
}

// Run executes one flush pass. It is idempotent: if nothing changed
// since the last successful flush (dictionary/properties versions
// unchanged, delta empty, no tombstones) step 1 and step 2 are skipped
// entirely and only the throttled snapshots run, if due.
func (c *Coordinator) Run() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return nil
	}

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.FlushDuration)
		metrics.FlushesTotal.Inc()
	}()

	dictVersion := c.deps.Dict.Version()
	propsVersion := c.deps.Props.Version()
	staged := c.deps.Delta.List()
	tombstones := c.deps.Delta.Tombstones()

	dictOrPropsChanged := dictVersion != c.lastDictVersion || propsVersion != c.lastPropsVersion
	hasStagedWork := len(staged) > 0 || len(tombstones) > 0

	if dictOrPropsChanged {
		if err := c.checkCrash(CrashBeforeIncrementalWrite); err != nil {
			return err
		}
		if err := mainfile.Write(c.paths.MainFile, &mainfile.State{Dictionary: c.deps.Dict}); err != nil {
			return fmt.Errorf("flush: writing main file: %w", err)
		}
		if err := c.deps.Props.Flush(c.paths.PropertiesFile); err != nil {
			return fmt.Errorf("flush: writing properties: %w", err)
		}
		c.deps.Props.MarkClean()
		c.lastDictVersion = dictVersion
		c.lastPropsVersion = propsVersion
		c.log.Info().Uint64("dictVersion", dictVersion).Uint64("propsVersion", propsVersion).Msg("flush: main file written")
	}

	if hasStagedWork {
		if err := c.checkCrash(CrashBeforePageAppend); err != nil {
			return err
		}
		// pageindex.Coordinator.AppendFromStaging writes pages and
		// publishes the new manifest as one atomic unit (temp+rename+
		// fsync-dir); a crash at either named point below therefore
		// produces the same observable recovery state: neither pages
		// nor manifest advanced, and the surviving WAL replays all of
		// it on the next open.
		if err := c.checkCrash(CrashBeforeManifestWrite); err != nil {
			return err
		}
		epoch, err := c.deps.Pages.AppendFromStaging(staged, tombstones)
		if err != nil {
			return fmt.Errorf("flush: appending staged triples: %w", err)
		}
		c.log.Info().Uint64("epoch", epoch).Int("triples", len(staged)).Int("tombstones", len(tombstones)).Msg("flush: pages published")
	}

	now := time.Now()
	if now.Sub(c.lastHotnessFlush) >= c.throttle.Hotness {
		if err := writeHotnessSnapshot(c.paths.HotnessFile, c.deps.Hotness); err != nil {
			return fmt.Errorf("flush: writing hotness snapshot: %w", err)
		}
		c.lastHotnessFlush = now
	}
	if now.Sub(c.lastIndexFlush) >= c.throttle.IndexSnapshot {
		if err := c.deps.NodeIndex.Snapshot(c.paths.NodeIndexFile); err != nil {
			return fmt.Errorf("flush: writing node index snapshot: %w", err)
		}
		if err := c.deps.EdgeIndex.Snapshot(c.paths.EdgeIndexFile); err != nil {
			return fmt.Errorf("flush: writing edge index snapshot: %w", err)
		}
		if err := c.deps.LabelIndex.Snapshot(c.paths.LabelIndexFile); err != nil {
			return fmt.Errorf("flush: writing label index snapshot: %w", err)
		}
		c.lastIndexFlush = now
	}

	if err := c.checkCrash(CrashBeforeWALReset); err != nil {
		return err
	}
	if hasStagedWork {
		c.deps.Delta.Reset()
	}
	if err := c.deps.WAL.Reset(); err != nil {
		return fmt.Errorf("flush: resetting wal: %w", err)
	}

	return nil
}

// ForceSnapshots runs the throttled hotness/index snapshot steps
// unconditionally, ignoring the throttle interval. Used by Stats() and
// by Close() so a clean shutdown never loses counters gathered since the
// last throttled window.
func (c *Coordinator) ForceSnapshots() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeHotnessSnapshot(c.paths.HotnessFile, c.deps.Hotness); err != nil {
		return err
	}
	if err := c.deps.NodeIndex.Snapshot(c.paths.NodeIndexFile); err != nil {
		return err
	}
	if err := c.deps.EdgeIndex.Snapshot(c.paths.EdgeIndexFile); err != nil {
		return err
	}
	if err := c.deps.LabelIndex.Snapshot(c.paths.LabelIndexFile); err != nil {
		return err
	}
	c.lastHotnessFlush = time.Now()
	c.lastIndexFlush = time.Now()
	return nil
}
