// Package maintenance is the thin orchestration layer: it derives the
// set of active epochs from the reader registry and drives
// pageindex.Coordinator's Compact/GC, which own the actual page-file
// and manifest mutations.
package maintenance

import (
	"github.com/rs/zerolog"

	"github.com/ysankpia/nervusdb-sub004/lock"
	"github.com/ysankpia/nervusdb-sub004/metrics"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
)

// Policy controls how a Run behaves.
type Policy struct {
	Mode             pageindex.CompactionMode
	MinMergePages    int
	HotnessThreshold int64
	DryRun           bool
}

// DefaultPolicy merges fragmented primaries conservatively: full
// rewrite only when explicitly requested.
var DefaultPolicy = Policy{Mode: pageindex.ModeIncremental, MinMergePages: 4, HotnessThreshold: 100}

// Runner wires a pageindex.Coordinator to a reader registry directory,
// exposing compaction and GC as one caller-invoked operation each.
// There is no background scheduler; callers choose when to run
// maintenance.
type Runner struct {
	pages      *pageindex.Coordinator
	readersDir string
	log        zerolog.Logger
}

// New builds a Runner. readersDir is the directory lock.RegisterReader
// writes into; it is scanned fresh on every GC to compute activeEpochs.
func New(pages *pageindex.Coordinator, readersDir string, log zerolog.Logger) *Runner {
	return &Runner{pages: pages, readersDir: readersDir, log: log.With().Str("component", "maintenance").Logger()}
}

// Compact runs pageindex.Compact with hotness pulled from a
// caller-supplied snapshot (typically flush.Coordinator's live
// shardmap, rendered to a plain map by the caller so this package need
// not depend on shardmap).
func (r *Runner) Compact(policy Policy, hotness map[uint32]int64) (pageindex.CompactionResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.CompactionDuration)
	result, err := r.pages.Compact(policy.Mode, policy.MinMergePages, hotness, policy.HotnessThreshold, policy.DryRun)
	if err != nil {
		return result, err
	}
	r.log.Info().Str("mode", string(policy.Mode)).Bool("dryRun", policy.DryRun).Uint64("epoch", result.Epoch).Msg("maintenance: compaction ran")
	return result, nil
}

// GC scans the reader registry for active epochs and reclaims any
// orphan page no longer potentially visible to a live reader.
func (r *Runner) GC() (pageindex.GCResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GCDuration)
	active, err := lock.ActiveEpochs(r.readersDir)
	if err != nil {
		return pageindex.GCResult{}, err
	}
	result, err := r.pages.GC(active)
	if err != nil {
		return result, err
	}
	r.log.Info().Int("activeEpochs", len(active)).Uint64("epoch", result.Epoch).Int("reclaimed", result.Reclaimed).Msg("maintenance: gc ran")
	return result, nil
}
