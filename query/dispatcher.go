// Package query is the read-side dispatcher: given a triple.Pattern,
// pick the cheapest Order via Pattern.BestOrder, then union matches
// from the three read tiers (the in-memory delta, the open
// transaction overlay, and the paged on-disk index) with tombstone
// precedence enforced across all three. The fan-out over per-ordering
// page files lazily opens one page file per lookup, the way a
// lookup-by-key store opens its backing file lazily per key; the
// difference is that a pattern with no bound primary has nothing to
// look up by, so it falls back to a streaming cursor instead of a
// single seek.
package query

import (
	"io"

	"github.com/ysankpia/nervusdb-sub004/internal/shardmap"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/metrics"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/txn"
)

// DefaultBatchSize is the batch size StreamQuery uses when the caller
// passes a non-positive one.
const DefaultBatchSize = 1000

// Dispatcher answers pattern queries against a fixed pageindex.Coordinator,
// bumping a shared hotness counter for every bound-primary query it
// serves. It holds no reference to the delta, overlay, or manifest: those
// are supplied per-call so the same Dispatcher can serve queries taken at
// different pinned epochs.
type Dispatcher struct {
	pages   *pageindex.Coordinator
	hotness *shardmap.Map
}

// NewDispatcher builds a Dispatcher. hotness may be nil, in which case
// hotness tracking is a no-op (useful for tests that don't care about
// it).
func NewDispatcher(pages *pageindex.Coordinator, hotness *shardmap.Map) *Dispatcher {
	return &Dispatcher{pages: pages, hotness: hotness}
}

// Hotness returns the query count recorded against primary so far.
func (d *Dispatcher) Hotness(primary uint32) int64 {
	if d.hotness == nil {
		return 0
	}
	v, _ := d.hotness.Get(uint64(primary))
	return v
}

func (d *Dispatcher) bumpHotness(primary uint32) {
	if d.hotness == nil {
		return
	}
	d.hotness.Add(uint64(primary), 1)
	metrics.HotnessBumpsTotal.Inc()
}

// Query runs pattern to completion and returns every matching, live
// triple. It is a convenience wrapper over StreamQuery for callers that
// don't need bounded memory; patterns expected to match large result
// sets should drive StreamQuery directly instead.
func (d *Dispatcher) Query(pattern triple.Pattern, delta *memdelta.Delta, overlay txn.Overlay, manifest *pageindex.Manifest) ([]triple.Triple, error) {
	s, err := d.StreamQuery(pattern, delta, overlay, manifest, DefaultBatchSize)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	var out []triple.Triple
	for {
		batch, err := s.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// StreamQuery opens a Stream over pattern. The caller owns the returned
// Stream and must Close it once done (it may hold an open file handle
// into the paged index). manifest should be the snapshot the caller
// pinned at query start: passing the coordinator's latest manifest gives
// read-committed semantics, passing a retained clone gives the
// read-your-pinned-epoch semantics a registered reader needs.
func (d *Dispatcher) StreamQuery(pattern triple.Pattern, delta *memdelta.Delta, overlay txn.Overlay, manifest *pageindex.Manifest, batchSize int) (*Stream, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	order := pattern.BestOrder()

	manifestTombstones := make(map[triple.Triple]struct{}, len(manifest.Tombstones))
	for _, t := range manifest.Tombstones {
		manifestTombstones[t] = struct{}{}
	}
	isTombstoned := func(t triple.Triple) bool {
		if delta.IsTombstoned(t) || overlay.IsTombstoned(t) {
			return true
		}
		_, ok := manifestTombstones[t]
		return ok
	}

	seen := make(map[triple.Triple]struct{})
	var mem []triple.Triple
	collect := func(candidates []triple.Triple) {
		for _, t := range candidates {
			if !pattern.Matches(t) || isTombstoned(t) {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			mem = append(mem, t)
		}
	}
	// The delta and overlay are the most recent writes and are cheap to
	// scan in full; yielding them first means a caller that only wants
	// the first batch never touches the page files at all.
	collect(delta.List())
	collect(overlay.Triples())

	s := &Stream{
		pattern:      pattern,
		isTombstoned: isTombstoned,
		seen:         seen,
		memRemaining: mem,
		batchSize:    batchSize,
	}

	if primary, ok := pattern.PrimaryValue(order); ok {
		d.bumpHotness(primary)
		triples, err := d.pages.ReadPage(manifest, order, primary)
		if err != nil {
			return nil, err
		}
		s.pagedSingle = triples
	} else {
		cur, err := d.pages.NewCursor(manifest, order)
		if err != nil {
			return nil, err
		}
		s.cursor = cur
	}
	return s, nil
}
