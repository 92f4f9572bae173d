package pageindex

import (
	"io"
	"os"
	"sort"

	"github.com/ysankpia/nervusdb-sub004/metrics"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// CompactionMode selects how aggressively Compact merges fragmented
// pages.
type CompactionMode string

const (
	ModeRewrite     CompactionMode = "rewrite"
	ModeIncremental CompactionMode = "incremental"
)

// CompactionStats summarizes one ordering's page layout before a
// Compact call, and doubles as the dry-run report.
type CompactionStats struct {
	Order      string
	Primaries  int
	Pages      int
	MergeCount int
}

// CompactionResult is returned by Compact.
type CompactionResult struct {
	DryRun       bool
	Epoch        uint64
	Stats        []CompactionStats
	OrphansAdded int
}

// Compact merges pages that have become fragmented. In ModeRewrite every
// primary with more than one page is merged into one. In
// ModeIncremental only primaries whose page count is >= minMergePages,
// or whose hotness counter (keyed by primary value) is >= hotThreshold,
// are merged — so read pressure, not just fragmentation, can trigger a
// merge. DryRun computes and returns CompactionStats without mutating
// anything.
func (c *Coordinator) Compact(mode CompactionMode, minMergePages int, hotness map[uint32]int64, hotThreshold int64, dryRun bool) (CompactionResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Manifest()
	result := CompactionResult{DryRun: dryRun, Epoch: cur.Epoch}
	next := cur.Clone()

	type mergePlan struct {
		order     triple.Order
		primaries []uint32
		pages     map[uint32][]PageMeta
	}
	var plans []mergePlan

	for _, order := range triple.AllOrders {
		orderStr := order.String()
		pages := cur.Orders[orderStr]
		byPrimary := make(map[uint32][]PageMeta)
		for _, p := range pages {
			byPrimary[p.PrimaryValue] = append(byPrimary[p.PrimaryValue], p)
		}

		var candidates []uint32
		for primary, metas := range byPrimary {
			if len(metas) < 2 {
				continue
			}
			eligible := mode == ModeRewrite ||
				len(metas) >= minMergePages ||
				hotness[primary] >= hotThreshold
			if eligible {
				candidates = append(candidates, primary)
			}
		}
		sort.Slice(candidates, func(i, j int) bool { return candidates[i] < candidates[j] })
		result.Stats = append(result.Stats, CompactionStats{
			Order: orderStr, Primaries: len(byPrimary), Pages: len(pages), MergeCount: len(candidates),
		})
		if len(candidates) > 0 {
			plans = append(plans, mergePlan{order: order, primaries: candidates, pages: byPrimary})
		}
	}

	if dryRun || len(plans) == 0 {
		return result, nil
	}

	for _, plan := range plans {
		orderStr := plan.order.String()
		oldF, err := os.Open(pageFilePath(c.pagesDir, plan.order))
		if err != nil {
			return result, err
		}
		merged := make(map[uint32][][2]uint32, len(plan.primaries))
		mergedSet := make(map[uint32]struct{}, len(plan.primaries))
		for _, primary := range plan.primaries {
			mergedSet[primary] = struct{}{}
			var entries [][2]uint32
			for _, meta := range plan.pages[primary] {
				triples, ok, err := c.readOnePage(oldF, cur, plan.order, meta)
				if err != nil {
					oldF.Close()
					return result, err
				}
				if !ok {
					continue
				}
				for _, t := range triples {
					_, s, o := plan.order.Key(t)
					entries = append(entries, [2]uint32{s, o})
				}
			}
			sort.Slice(entries, func(i, j int) bool {
				if entries[i][0] != entries[j][0] {
					return entries[i][0] < entries[j][0]
				}
				return entries[i][1] < entries[j][1]
			})
			merged[primary] = entries
		}
		oldF.Close()

		appendF, err := os.OpenFile(pageFilePath(c.pagesDir, plan.order), os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return result, err
		}
		var kept []PageMeta
		for _, meta := range next.Orders[orderStr] {
			if _, merging := mergedSet[meta.PrimaryValue]; merging {
				next.Orphans = append(next.Orphans, OrphanPage{Order: orderStr, Page: meta, IntroducedEpoch: cur.Epoch})
				result.OrphansAdded++
				continue
			}
			kept = append(kept, meta)
		}
		for _, primary := range plan.primaries {
			meta, err := c.writePage(appendF, primary, merged[primary])
			if err != nil {
				appendF.Close()
				return result, err
			}
			kept = append(kept, meta)
		}
		if err := appendF.Sync(); err != nil {
			appendF.Close()
			return result, err
		}
		if err := appendF.Close(); err != nil {
			return result, err
		}
		next.Orders[orderStr] = kept
	}

	next.Epoch = cur.Epoch + 1
	if err := publish(c.pagesDir, next); err != nil {
		return result, err
	}
	c.manifestMu.Lock()
	c.manifest = next
	c.manifestMu.Unlock()
	result.Epoch = next.Epoch
	metrics.CurrentEpoch.Set(float64(next.Epoch))
	metrics.CompactionOrphansTotal.Add(float64(result.OrphansAdded))
	c.log.Info().Uint64("epoch", next.Epoch).Int("orphansAdded", result.OrphansAdded).Msg("pageindex: compaction published")
	return result, nil
}

// GCResult is returned by GC.
type GCResult struct {
	Epoch     uint64
	Reclaimed int
}

// GC reclaims orphan pages no longer visible to any active reader:
// an orphan is eligible once its introducing epoch precedes every
// active epoch (or there are no active readers at all). Eligible
// orphans' bytes are dropped by rewriting the affected page files to
// contain only what remains live or still-pinned; everything else moves
// forward to a republished manifest. A failure partway through leaves
// the prior manifest in place.
func (c *Coordinator) GC(activeEpochs []uint64) (GCResult, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	cur := c.Manifest()

	hasActive := len(activeEpochs) > 0
	minActive := uint64(0)
	if hasActive {
		minActive = activeEpochs[0]
		for _, e := range activeEpochs {
			if e < minActive {
				minActive = e
			}
		}
	}

	dropSet := make(map[string]map[int64]struct{})
	var keptOrphans []OrphanPage
	reclaimed := 0
	for _, o := range cur.Orphans {
		eligible := !hasActive || o.IntroducedEpoch < minActive
		if eligible {
			if dropSet[o.Order] == nil {
				dropSet[o.Order] = make(map[int64]struct{})
			}
			dropSet[o.Order][o.Page.FileOffset] = struct{}{}
			reclaimed++
			continue
		}
		keptOrphans = append(keptOrphans, o)
	}
	if reclaimed == 0 {
		return GCResult{Epoch: cur.Epoch}, nil
	}

	next := cur.Clone()
	next.Orphans = nil

	for _, order := range triple.AllOrders {
		orderStr := order.String()
		var orphansForOrder []OrphanPage
		for _, o := range keptOrphans {
			if o.Order == orderStr {
				orphansForOrder = append(orphansForOrder, o)
			}
		}
		if len(dropSet[orderStr]) == 0 {
			next.Orphans = append(next.Orphans, orphansForOrder...)
			continue
		}

		orphanPages := make([]PageMeta, len(orphansForOrder))
		for i, o := range orphansForOrder {
			orphanPages[i] = o.Page
		}
		newLive, newOrphanPages, err := c.rewritePageFile(order, next.Orders[orderStr], orphanPages)
		if err != nil {
			return GCResult{}, err
		}
		next.Orders[orderStr] = newLive
		for i, meta := range newOrphanPages {
			orphansForOrder[i].Page = meta
		}
		next.Orphans = append(next.Orphans, orphansForOrder...)
	}

	next.Epoch = cur.Epoch + 1
	if err := publish(c.pagesDir, next); err != nil {
		return GCResult{}, err
	}
	c.manifestMu.Lock()
	c.manifest = next
	c.manifestMu.Unlock()
	metrics.CurrentEpoch.Set(float64(next.Epoch))
	metrics.GCReclaimedTotal.Add(float64(reclaimed))
	c.log.Info().Uint64("epoch", next.Epoch).Int("reclaimed", reclaimed).Msg("pageindex: gc published")
	return GCResult{Epoch: next.Epoch, Reclaimed: reclaimed}, nil
}

// rewritePageFile copies live and still-pinned-orphan page bytes for
// order into a fresh file (dropping anything not passed in), replacing
// the original. Byte-identical page bodies are preserved (CRCs are
// computed over compressed bytes, not offsets), only FileOffset changes.
func (c *Coordinator) rewritePageFile(order triple.Order, live, orphans []PageMeta) (newLive, newOrphans []PageMeta, err error) {
	oldPath := pageFilePath(c.pagesDir, order)
	oldF, err := os.Open(oldPath)
	if err != nil {
		if os.IsNotExist(err) {
			return live, orphans, nil
		}
		return nil, nil, err
	}
	defer oldF.Close()

	tmpPath := oldPath + ".compact"
	newF, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	copyOne := func(meta PageMeta) (PageMeta, error) {
		buf := make([]byte, meta.CompressedLen)
		if _, err := oldF.ReadAt(buf, meta.FileOffset); err != nil {
			return PageMeta{}, err
		}
		offset, err := newF.Seek(0, io.SeekEnd)
		if err != nil {
			return PageMeta{}, err
		}
		if _, err := newF.Write(buf); err != nil {
			return PageMeta{}, err
		}
		meta.FileOffset = offset
		return meta, nil
	}

	newLive = make([]PageMeta, 0, len(live))
	for _, meta := range live {
		nm, err := copyOne(meta)
		if err != nil {
			newF.Close()
			return nil, nil, err
		}
		newLive = append(newLive, nm)
	}
	newOrphans = make([]PageMeta, 0, len(orphans))
	for _, meta := range orphans {
		nm, err := copyOne(meta)
		if err != nil {
			newF.Close()
			return nil, nil, err
		}
		newOrphans = append(newOrphans, nm)
	}

	if err := newF.Sync(); err != nil {
		newF.Close()
		return nil, nil, err
	}
	if err := newF.Close(); err != nil {
		return nil, nil, err
	}
	if err := os.Rename(tmpPath, oldPath); err != nil {
		return nil, nil, err
	}
	return newLive, newOrphans, nil
}
