package pageindex

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/ysankpia/nervusdb-sub004/metrics"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// Coordinator owns the six per-ordering page files and the shared
// manifest. It is the only writer of either; readers obtain a Clone()'d
// Manifest snapshot and read pages through their own *os.File handles.
type Coordinator struct {
	pagesDir    string
	pageSize    int
	compression CompressionConfig
	log         zerolog.Logger

	manifestMu sync.RWMutex
	manifest   *Manifest

	writeMu sync.Mutex // serializes appends across orders (single writer anyway)
}

// OpenResult is returned by Open. NeedsRebuild reports that the caller
// must repopulate the pages before the manifest can be trusted: no
// manifest existed yet, the manifest could not be parsed, or the
// configured page size doesn't match what's recorded. The main file
// holds no triples, so the only rebuild source is whatever the
// Coordinator's manifest still describes, which is nothing when the
// manifest was missing or unreadable.
type OpenResult struct {
	Coordinator  *Coordinator
	NeedsRebuild bool
}

// Open loads (or prepares to create) the manifest and page files under
// pagesDir.
func Open(pagesDir string, pageSize int, compression CompressionConfig, log zerolog.Logger) (*OpenResult, error) {
	if err := os.MkdirAll(pagesDir, 0o755); err != nil {
		return nil, err
	}
	m, found, err := loadManifest(pagesDir)
	needsRebuild := false
	if err != nil {
		// Manifest corrupt: start from an empty manifest and flag a
		// rebuild rather than failing the open; the old page catalog is
		// lost.
		log.Warn().Err(err).Msg("pageindex: manifest unreadable, will rebuild")
		needsRebuild = true
		m = newEmptyManifest(pageSize, compression, time.Now().Unix())
	} else if !found {
		needsRebuild = true
		m = newEmptyManifest(pageSize, compression, time.Now().Unix())
	} else if m.PageSize != pageSize {
		log.Warn().Int("manifestPageSize", m.PageSize).Int("configured", pageSize).Msg("pageindex: page size mismatch, rebuild required")
		needsRebuild = true
	}
	c := &Coordinator{
		pagesDir:    pagesDir,
		pageSize:    pageSize,
		compression: compression,
		log:         log.With().Str("component", "pageindex").Logger(),
		manifest:    m,
	}
	return &OpenResult{Coordinator: c, NeedsRebuild: needsRebuild}, nil
}

// Manifest returns a deep-enough copy of the currently published
// manifest, suitable for a reader to pin as its snapshot.
func (c *Coordinator) Manifest() *Manifest {
	c.manifestMu.RLock()
	defer c.manifestMu.RUnlock()
	return c.manifest.Clone()
}

// Epoch returns the currently published epoch.
func (c *Coordinator) Epoch() uint64 {
	c.manifestMu.RLock()
	defer c.manifestMu.RUnlock()
	return c.manifest.Epoch
}

func groupByPrimary(order triple.Order, triples []triple.Triple) map[uint32][][2]uint32 {
	groups := make(map[uint32][][2]uint32)
	for _, t := range triples {
		p, s, o := order.Key(t)
		groups[p] = append(groups[p], [2]uint32{s, o})
	}
	for p := range groups {
		sort.Slice(groups[p], func(i, j int) bool {
			if groups[p][i][0] != groups[p][j][0] {
				return groups[p][i][0] < groups[p][j][0]
			}
			return groups[p][i][1] < groups[p][j][1]
		})
	}
	return groups
}

// AppendFromStaging groups staged triples by primary value per
// ordering, encodes+compresses+appends one page per (order, primary)
// group, merges newTombstones into the manifest, and publishes a new
// manifest, advancing the epoch by one. An empty staging with no new
// tombstones and no orphan changes is a no-op (epoch unchanged).
func (c *Coordinator) AppendFromStaging(staged []triple.Triple, newTombstones []triple.Triple) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	next := c.Manifest()
	changed := false

	if len(staged) > 0 {
		for _, order := range triple.AllOrders {
			groups := groupByPrimary(order, staged)
			if len(groups) == 0 {
				continue
			}
			primaries := make([]uint32, 0, len(groups))
			for p := range groups {
				primaries = append(primaries, p)
			}
			sort.Slice(primaries, func(i, j int) bool { return primaries[i] < primaries[j] })

			f, err := os.OpenFile(pageFilePath(c.pagesDir, order), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return 0, err
			}
			for _, primary := range primaries {
				meta, err := c.writePage(f, primary, groups[primary])
				if err != nil {
					f.Close()
					return 0, err
				}
				next.Orders[order.String()] = append(next.Orders[order.String()], meta)
			}
			if err := f.Sync(); err != nil {
				f.Close()
				return 0, err
			}
			if err := f.Close(); err != nil {
				return 0, err
			}
		}
		changed = true
	}

	if len(newTombstones) > 0 {
		existing := make(map[triple.Triple]struct{}, len(next.Tombstones))
		for _, t := range next.Tombstones {
			existing[t] = struct{}{}
		}
		for _, t := range newTombstones {
			if _, ok := existing[t]; !ok {
				next.Tombstones = append(next.Tombstones, t)
				existing[t] = struct{}{}
				changed = true
			}
		}
	}

	if !changed {
		return next.Epoch, nil
	}
	next.Epoch++
	if err := publish(c.pagesDir, next); err != nil {
		return 0, err
	}
	c.manifestMu.Lock()
	c.manifest = next
	c.manifestMu.Unlock()
	metrics.CurrentEpoch.Set(float64(next.Epoch))
	c.log.Info().Uint64("epoch", next.Epoch).Int("staged", len(staged)).Msg("pageindex: published manifest")
	return next.Epoch, nil
}

func (c *Coordinator) writePage(f *os.File, primary uint32, entries [][2]uint32) (PageMeta, error) {
	raw := encodePageBody(entries)
	compressed, err := compressPage(raw, c.compression)
	if err != nil {
		return PageMeta{}, err
	}
	offset, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return PageMeta{}, err
	}
	if _, err := f.Write(compressed); err != nil {
		return PageMeta{}, err
	}
	return PageMeta{
		PrimaryValue:  primary,
		FileOffset:    offset,
		CompressedLen: uint32(len(compressed)),
		RawLen:        uint32(len(raw)),
		CRC32:         crcOf(compressed),
	}, nil
}

// RebuildFromStorage discards the current manifest and page files and
// rewrites everything from allTriples (streamed by the caller from
// whatever the old manifest's pages still describe, or empty if there
// was none), partitioning by each ordering's primary and writing
// pages in key-sorted order. Used when no manifest exists yet or the
// page size changed.
func (c *Coordinator) RebuildFromStorage(allTriples []triple.Triple, tombstones []triple.Triple) (uint64, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prevEpoch := uint64(0)
	c.manifestMu.RLock()
	if c.manifest != nil {
		prevEpoch = c.manifest.Epoch
	}
	c.manifestMu.RUnlock()

	next := newEmptyManifest(c.pageSize, c.compression, time.Now().Unix())
	next.Epoch = prevEpoch + 1
	next.Tombstones = append([]triple.Triple(nil), tombstones...)

	for _, order := range triple.AllOrders {
		path := pageFilePath(c.pagesDir, order)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return 0, err
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return 0, err
		}
		groups := groupByPrimary(order, allTriples)
		primaries := make([]uint32, 0, len(groups))
		for p := range groups {
			primaries = append(primaries, p)
		}
		sort.Slice(primaries, func(i, j int) bool { return primaries[i] < primaries[j] })
		for _, primary := range primaries {
			meta, err := c.writePage(f, primary, groups[primary])
			if err != nil {
				f.Close()
				return 0, err
			}
			next.Orders[order.String()] = append(next.Orders[order.String()], meta)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return 0, err
		}
		if err := f.Close(); err != nil {
			return 0, err
		}
	}
	if err := publish(c.pagesDir, next); err != nil {
		return 0, err
	}
	c.manifestMu.Lock()
	c.manifest = next
	c.manifestMu.Unlock()
	metrics.CurrentEpoch.Set(float64(next.Epoch))
	c.log.Info().Uint64("epoch", next.Epoch).Int("triples", len(allTriples)).Msg("pageindex: rebuilt from storage")
	return next.Epoch, nil
}

// ReadPage returns every live triple for primaryValue under order, as
// of manifest m (a caller-supplied snapshot, so a reader pinned to an
// older epoch reads consistently even while the writer publishes newer
// manifests concurrently). Pages that fail their CRC check are skipped
// with a warning instead of aborting the read.
func (c *Coordinator) ReadPage(m *Manifest, order triple.Order, primaryValue uint32) ([]triple.Triple, error) {
	pages := m.Orders[order.String()]
	var matches []PageMeta
	for _, p := range pages {
		if p.PrimaryValue == primaryValue {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	f, err := os.Open(pageFilePath(c.pagesDir, order))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []triple.Triple
	for _, meta := range matches {
		triples, ok, err := c.readOnePage(f, m, order, meta)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, triples...)
		}
	}
	return out, nil
}

func (c *Coordinator) readOnePage(f *os.File, m *Manifest, order triple.Order, meta PageMeta) ([]triple.Triple, bool, error) {
	metrics.PageReadsTotal.WithLabelValues(order.String()).Inc()
	buf := make([]byte, meta.CompressedLen)
	if _, err := f.ReadAt(buf, meta.FileOffset); err != nil {
		return nil, false, err
	}
	if crcOf(buf) != meta.CRC32 {
		metrics.PageReadErrorsTotal.WithLabelValues(order.String()).Inc()
		c.log.Warn().Str("order", order.String()).Uint32("primary", meta.PrimaryValue).Msg("pageindex: CRC mismatch, skipping page")
		return nil, false, nil
	}
	raw, err := decompressPage(buf, m.Compression)
	if err != nil {
		metrics.PageReadErrorsTotal.WithLabelValues(order.String()).Inc()
		c.log.Warn().Str("order", order.String()).Uint32("primary", meta.PrimaryValue).Err(err).Msg("pageindex: decompress failed, skipping page")
		return nil, false, nil
	}
	entries, err := decodePageBody(raw)
	if err != nil {
		metrics.PageReadErrorsTotal.WithLabelValues(order.String()).Inc()
		c.log.Warn().Str("order", order.String()).Uint32("primary", meta.PrimaryValue).Err(err).Msg("pageindex: malformed page body, skipping page")
		return nil, false, nil
	}
	out := make([]triple.Triple, 0, len(entries))
	for _, e := range entries {
		out = append(out, order.Rebuild(meta.PrimaryValue, e[0], e[1]))
	}
	return out, true, nil
}

// Cursor streams every page of an ordering, one page per Next, for bulk
// scans and streamQuery.
type Cursor struct {
	c      *Coordinator
	m      *Manifest
	order  triple.Order
	pages  []PageMeta
	idx    int
	f      *os.File
}

// NewCursor opens a streaming cursor over order's pages in manifest m.
func (c *Coordinator) NewCursor(m *Manifest, order triple.Order) (*Cursor, error) {
	pages := append([]PageMeta(nil), m.Orders[order.String()]...)
	sort.Slice(pages, func(i, j int) bool { return pages[i].PrimaryValue < pages[j].PrimaryValue })
	f, err := os.Open(pageFilePath(c.pagesDir, order))
	if err != nil {
		if os.IsNotExist(err) {
			f = nil
		} else {
			return nil, err
		}
	}
	return &Cursor{c: c, m: m, order: order, pages: pages, f: f}, nil
}

// Next returns the next page's triples, or io.EOF when exhausted.
// CRC-failing or malformed pages are silently skipped (the cursor
// advances to the next page rather than stopping).
func (cur *Cursor) Next() ([]triple.Triple, error) {
	if cur.f == nil {
		return nil, io.EOF
	}
	for cur.idx < len(cur.pages) {
		meta := cur.pages[cur.idx]
		cur.idx++
		triples, ok, err := cur.c.readOnePage(cur.f, cur.m, cur.order, meta)
		if err != nil {
			return nil, err
		}
		if ok {
			return triples, nil
		}
	}
	return nil, io.EOF
}

// Close releases the cursor's file handle. Safe to call multiple times.
func (cur *Cursor) Close() error {
	if cur.f == nil {
		return nil
	}
	err := cur.f.Close()
	cur.f = nil
	return err
}

// StreamAll collects every triple of order via a Cursor. Intended for
// tests and small scans; callers needing bounded memory should drive
// NewCursor/Next directly instead.
func (c *Coordinator) StreamAll(m *Manifest, order triple.Order) ([]triple.Triple, error) {
	cur, err := c.NewCursor(m, order)
	if err != nil {
		return nil, err
	}
	defer cur.Close()
	var out []triple.Triple
	for {
		batch, err := cur.Next()
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

// String implements fmt.Stringer for diagnostics.
func (m *Manifest) String() string {
	return fmt.Sprintf("manifest{epoch=%d pages=%d tombstones=%d orphans=%d}",
		m.Epoch, totalPages(m), len(m.Tombstones), len(m.Orphans))
}

func totalPages(m *Manifest) int {
	n := 0
	for _, pages := range m.Orders {
		n += len(pages)
	}
	return n
}
