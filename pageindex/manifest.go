// Package pageindex is the on-disk, per-ordering compressed page files
// plus the manifest that atomically publishes them. The
// manifest-as-single-publication-point design lets readers take their
// own snapshot of the manifest instead of contending on a per-pager
// lock; taking a snapshot (Clone) copies the page catalog, so its cost
// grows with the number of pages. Compression and CRC framing follow a checksummed
// append-only file design, generalized from "checksum every N bytes of
// one big blob" to "one CRC per self-contained, independently-
// brotli-compressed page".
package pageindex

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

const ManifestFormatVersion = 1

// CompressionConfig records how page bodies are compressed.
type CompressionConfig struct {
	Enabled bool `json:"enabled"`
	Level   int  `json:"level"`
}

// PageMeta describes one page: a contiguous run of triples sharing the
// same primary value under one ordering.
type PageMeta struct {
	PrimaryValue  uint32 `json:"primaryValue"`
	FileOffset    int64  `json:"fileOffset"`
	CompressedLen uint32 `json:"compressedLen"`
	RawLen        uint32 `json:"rawLen"`
	CRC32         uint32 `json:"crc32"`
}

// OrphanPage is a page superseded by a rewrite but possibly still
// referenced by an older pinned snapshot.
type OrphanPage struct {
	Order           string  `json:"order"`
	Page            PageMeta `json:"page"`
	IntroducedEpoch uint64  `json:"introducedEpoch"`
}

// Manifest is the single point of publication: advancing it advances
// the visible epoch.
type Manifest struct {
	Version     int                     `json:"version"`
	PageSize    int                     `json:"pageSize"`
	Epoch       uint64                  `json:"epoch"`
	CreatedAt   int64                   `json:"createdAt"`
	Compression CompressionConfig       `json:"compression"`
	Orders      map[string][]PageMeta   `json:"orders"`
	Tombstones  []triple.Triple         `json:"tombstones"`
	Orphans     []OrphanPage            `json:"orphans,omitempty"`
}

// newEmptyManifest builds a manifest with no pages at epoch 0.
func newEmptyManifest(pageSize int, compression CompressionConfig, now int64) *Manifest {
	m := &Manifest{
		Version:     ManifestFormatVersion,
		PageSize:    pageSize,
		Epoch:       0,
		CreatedAt:   now,
		Compression: compression,
		Orders:      make(map[string][]PageMeta, len(triple.AllOrders)),
	}
	for _, o := range triple.AllOrders {
		m.Orders[o.String()] = nil
	}
	return m
}

// Clone returns a deep-enough copy for safe independent mutation (the
// writer mutates a clone and publishes it; readers keep the old one).
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Orders = make(map[string][]PageMeta, len(m.Orders))
	for k, v := range m.Orders {
		cp := make([]PageMeta, len(v))
		copy(cp, v)
		c.Orders[k] = cp
	}
	c.Tombstones = append([]triple.Triple(nil), m.Tombstones...)
	c.Orphans = append([]OrphanPage(nil), m.Orphans...)
	return &c
}

// manifestPath/pageFilePath are the file-layout helpers from spec
// section 6.
func manifestPath(pagesDir string) string { return filepath.Join(pagesDir, "index-manifest.json") }

func pageFileName(o triple.Order) string { return o.String() + ".idxpage" }

func pageFilePath(pagesDir string, o triple.Order) string {
	return filepath.Join(pagesDir, pageFileName(o))
}

// loadManifest reads and parses the manifest at pagesDir, or returns
// (nil, false, nil) if it does not exist yet.
func loadManifest(pagesDir string) (*Manifest, bool, error) {
	data, err := os.ReadFile(manifestPath(pagesDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, fmt.Errorf("pageindex: manifest corrupt, rebuild required: %w", err)
	}
	return &m, true, nil
}

// publish atomically writes m as the new manifest: temp file, fsync,
// rename, fsync parent dir. This rename is the atomic commit point that
// advances the visible epoch.
func publish(pagesDir string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := manifestPath(pagesDir) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, manifestPath(pagesDir)); err != nil {
		return err
	}
	dir, err := os.Open(pagesDir)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
