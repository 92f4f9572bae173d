// Package nervusdb is an embedded triple store: it wires the
// dictionary, in-memory delta, property store and its secondary
// indexes, write-ahead log, paged on-disk index, transaction manager,
// query dispatcher, flush coordinator and maintenance runner into the
// single Handle an application opens. One constructor resolves config,
// opens every on-disk artifact, and replays whatever the write-ahead
// log says survived the last run before handing back a handle ready
// for reads and writes.
package nervusdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
	"github.com/ysankpia/nervusdb-sub004/flush"
	"github.com/ysankpia/nervusdb-sub004/internal/shardmap"
	"github.com/ysankpia/nervusdb-sub004/lock"
	"github.com/ysankpia/nervusdb-sub004/mainfile"
	"github.com/ysankpia/nervusdb-sub004/maintenance"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/propindex"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/query"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/txn"
	"github.com/ysankpia/nervusdb-sub004/wal"
)

// MemoryPath, passed as Open's path, requests a database that lives
// entirely under a temporary directory and is discarded on Close.
const MemoryPath = ":memory:"

// Kind classifies a StorageError into its error taxonomy.
type Kind string

const (
	KindIO             Kind = "io"
	KindFormat         Kind = "format"
	KindFormatMismatch Kind = "format_mismatch"
	KindLock           Kind = "lock"
	KindCRC            Kind = "crc"
	KindInvariant      Kind = "invariant"
)

// StorageError wraps the errors Handle's storage operations return,
// tagging each with the operation that failed and the Kind a caller
// should switch on instead of matching error strings. The guard errors
// ErrClosed and ErrReadOnly are returned unwrapped.
type StorageError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("nervusdb: %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func wrapErr(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Kind: kind, Op: op, Err: err}
}

// ErrFormatMismatch is returned (wrapped in a StorageError) when the
// on-disk storage_format_epoch does not match what this build writes.
var ErrFormatMismatch = mainfile.ErrFormatMismatch

// ErrLockHeld is returned by Open when another writer already holds
// the lock file.
var ErrLockHeld = errors.New("nervusdb: database already locked by another writer")

// ErrLocklessReadRefused is returned by an OptReadOnly Open when the
// write-ahead log is non-empty: a lockless reader has no way to
// observe the writer's in-memory delta, so an unflushed WAL means the
// on-disk snapshot alone is known to be stale.
var ErrLocklessReadRefused = errors.New("nervusdb: refusing lockless read: wal is not empty")

// ErrReadOnly is returned by every mutating operation on a handle
// opened with OptReadOnly.
var ErrReadOnly = errors.New("nervusdb: handle is read-only")

// ErrClosed is returned by any operation on a handle after Close.
var ErrClosed = errors.New("nervusdb: handle is closed")

// Handle is one open database. It is not safe for concurrent use by
// multiple goroutines calling mutating methods without external
// synchronization beyond what's documented per method; txn.Manager
// itself serializes every write.
type Handle struct {
	cfg *config

	path   string
	memory bool
	memDir string

	writerLock      *lock.WriterLock
	epochs          *lock.EpochPinStack
	readerHandles   []*lock.ReaderHandle
	pinnedManifests []*pageindex.Manifest
	readersDir      string

	dict    *dictionary.Dictionary
	delta   *memdelta.Delta
	props   *propstore.Store
	nodeIdx *propindex.NodePropertyIndex
	edgeIdx *propindex.EdgePropertyIndex
	labels  *propindex.LabelIndex
	pages   *pageindex.Coordinator
	wal     *wal.WAL
	hotness *shardmap.Map

	txns       *txn.Manager
	dispatcher *query.Dispatcher
	flusher    *flush.Coordinator
	maint      *maintenance.Runner

	paths flush.Paths

	closed bool
}

func defaultPaths(pagesDir string) flush.Paths {
	return flush.Paths{
		PropertiesFile: filepath.Join(pagesDir, "property-store.json"),
		HotnessFile:    filepath.Join(pagesDir, "hotness.json"),
		NodeIndexFile:  filepath.Join(pagesDir, "property-node-index.json"),
		EdgeIndexFile:  filepath.Join(pagesDir, "property-edge-index.json"),
		LabelIndexFile: filepath.Join(pagesDir, "property-label-index.json"),
	}
}

// Open opens (creating if necessary) the database rooted at path, or a
// throwaway temp-directory database if path is MemoryPath.
func Open(path string, opts ...func(*config)) (*Handle, error) {
	cfg := resolveConfig(opts...)
	h := &Handle{cfg: cfg}

	realPath := path
	if path == MemoryPath {
		dir, err := os.MkdirTemp("", "nervusdb-mem-*")
		if err != nil {
			return nil, wrapErr(KindIO, "open", err)
		}
		h.memory = true
		h.memDir = dir
		realPath = filepath.Join(dir, "db")
	}
	h.path = realPath

	pagesDir := realPath + ".pages"
	h.readersDir = filepath.Join(pagesDir, "readers")
	h.paths = defaultPaths(pagesDir)
	h.paths.MainFile = realPath

	if cfg.readOnly {
		empty, err := walIsEmptyOrMissing(realPath + ".wal")
		if err != nil {
			h.cleanupMemory()
			return nil, wrapErr(KindIO, "open", err)
		}
		if !empty {
			h.cleanupMemory()
			return nil, wrapErr(KindInvariant, "open", ErrLocklessReadRefused)
		}
	} else if cfg.enableLock {
		wl, err := lock.AcquireWriter(realPath + ".lock")
		if err != nil {
			h.cleanupMemory()
			if errors.Is(err, lock.ErrLocked) {
				return nil, wrapErr(KindLock, "open", ErrLockHeld)
			}
			return nil, wrapErr(KindIO, "open", err)
		}
		h.writerLock = wl
	}

	state, err := mainfile.Open(realPath)
	if err != nil {
		h.Close()
		if errors.Is(err, mainfile.ErrFormatMismatch) {
			return nil, wrapErr(KindFormatMismatch, "open", err)
		}
		return nil, wrapErr(KindFormat, "open", err)
	}
	h.dict = state.Dictionary
	h.delta = memdelta.New()

	props, err := propstore.Load(h.paths.PropertiesFile)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindFormat, "open", err)
	}
	h.props = props

	h.nodeIdx, err = loadOrRebuildNodeIndex(h.paths.NodeIndexFile, h.props)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindFormat, "open", err)
	}
	h.edgeIdx, err = loadOrRebuildEdgeIndex(h.paths.EdgeIndexFile, h.props)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindFormat, "open", err)
	}
	h.labels, err = loadOrRebuildLabelIndex(h.paths.LabelIndexFile, h.props)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindFormat, "open", err)
	}

	h.hotness = shardmap.New()
	if err := flush.LoadHotnessSnapshot(h.paths.HotnessFile, h.hotness); err != nil {
		h.Close()
		return nil, wrapErr(KindFormat, "open", err)
	}

	openResult, err := pageindex.Open(pagesDir, cfg.pageSize, cfg.compression, cfg.logger)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindIO, "open", err)
	}
	h.pages = openResult.Coordinator

	if cfg.readOnly {
		h.dispatcher = query.NewDispatcher(h.pages, nil)
		h.epochs = lock.NewEpochPinStack()
		return h, nil
	}

	w, err := wal.Open(realPath+".wal", cfg.logger)
	if err != nil {
		h.Close()
		return nil, wrapErr(KindIO, "open", err)
	}
	h.wal = w

	replayed, err := w.Replay()
	if err != nil {
		h.Close()
		return nil, wrapErr(KindIO, "open", err)
	}
	applyReplay(h.dict, h.delta, h.props, h.nodeIdx, h.edgeIdx, h.labels, replayed)

	if openResult.NeedsRebuild {
		if err := rebuildPages(h.pages, openResult.Coordinator.Manifest()); err != nil {
			h.Close()
			return nil, wrapErr(KindInvariant, "open", err)
		}
	}

	h.txns = txn.NewManager(h.dict, h.delta, h.props, h.nodeIdx, h.edgeIdx, h.labels, h.wal)
	h.dispatcher = query.NewDispatcher(h.pages, h.hotness)
	h.flusher = flush.New(h.paths, flush.Deps{
		Dict: h.dict, Delta: h.delta, Props: h.props, Pages: h.pages,
		NodeIndex: h.nodeIdx, EdgeIndex: h.edgeIdx, LabelIndex: h.labels,
		WAL: h.wal, Hotness: h.hotness,
	}, flush.Throttle{Hotness: cfg.hotnessThrottle, IndexSnapshot: cfg.indexThrottle}, cfg.crashPoint, cfg.logger)
	h.maint = maintenance.New(h.pages, h.readersDir, cfg.logger)
	h.epochs = lock.NewEpochPinStack()

	return h, nil
}

// rebuildPages repopulates the paged index from whatever the previous
// manifest (loaded before the mismatch/corruption was detected) still
// describes. A brand-new database has an empty previous manifest, so
// this writes six empty page files and publishes an empty manifest at
// the next epoch; a page-size change re-streams the still-intact page
// files at the old size and re-partitions them at the new one. A
// manifest that failed to parse at all (as opposed to merely recording
// a different page size) has no page catalog to stream from — its
// page bytes are unrecoverable without the offsets the manifest held,
// so that case rebuilds from an empty triple set and relies on the
// recovered WAL replay alone (already folded into the delta by the
// time this runs).
func rebuildPages(pages *pageindex.Coordinator, prev *pageindex.Manifest) error {
	var allTriples []triple.Triple
	if prev != nil && len(prev.Orders[triple.SPO.String()]) > 0 {
		triples, err := pages.StreamAll(prev, triple.SPO)
		if err != nil {
			return err
		}
		allTriples = triples
	}
	var tombstones []triple.Triple
	if prev != nil {
		tombstones = prev.Tombstones
	}
	_, err := pages.RebuildFromStorage(allTriples, tombstones)
	return err
}

func loadOrRebuildNodeIndex(path string, props *propstore.Store) (*propindex.NodePropertyIndex, error) {
	idx, ok, err := propindex.LoadNodePropertyIndex(path)
	if err != nil {
		return nil, err
	}
	if ok {
		return idx, nil
	}
	return propindex.RebuildNodePropertyIndex(props), nil
}

func loadOrRebuildEdgeIndex(path string, props *propstore.Store) (*propindex.EdgePropertyIndex, error) {
	idx, ok, err := propindex.LoadEdgePropertyIndex(path)
	if err != nil {
		return nil, err
	}
	if ok {
		return idx, nil
	}
	return propindex.RebuildEdgePropertyIndex(props), nil
}

func loadOrRebuildLabelIndex(path string, props *propstore.Store) (*propindex.LabelIndex, error) {
	idx, ok, err := propindex.LoadLabelIndex(path)
	if err != nil {
		return nil, err
	}
	if ok {
		return idx, nil
	}
	return propindex.RebuildLabelIndex(props), nil
}

// applyReplay folds a WAL replay's surviving records into the freshly
// loaded in-memory state. Adds and deletes are applied in the order
// the WAL groups them (every surviving add, then every surviving
// delete): a triple added, deleted and re-added within the same
// unflushed window resolves to deleted rather than present, a known
// approximation of wal.Replayed's kind-grouped shape rather than a
// strict replay of original chronological order.
func applyReplay(dict *dictionary.Dictionary, delta *memdelta.Delta, props *propstore.Store, nodeIdx *propindex.NodePropertyIndex, edgeIdx *propindex.EdgePropertyIndex, labels *propindex.LabelIndex, replayed wal.Replayed) {
	for _, r := range replayed.Adds {
		s := dict.GetOrCreateID(r.Subject)
		p := dict.GetOrCreateID(r.Predicate)
		o := dict.GetOrCreateID(r.Object)
		delta.Add(triple.Triple{S: s, P: p, O: o})
	}
	for _, r := range replayed.Deletes {
		s, ok1 := dict.GetID(r.Subject)
		p, ok2 := dict.GetID(r.Predicate)
		o, ok3 := dict.GetID(r.Object)
		if !ok1 || !ok2 || !ok3 {
			continue
		}
		delta.Tombstone(triple.Triple{S: s, P: p, O: o})
	}
	for _, r := range replayed.NodeProps {
		old := props.SetNodeProperties(r.NodeID, r.Bag)
		nodeIdx.Apply(r.NodeID, old, r.Bag)
		labels.Apply(r.NodeID, old, r.Bag)
	}
	for _, r := range replayed.EdgeProps {
		key := triple.EdgeKey{S: r.EdgeS, P: r.EdgeP, O: r.EdgeO}
		old := props.SetEdgeProperties(key, r.Bag)
		edgeIdx.Apply(key, old, r.Bag)
	}
}

func walHeaderSize() int64 { return 12 }

// walIsEmptyOrMissing reports whether the WAL at path is absent or
// contains only its header, without creating it (unlike wal.Open,
// which a lockless reader must never do).
func walIsEmptyOrMissing(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.Size() <= walHeaderSize(), nil
}

// Close flushes throttled snapshots unconditionally, releases the
// writer lock (or reader registration) and, for a MemoryPath handle,
// removes the temporary directory entirely.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if h.flusher != nil {
		record(h.flusher.ForceSnapshots())
	}
	if h.wal != nil {
		record(h.wal.Close())
	}
	for _, rh := range h.readerHandles {
		record(rh.Close())
	}
	h.readerHandles = nil
	h.pinnedManifests = nil
	if h.writerLock != nil {
		record(h.writerLock.Release())
	}
	h.cleanupMemory()
	return wrapErr(KindIO, "close", firstErr)
}

func (h *Handle) cleanupMemory() {
	if h.memory && h.memDir != "" {
		os.RemoveAll(h.memDir)
	}
}

func (h *Handle) requireOpen() error {
	if h.closed {
		return ErrClosed
	}
	return nil
}

func (h *Handle) requireWritable() error {
	if err := h.requireOpen(); err != nil {
		return err
	}
	if h.cfg.readOnly {
		return ErrReadOnly
	}
	return nil
}
