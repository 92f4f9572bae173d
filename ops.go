package nervusdb

import (
	"fmt"

	"github.com/ysankpia/nervusdb-sub004/lock"
	"github.com/ysankpia/nervusdb-sub004/maintenance"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/query"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/txn"
)

// ResolveID looks up value's dictionary id without assigning a new one.
func (h *Handle) ResolveID(value string) (uint32, bool) {
	return h.dict.GetID(value)
}

// InternID returns value's dictionary id, assigning a fresh one if
// value has never been seen. Useful for building a triple.Pattern
// against an already-known entity without going through AddFact.
func (h *Handle) InternID(value string) uint32 {
	return h.dict.GetOrCreateID(value)
}

// Value returns the string a dictionary id was assigned to.
func (h *Handle) Value(id uint32) (string, bool) {
	return h.dict.GetValue(id)
}

// AddFact logically inserts the triple (subject, predicate, object).
func (h *Handle) AddFact(subject, predicate, object string) error {
	if err := h.requireWritable(); err != nil {
		return err
	}
	return wrapErr(KindIO, "addFact", h.txns.AddFact(subject, predicate, object))
}

// DeleteFact logically tombstones the triple (subject, predicate, object).
func (h *Handle) DeleteFact(subject, predicate, object string) error {
	if err := h.requireWritable(); err != nil {
		return err
	}
	return wrapErr(KindIO, "deleteFact", h.txns.DeleteFact(subject, predicate, object))
}

// SetNodeProperties replaces nodeID's property bag wholly, returning
// whatever was previously visible.
func (h *Handle) SetNodeProperties(nodeID uint32, bag triple.Bag) (triple.Bag, error) {
	if err := h.requireWritable(); err != nil {
		return nil, err
	}
	old, err := h.txns.SetNodeProperties(nodeID, bag)
	return old, wrapErr(KindIO, "setNodeProperties", err)
}

// SetEdgeProperties replaces key's property bag wholly, returning
// whatever was previously visible.
func (h *Handle) SetEdgeProperties(key triple.EdgeKey, bag triple.Bag) (triple.Bag, error) {
	if err := h.requireWritable(); err != nil {
		return nil, err
	}
	old, err := h.txns.SetEdgeProperties(key, bag)
	return old, wrapErr(KindIO, "setEdgeProperties", err)
}

// GetNodeProperties returns nodeID's currently visible property bag. A
// missing bag is distinct from an empty one: ok is false only when
// nodeID has never had properties set.
func (h *Handle) GetNodeProperties(nodeID uint32) (triple.Bag, bool, error) {
	if err := h.requireOpen(); err != nil {
		return nil, false, err
	}
	if h.txns != nil {
		bag, ok := h.txns.GetNodeProperties(nodeID)
		return bag, ok, nil
	}
	bag, ok := h.props.GetNodeProperties(nodeID)
	return bag, ok, nil
}

// GetEdgeProperties returns key's currently visible property bag.
func (h *Handle) GetEdgeProperties(key triple.EdgeKey) (triple.Bag, bool, error) {
	if err := h.requireOpen(); err != nil {
		return nil, false, err
	}
	if h.txns != nil {
		bag, ok := h.txns.GetEdgeProperties(key)
		return bag, ok, nil
	}
	bag, ok := h.props.GetEdgeProperties(key)
	return bag, ok, nil
}

// LookupNodesByProperty returns every node id whose bag currently has
// name set to value, via the secondary property index.
func (h *Handle) LookupNodesByProperty(name string, value triple.Value) []uint32 {
	return h.nodeIdx.Lookup(name, value)
}

// LookupEdgesByProperty returns every edge key whose bag currently has
// name set to value.
func (h *Handle) LookupEdgesByProperty(name string, value triple.Value) []triple.EdgeKey {
	return h.edgeIdx.Lookup(name, value)
}

// LookupNodesByLabel returns every node id carrying label.
func (h *Handle) LookupNodesByLabel(label string) []uint32 {
	return h.labels.Lookup(label)
}

// activeManifest returns the manifest snapshot reads should run
// against: the top of the pinned-epoch stack if one is pushed
// (snapshot-isolated reads), otherwise the coordinator's latest
// published manifest (read-committed).
func (h *Handle) activeManifest() *pageindex.Manifest {
	if n := len(h.pinnedManifests); n > 0 {
		return h.pinnedManifests[n-1]
	}
	return h.pages.Manifest()
}

func (h *Handle) currentOverlay() txn.Overlay {
	if h.txns == nil {
		return txn.Overlay{}
	}
	return h.txns.Overlay()
}

// Query runs pattern to completion and returns every matching, live
// triple (delta, transaction overlay and paged index, tombstone
// precedence enforced across all three).
func (h *Handle) Query(pattern triple.Pattern) ([]triple.Triple, error) {
	if err := h.requireOpen(); err != nil {
		return nil, err
	}
	triples, err := h.dispatcher.Query(pattern, h.delta, h.currentOverlay(), h.activeManifest())
	return triples, wrapErr(KindIO, "query", err)
}

// StreamQuery opens a bounded-memory Stream over pattern. The caller
// must Close the returned Stream.
func (h *Handle) StreamQuery(pattern triple.Pattern, batchSize int) (*query.Stream, error) {
	if err := h.requireOpen(); err != nil {
		return nil, err
	}
	s, err := h.dispatcher.StreamQuery(pattern, h.delta, h.currentOverlay(), h.activeManifest(), batchSize)
	return s, wrapErr(KindIO, "streamQuery", err)
}

// BeginBatch opens a new nested batch, returning its txId.
func (h *Handle) BeginBatch(opts txn.BeginOptions) (string, error) {
	if err := h.requireWritable(); err != nil {
		return "", err
	}
	txID, err := h.txns.BeginBatch(opts)
	return txID, wrapErr(KindIO, "beginBatch", err)
}

// CommitBatch ends the innermost open batch.
func (h *Handle) CommitBatch(durable bool) error {
	if err := h.requireWritable(); err != nil {
		return err
	}
	return wrapErr(KindIO, "commitBatch", h.txns.CommitBatch(durable))
}

// AbortBatch discards the innermost open batch.
func (h *Handle) AbortBatch() error {
	if err := h.requireWritable(); err != nil {
		return err
	}
	return wrapErr(KindIO, "abortBatch", h.txns.AbortBatch())
}

// BatchDepth reports the current batch nesting depth.
func (h *Handle) BatchDepth() int {
	if h.txns == nil {
		return 0
	}
	return h.txns.Depth()
}

// Flush runs one flush pass: durable artifacts for the dictionary,
// properties, paged index and (throttled) hotness/property-index
// snapshots, then truncates the delta and WAL. A no-op on a read-only
// handle's Coordinator would be nonsensical, so it is refused outright.
func (h *Handle) Flush() error {
	if err := h.requireWritable(); err != nil {
		return err
	}
	return wrapErr(KindIO, "flush", h.flusher.Run())
}

// PushPinnedEpoch captures the coordinator's currently published
// manifest as this handle's read snapshot and registers it in the
// reader directory so maintenance's GC will not reclaim any orphan
// page the snapshot might still touch. Every subsequent Query/
// StreamQuery call uses this snapshot instead of the live manifest,
// until the matching PopPinnedEpoch.
func (h *Handle) PushPinnedEpoch() (uint64, error) {
	if err := h.requireOpen(); err != nil {
		return 0, err
	}
	m := h.pages.Manifest()
	rh, err := lock.RegisterReader(h.readersDir, m.Epoch)
	if err != nil {
		return 0, wrapErr(KindIO, "pushPinnedEpoch", err)
	}
	h.epochs.Push(m.Epoch)
	h.readerHandles = append(h.readerHandles, rh)
	h.pinnedManifests = append(h.pinnedManifests, m)
	return m.Epoch, nil
}

// PopPinnedEpoch releases the most recently pushed pinned snapshot,
// reverting reads to whatever snapshot (or the live manifest) is next
// on the stack.
func (h *Handle) PopPinnedEpoch() (uint64, error) {
	if err := h.requireOpen(); err != nil {
		return 0, err
	}
	epoch, ok := h.epochs.Pop()
	if !ok {
		return 0, wrapErr(KindInvariant, "popPinnedEpoch", fmt.Errorf("no pinned epoch is open"))
	}
	n := len(h.readerHandles)
	rh := h.readerHandles[n-1]
	h.readerHandles = h.readerHandles[:n-1]
	h.pinnedManifests = h.pinnedManifests[:len(h.pinnedManifests)-1]
	if err := rh.Close(); err != nil {
		return epoch, wrapErr(KindIO, "popPinnedEpoch", err)
	}
	return epoch, nil
}

// PinnedDepth reports how many epochs are currently pinned.
func (h *Handle) PinnedDepth() int {
	return h.epochs.Depth()
}

// Maintenance exposes the handle's maintenance.Runner so a caller can
// drive Compact/GC on its own schedule; there is no built-in scheduler.
func (h *Handle) Maintenance() *MaintenanceHandle {
	return &MaintenanceHandle{h: h}
}

// MaintenanceHandle scopes Compact/GC to a Handle, supplying the live
// hotness snapshot Compact needs without exposing shardmap.Map itself.
type MaintenanceHandle struct{ h *Handle }

// Compact runs pageindex compaction under policy.
func (m *MaintenanceHandle) Compact(policy maintenance.Policy) (pageindex.CompactionResult, error) {
	if err := m.h.requireWritable(); err != nil {
		return pageindex.CompactionResult{}, err
	}
	hotness := make(map[uint32]int64)
	m.h.hotness.Each(func(key uint64, value int64) { hotness[uint32(key)] = value })
	result, err := m.h.maint.Compact(policy, hotness)
	return result, wrapErr(KindIO, "compact", err)
}

// GC reclaims orphan pages no longer visible to any registered reader.
func (m *MaintenanceHandle) GC() (pageindex.GCResult, error) {
	if err := m.h.requireWritable(); err != nil {
		return pageindex.GCResult{}, err
	}
	result, err := m.h.maint.GC()
	return result, wrapErr(KindIO, "gc", err)
}
