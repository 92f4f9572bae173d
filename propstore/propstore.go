// Package propstore is the property store: node-ID and edge-key
// property bags, with replacement (whole-bag) write semantics and a
// "missing bag is distinct from an empty bag" read contract.
//
// Conceptually this is two tiers — an in-memory delta and a
// disk-backed cache — read delta-then-disk. Store keeps one
// synchronously-updated in-memory map plus a "dirty since last flush"
// marker set instead of two separately-consulted maps: every write
// stages into both the delta and the disk-store cache so subsequent
// reads are coherent, which means the two tiers are always made to
// agree on every write, so a single current-value map already gives
// every caller the same answer the two-tier read order would.
// The dirty set records which keys changed since the flush coordinator
// last wrote the store to disk (it calls MarkClean after each write);
// Stats reports its size. Whether a flush has anything to write is
// decided from Version, not from the dirty set.
package propstore

import (
	"os"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// Store holds node and edge property bags.
type Store struct {
	mu sync.RWMutex

	nodeProps map[uint32]triple.Bag
	edgeProps map[triple.EdgeKey]triple.Bag

	dirtyNodes map[uint32]struct{}
	dirtyEdges map[triple.EdgeKey]struct{}

	version uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodeProps:  make(map[uint32]triple.Bag),
		edgeProps:  make(map[triple.EdgeKey]triple.Bag),
		dirtyNodes: make(map[uint32]struct{}),
		dirtyEdges: make(map[triple.EdgeKey]struct{}),
	}
}

// SetNodeProperties replaces nodeID's bag wholly, returning the
// previous bag (nil if it had none) so callers — the property/label
// index maintainer — can diff old vs new.
func (s *Store) SetNodeProperties(nodeID uint32, bag triple.Bag) (old triple.Bag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.nodeProps[nodeID]
	s.nodeProps[nodeID] = bag
	s.dirtyNodes[nodeID] = struct{}{}
	s.version++
	return old
}

// SetEdgeProperties replaces key's bag wholly, returning the previous
// bag.
func (s *Store) SetEdgeProperties(key triple.EdgeKey, bag triple.Bag) (old triple.Bag) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.edgeProps[key]
	s.edgeProps[key] = bag
	s.dirtyEdges[key] = struct{}{}
	s.version++
	return old
}

// GetNodeProperties returns nodeID's bag and whether it has ever been
// set (a missing bag is distinct from an empty one).
func (s *Store) GetNodeProperties(nodeID uint32) (triple.Bag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.nodeProps[nodeID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// GetEdgeProperties returns key's bag and whether it has ever been set.
func (s *Store) GetEdgeProperties(key triple.EdgeKey) (triple.Bag, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.edgeProps[key]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// RangeNodes calls f for every node that has a property bag. f must not
// call back into the Store. Used to rebuild the property/label indexes
// from scratch when no index snapshot is available.
func (s *Store) RangeNodes(f func(id uint32, bag triple.Bag)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, bag := range s.nodeProps {
		f(id, bag)
	}
}

// RangeEdges calls f for every edge that has a property bag.
func (s *Store) RangeEdges(f func(key triple.EdgeKey, bag triple.Bag)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, bag := range s.edgeProps {
		f(key, bag)
	}
}

// Version returns the write counter, for the flush coordinator's
// version-unchanged-means-skip check.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// DirtyCounts reports how many node/edge bags changed since the last
// MarkClean, for flush/metrics bookkeeping.
func (s *Store) DirtyCounts() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirtyNodes), len(s.dirtyEdges)
}

// MarkClean clears the dirty sets after a successful flush.
func (s *Store) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirtyNodes = make(map[uint32]struct{})
	s.dirtyEdges = make(map[triple.EdgeKey]struct{})
}

// wireStore is the on-disk encoding: two JSON objects keyed by decimal
// node id / "(s,p,o)" edge key respectively.
type wireStore struct {
	Version int                     `json:"version"`
	Nodes   map[string]triple.Bag   `json:"nodes"`
	Edges   map[string]edgeBagEntry `json:"edges"`
}

type edgeBagEntry struct {
	S, P, O uint32
	Bag     triple.Bag
}

func (e edgeBagEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		S, P, O uint32
		Bag     triple.Bag `json:"bag"`
	}{e.S, e.P, e.O, e.Bag})
}

func (e *edgeBagEntry) UnmarshalJSON(data []byte) error {
	var aux struct {
		S, P, O uint32
		Bag     triple.Bag `json:"bag"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	e.S, e.P, e.O, e.Bag = aux.S, aux.P, aux.O, aux.Bag
	return nil
}

const storeFormatVersion = 1

// Flush writes the full current state to path atomically (temp file +
// rename), the same pattern the manifest uses for its publication.
// This is the "disk-backed" half of the store: the main file's
// properties section, materialized as its own file for modularity.
func (s *Store) Flush(path string) error {
	s.mu.RLock()
	w := wireStore{Version: storeFormatVersion, Nodes: make(map[string]triple.Bag, len(s.nodeProps)), Edges: make(map[string]edgeBagEntry, len(s.edgeProps))}
	for id, bag := range s.nodeProps {
		w.Nodes[strconv.FormatUint(uint64(id), 10)] = bag
	}
	for key, bag := range s.edgeProps {
		w.Edges[key.String()] = edgeBagEntry{S: key.S, P: key.P, O: key.O, Bag: bag}
	}
	s.mu.RUnlock()

	data, err := json.Marshal(w)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
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
	return os.Rename(tmp, path)
}

// Load builds a Store from what's persisted at path. If path does not
// exist, it returns an empty Store (fresh database).
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(), nil
		}
		return nil, err
	}
	var w wireStore
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}
	s := New()
	for idStr, bag := range w.Nodes {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			continue
		}
		s.nodeProps[uint32(id)] = bag
	}
	for _, entry := range w.Edges {
		s.edgeProps[triple.EdgeKey{S: entry.S, P: entry.P, O: entry.O}] = entry.Bag
	}
	return s, nil
}

