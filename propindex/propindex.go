// Package propindex holds the property value index and the label
// index: secondary indexes over the property store,
// maintained online by diffing each write's old bag against its new
// one and applying SET/REMOVE to the affected index keys, persisted as
// independent snapshot files, and rebuildable from the property store
// when no snapshot is present. Both indexes are derived data: the
// property store stays the source of truth and either index can be
// rebuilt from it. The triple query dispatcher never consults them;
// Handle's LookupNodesByProperty, LookupEdgesByProperty and
// LookupNodesByLabel answer from the index alone.
package propindex

import (
	"os"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// propKey joins a property name and a value's index key into one
// lookup key. The NUL separator can't appear in a property name typed
// through the normal API, so no ambiguity between name and value
// boundaries is possible.
func propKey(name string, v triple.Value) string {
	return name + "\x00" + v.IndexKey()
}

// diffBagKeys compares an old and a new property bag and reports which
// (propertyName, value) index keys must be removed and which must be
// added. Keys whose value is unchanged between old and new are left
// alone.
func diffBagKeys(old, next triple.Bag) (removed, added []string) {
	for name, v := range old {
		if nv, ok := next[name]; ok && nv.Equal(v) {
			continue
		}
		removed = append(removed, propKey(name, v))
	}
	for name, v := range next {
		if ov, ok := old[name]; ok && ov.Equal(v) {
			continue
		}
		added = append(added, propKey(name, v))
	}
	return removed, added
}

// diffLabels compares the `labels` property of an old and new bag,
// reporting which label strings were removed and which were added.
func diffLabels(old, next triple.Bag) (removed, added []string) {
	oldLabels := old.Labels()
	newLabels := next.Labels()
	oldSet := make(map[string]struct{}, len(oldLabels))
	for _, l := range oldLabels {
		oldSet[l] = struct{}{}
	}
	newSet := make(map[string]struct{}, len(newLabels))
	for _, l := range newLabels {
		newSet[l] = struct{}{}
	}
	for l := range oldSet {
		if _, ok := newSet[l]; !ok {
			removed = append(removed, l)
		}
	}
	for l := range newSet {
		if _, ok := oldSet[l]; !ok {
			added = append(added, l)
		}
	}
	return removed, added
}

// NodePropertyIndex maps (propertyName, value) -> set<nodeID>.
type NodePropertyIndex struct {
	mu   sync.RWMutex
	sets map[string]map[uint32]struct{}
}

// NewNodePropertyIndex returns an empty index.
func NewNodePropertyIndex() *NodePropertyIndex {
	return &NodePropertyIndex{sets: make(map[string]map[uint32]struct{})}
}

// Apply updates the index for nodeID's bag transitioning from old to
// next. Call this on every SetNodeProperties, passing the bag
// propstore.Store.SetNodeProperties returned as old.
func (x *NodePropertyIndex) Apply(nodeID uint32, old, next triple.Bag) {
	removed, added := diffBagKeys(old, next)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range removed {
		if s := x.sets[k]; s != nil {
			delete(s, nodeID)
			if len(s) == 0 {
				delete(x.sets, k)
			}
		}
	}
	for _, k := range added {
		s := x.sets[k]
		if s == nil {
			s = make(map[uint32]struct{})
			x.sets[k] = s
		}
		s[nodeID] = struct{}{}
	}
}

// Lookup returns every node ID whose bag currently has name == value,
// according to the index.
func (x *NodePropertyIndex) Lookup(name string, value triple.Value) []uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.sets[propKey(name, value)]
	out := make([]uint32, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebuildNodePropertyIndex constructs an index from scratch by
// scanning every bag in store, used when no snapshot is available on
// open.
func RebuildNodePropertyIndex(store *propstore.Store) *NodePropertyIndex {
	x := NewNodePropertyIndex()
	store.RangeNodes(func(id uint32, bag triple.Bag) {
		x.Apply(id, nil, bag)
	})
	return x
}

// wireNodeIndex is the snapshot encoding: index key -> sorted node ids.
type wireNodeIndex struct {
	Version int                `json:"version"`
	Sets    map[string][]uint32 `json:"sets"`
}

const indexFormatVersion = 1

// Snapshot writes the index to path atomically.
func (x *NodePropertyIndex) Snapshot(path string) error {
	x.mu.RLock()
	w := wireNodeIndex{Version: indexFormatVersion, Sets: make(map[string][]uint32, len(x.sets))}
	for k, s := range x.sets {
		ids := make([]uint32, 0, len(s))
		for id := range s {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		w.Sets[k] = ids
	}
	x.mu.RUnlock()
	return writeSnapshotFile(path, w)
}

// LoadNodePropertyIndex loads a snapshot written by Snapshot. If path
// does not exist it returns (nil, false, nil): the caller should fall
// back to RebuildNodePropertyIndex.
func LoadNodePropertyIndex(path string) (*NodePropertyIndex, bool, error) {
	var w wireNodeIndex
	ok, err := readSnapshotFile(path, &w)
	if err != nil || !ok {
		return nil, false, err
	}
	x := NewNodePropertyIndex()
	for k, ids := range w.Sets {
		s := make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			s[id] = struct{}{}
		}
		x.sets[k] = s
	}
	return x, true, nil
}

// EdgePropertyIndex maps (propertyName, value) -> set<EdgeKey>, the
// edge-property analogue of NodePropertyIndex.
type EdgePropertyIndex struct {
	mu   sync.RWMutex
	sets map[string]map[triple.EdgeKey]struct{}
}

// NewEdgePropertyIndex returns an empty index.
func NewEdgePropertyIndex() *EdgePropertyIndex {
	return &EdgePropertyIndex{sets: make(map[string]map[triple.EdgeKey]struct{})}
}

// Apply updates the index for key's bag transitioning from old to next.
func (x *EdgePropertyIndex) Apply(key triple.EdgeKey, old, next triple.Bag) {
	removed, added := diffBagKeys(old, next)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, k := range removed {
		if s := x.sets[k]; s != nil {
			delete(s, key)
			if len(s) == 0 {
				delete(x.sets, k)
			}
		}
	}
	for _, k := range added {
		s := x.sets[k]
		if s == nil {
			s = make(map[triple.EdgeKey]struct{})
			x.sets[k] = s
		}
		s[key] = struct{}{}
	}
}

// Lookup returns every edge key whose bag currently has name == value.
func (x *EdgePropertyIndex) Lookup(name string, value triple.Value) []triple.EdgeKey {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.sets[propKey(name, value)]
	out := make([]triple.EdgeKey, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return edgeKeyLess(out[i], out[j]) })
	return out
}

func edgeKeyLess(a, b triple.EdgeKey) bool {
	if a.S != b.S {
		return a.S < b.S
	}
	if a.P != b.P {
		return a.P < b.P
	}
	return a.O < b.O
}

// RebuildEdgePropertyIndex constructs an index from scratch by
// scanning every edge bag in store.
func RebuildEdgePropertyIndex(store *propstore.Store) *EdgePropertyIndex {
	x := NewEdgePropertyIndex()
	store.RangeEdges(func(key triple.EdgeKey, bag triple.Bag) {
		x.Apply(key, nil, bag)
	})
	return x
}

type wireEdgeIndex struct {
	Version int                          `json:"version"`
	Sets    map[string][]edgeKeyEntry `json:"sets"`
}

type edgeKeyEntry struct {
	S, P, O uint32
}

func (e edgeKeyEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]uint32{e.S, e.P, e.O})
}

func (e *edgeKeyEntry) UnmarshalJSON(data []byte) error {
	var arr [3]uint32
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	e.S, e.P, e.O = arr[0], arr[1], arr[2]
	return nil
}

// Snapshot writes the index to path atomically.
func (x *EdgePropertyIndex) Snapshot(path string) error {
	x.mu.RLock()
	w := wireEdgeIndex{Version: indexFormatVersion, Sets: make(map[string][]edgeKeyEntry, len(x.sets))}
	for k, s := range x.sets {
		entries := make([]edgeKeyEntry, 0, len(s))
		for key := range s {
			entries = append(entries, edgeKeyEntry{S: key.S, P: key.P, O: key.O})
		}
		sort.Slice(entries, func(i, j int) bool {
			return edgeKeyLess(triple.EdgeKey(entries[i]), triple.EdgeKey(entries[j]))
		})
		w.Sets[k] = entries
	}
	x.mu.RUnlock()
	return writeSnapshotFile(path, w)
}

// LoadEdgePropertyIndex loads a snapshot written by Snapshot. If path
// does not exist it returns (nil, false, nil).
func LoadEdgePropertyIndex(path string) (*EdgePropertyIndex, bool, error) {
	var w wireEdgeIndex
	ok, err := readSnapshotFile(path, &w)
	if err != nil || !ok {
		return nil, false, err
	}
	x := NewEdgePropertyIndex()
	for k, entries := range w.Sets {
		s := make(map[triple.EdgeKey]struct{}, len(entries))
		for _, e := range entries {
			s[triple.EdgeKey{S: e.S, P: e.P, O: e.O}] = struct{}{}
		}
		x.sets[k] = s
	}
	return x, true, nil
}

// LabelIndex maps label -> set<nodeID>, derived from the reserved
// `labels` node property.
type LabelIndex struct {
	mu   sync.RWMutex
	sets map[string]map[uint32]struct{}
}

// NewLabelIndex returns an empty index.
func NewLabelIndex() *LabelIndex {
	return &LabelIndex{sets: make(map[string]map[uint32]struct{})}
}

// Apply updates the index for nodeID's bag transitioning from old to
// next, looking only at the `labels` property.
func (x *LabelIndex) Apply(nodeID uint32, old, next triple.Bag) {
	removed, added := diffLabels(old, next)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, l := range removed {
		if s := x.sets[l]; s != nil {
			delete(s, nodeID)
			if len(s) == 0 {
				delete(x.sets, l)
			}
		}
	}
	for _, l := range added {
		s := x.sets[l]
		if s == nil {
			s = make(map[uint32]struct{})
			x.sets[l] = s
		}
		s[nodeID] = struct{}{}
	}
}

// Lookup returns every node ID currently carrying label.
func (x *LabelIndex) Lookup(label string) []uint32 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	s := x.sets[label]
	out := make([]uint32, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// RebuildLabelIndex constructs a label index from scratch by scanning
// every node bag in store.
func RebuildLabelIndex(store *propstore.Store) *LabelIndex {
	x := NewLabelIndex()
	store.RangeNodes(func(id uint32, bag triple.Bag) {
		x.Apply(id, nil, bag)
	})
	return x
}

type wireLabelIndex struct {
	Version int                 `json:"version"`
	Sets    map[string][]uint32 `json:"sets"`
}

// Snapshot writes the label index to path atomically.
func (x *LabelIndex) Snapshot(path string) error {
	x.mu.RLock()
	w := wireLabelIndex{Version: indexFormatVersion, Sets: make(map[string][]uint32, len(x.sets))}
	for l, s := range x.sets {
		ids := make([]uint32, 0, len(s))
		for id := range s {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		w.Sets[l] = ids
	}
	x.mu.RUnlock()
	return writeSnapshotFile(path, w)
}

// LoadLabelIndex loads a snapshot written by Snapshot.
func LoadLabelIndex(path string) (*LabelIndex, bool, error) {
	var w wireLabelIndex
	ok, err := readSnapshotFile(path, &w)
	if err != nil || !ok {
		return nil, false, err
	}
	x := NewLabelIndex()
	for l, ids := range w.Sets {
		s := make(map[uint32]struct{}, len(ids))
		for _, id := range ids {
			s[id] = struct{}{}
		}
		x.sets[l] = s
	}
	return x, true, nil
}

// writeSnapshotFile marshals v to JSON and writes it to path via the
// temp-file-then-rename pattern used by the manifest and property
// store, so a crash mid-snapshot never leaves a torn file at path.
func writeSnapshotFile(path string, v interface{}) error {
	data, err := json.Marshal(v)
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

// readSnapshotFile reads and decodes path into v, returning (false,
// nil) if path does not exist (not an error: the caller should rebuild
// from the property store instead).
func readSnapshotFile(path string, v interface{}) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
