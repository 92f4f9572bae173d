// Package txn is the nestable transaction manager:
// beginBatch/commitBatch/abortBatch over an explicit depth counter,
// staging writes into the innermost open frame while a batch is open
// and folding a committed frame into its parent (or the shared store,
// at depth zero) on commit. It also owns the write path's single
// point of serialization: the writer path is serialized by an
// in-process mutex plus the optional on-disk lock file — the mutex
// half of that lives here, since every mutating operation in the
// system funnels through Manager.
package txn

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/propindex"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/wal"
)

// ErrNotInBatch is returned by CommitBatch/AbortBatch when no batch is
// open.
var ErrNotInBatch = errors.New("txn: no batch is open")

// BeginOptions configures BeginBatch. A zero value assigns a random
// txId and leaves sessionId empty.
type BeginOptions struct {
	TxID      string
	SessionID string
}

// Manager glues the write-side components together: the dictionary,
// the shared in-memory triple delta, the property store and its
// secondary indexes, and the WAL. Every mutation — batched or not —
// goes through Manager so the WAL record and the in-memory effect
// never drift apart.
type Manager struct {
	mu sync.Mutex

	dict    *dictionary.Dictionary
	delta   *memdelta.Delta
	props   *propstore.Store
	nodeIdx *propindex.NodePropertyIndex
	edgeIdx *propindex.EdgePropertyIndex
	labels  *propindex.LabelIndex
	log     *wal.WAL

	stack []*frame
}

// NewManager wires Manager to the shared store components. All of them
// are owned by the caller (typically the root database handle); the
// Manager only mutates them through the accessors shown here.
func NewManager(dict *dictionary.Dictionary, delta *memdelta.Delta, props *propstore.Store, nodeIdx *propindex.NodePropertyIndex, edgeIdx *propindex.EdgePropertyIndex, labels *propindex.LabelIndex, log *wal.WAL) *Manager {
	return &Manager{
		dict:    dict,
		delta:   delta,
		props:   props,
		nodeIdx: nodeIdx,
		edgeIdx: edgeIdx,
		labels:  labels,
		log:     log,
	}
}

// Depth reports the current batch nesting depth (0 means not in a
// batch).
func (m *Manager) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stack)
}

// BeginBatch opens a new nested batch, returning its txId (generated
// with google/uuid if opts.TxID is empty).
func (m *Manager) BeginBatch(opts BeginOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txID := opts.TxID
	if txID == "" {
		txID = uuid.NewString()
	}
	if err := m.log.Append(wal.Record{Kind: wal.KindBatchBegin, TxID: txID, SessionID: opts.SessionID}); err != nil {
		return "", err
	}
	m.stack = append(m.stack, newFrame(txID, opts.SessionID))
	return txID, nil
}

// CommitBatch ends the innermost open batch. If durable, the
// WAL's BatchCommit record is fsynced before this returns (the
// default); if not, it is written but not forced to disk immediately.
// A nested commit folds its frame into the parent frame without
// touching the shared store; an outermost commit applies the frame to
// the shared store and secondary indexes.
func (m *Manager) CommitBatch(durable bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) == 0 {
		return ErrNotInBatch
	}
	top := m.stack[len(m.stack)-1]
	rec := wal.Record{Kind: wal.KindBatchCommit, TxID: top.txID}
	var err error
	if durable {
		err = m.log.Append(rec)
	} else {
		err = m.log.AppendUnsynced(rec)
	}
	if err != nil {
		return err
	}

	m.stack = m.stack[:len(m.stack)-1]
	if len(m.stack) > 0 {
		top.mergeInto(m.stack[len(m.stack)-1])
		return nil
	}
	m.applyFrame(top)
	return nil
}

// AbortBatch discards the innermost open batch's frame. Its WAL
// records are never committed, so a replay after a crash drops them.
func (m *Manager) AbortBatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.stack) == 0 {
		return ErrNotInBatch
	}
	top := m.stack[len(m.stack)-1]
	if err := m.log.Append(wal.Record{Kind: wal.KindBatchAbort, TxID: top.txID}); err != nil {
		return err
	}
	m.stack = m.stack[:len(m.stack)-1]
	return nil
}

// applyFrame merges f's staged effects into the shared store and
// updates the secondary indexes. Called with m.mu held, at the moment
// an outermost batch commits.
func (m *Manager) applyFrame(f *frame) {
	for _, t := range f.triples.List() {
		m.delta.Add(t)
	}
	for _, t := range f.triples.Tombstones() {
		m.delta.Tombstone(t)
	}
	for id, bag := range f.nodeProps {
		old := m.props.SetNodeProperties(id, bag)
		m.nodeIdx.Apply(id, old, bag)
		m.labels.Apply(id, old, bag)
	}
	for key, bag := range f.edgeProps {
		old := m.props.SetEdgeProperties(key, bag)
		m.edgeIdx.Apply(key, old, bag)
	}
}

// AddFact logically inserts the triple (subject, predicate, object),
// assigning dictionary ids as needed. If a batch is open the write is
// staged in the innermost frame; otherwise it is applied directly.
func (m *Manager) AddFact(subject, predicate, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.dict.GetOrCreateID(subject)
	p := m.dict.GetOrCreateID(predicate)
	o := m.dict.GetOrCreateID(object)

	if err := m.log.Append(wal.Record{Kind: wal.KindAddFact, Subject: subject, Predicate: predicate, Object: object}); err != nil {
		return err
	}

	t := triple.Triple{S: s, P: p, O: o}
	if top := m.currentFrame(); top != nil {
		top.triples.Add(t)
		return nil
	}
	m.delta.Add(t)
	return nil
}

// DeleteFact logically tombstones the triple (subject, predicate,
// object). Unlike AddFact this does not assign fresh dictionary ids
// for strings that were never seen: deleting something that was never
// added resolves to ids only if the strings already exist, else it is
// a silent no-op (there is nothing on record to delete).
func (m *Manager) DeleteFact(subject, predicate, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok1 := m.dict.GetID(subject)
	p, ok2 := m.dict.GetID(predicate)
	o, ok3 := m.dict.GetID(object)
	if !ok1 || !ok2 || !ok3 {
		return nil
	}

	if err := m.log.Append(wal.Record{Kind: wal.KindDeleteFact, Subject: subject, Predicate: predicate, Object: object}); err != nil {
		return err
	}

	t := triple.Triple{S: s, P: p, O: o}
	if top := m.currentFrame(); top != nil {
		top.triples.Tombstone(t)
		return nil
	}
	m.delta.Tombstone(t)
	return nil
}

// SetNodeProperties replaces nodeID's property bag wholly, returning
// whatever was previously visible for nodeID (including any still-open
// batch overlay, if inside one).
func (m *Manager) SetNodeProperties(nodeID uint32, bag triple.Bag) (triple.Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.log.Append(wal.Record{Kind: wal.KindSetNodeProps, NodeID: nodeID, Bag: bag}); err != nil {
		return nil, err
	}

	old, _ := m.lockedGetNodeProperties(nodeID)
	if top := m.currentFrame(); top != nil {
		top.nodeProps[nodeID] = bag
		return old, nil
	}
	m.props.SetNodeProperties(nodeID, bag)
	m.nodeIdx.Apply(nodeID, old, bag)
	m.labels.Apply(nodeID, old, bag)
	return old, nil
}

// SetEdgeProperties replaces key's property bag wholly, returning
// whatever was previously visible for key.
func (m *Manager) SetEdgeProperties(key triple.EdgeKey, bag triple.Bag) (triple.Bag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.log.Append(wal.Record{Kind: wal.KindSetEdgeProps, EdgeS: key.S, EdgeP: key.P, EdgeO: key.O, Bag: bag}); err != nil {
		return nil, err
	}

	old, _ := m.lockedGetEdgeProperties(key)
	if top := m.currentFrame(); top != nil {
		top.edgeProps[key] = bag
		return old, nil
	}
	m.props.SetEdgeProperties(key, bag)
	m.edgeIdx.Apply(key, old, bag)
	return old, nil
}

func (m *Manager) currentFrame() *frame {
	if len(m.stack) == 0 {
		return nil
	}
	return m.stack[len(m.stack)-1]
}

// GetNodeProperties returns nodeID's bag as currently visible: the
// innermost open batch's overlay if set, falling back through the
// stack to the shared property store.
func (m *Manager) GetNodeProperties(nodeID uint32) (triple.Bag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedGetNodeProperties(nodeID)
}

func (m *Manager) lockedGetNodeProperties(nodeID uint32) (triple.Bag, bool) {
	for i := len(m.stack) - 1; i >= 0; i-- {
		if bag, ok := m.stack[i].nodeProps[nodeID]; ok {
			return bag, true
		}
	}
	return m.props.GetNodeProperties(nodeID)
}

// GetEdgeProperties returns key's bag as currently visible.
func (m *Manager) GetEdgeProperties(key triple.EdgeKey) (triple.Bag, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedGetEdgeProperties(key)
}

func (m *Manager) lockedGetEdgeProperties(key triple.EdgeKey) (triple.Bag, bool) {
	for i := len(m.stack) - 1; i >= 0; i-- {
		if bag, ok := m.stack[i].edgeProps[key]; ok {
			return bag, true
		}
	}
	return m.props.GetEdgeProperties(key)
}

// Overlay returns the combined effect of every currently open batch,
// outermost-first, as a single read-only view: the query dispatcher
// layers this transactional overlay, if inside a batch, over the
// shared delta and paged indexes. A depth-zero call returns an empty
// overlay.
func (m *Manager) Overlay() Overlay {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Overlay{merged: mergeFrames(m.stack)}
}

// Overlay is a snapshot of the pending triple-level effects of every
// open batch, combined in chronological order.
type Overlay struct {
	merged *frame
}

// Triples returns every triple staged as present by the overlay
// (regardless of tombstone status — callers must still consult
// IsTombstoned, matching memdelta.Delta's own contract).
func (o Overlay) Triples() []triple.Triple {
	if o.merged == nil {
		return nil
	}
	return o.merged.triples.List()
}

// IsTombstoned reports whether t has been deleted by the overlay.
func (o Overlay) IsTombstoned(t triple.Triple) bool {
	if o.merged == nil {
		return false
	}
	return o.merged.triples.IsTombstoned(t)
}

// Dictionary returns the shared dictionary.
func (m *Manager) Dictionary() *dictionary.Dictionary { return m.dict }

// Delta returns the shared in-memory triple delta.
func (m *Manager) Delta() *memdelta.Delta { return m.delta }

// PropertyStore returns the shared property store.
func (m *Manager) PropertyStore() *propstore.Store { return m.props }

// NodePropertyIndex returns the shared node property index.
func (m *Manager) NodePropertyIndex() *propindex.NodePropertyIndex { return m.nodeIdx }

// EdgePropertyIndex returns the shared edge property index.
func (m *Manager) EdgePropertyIndex() *propindex.EdgePropertyIndex { return m.edgeIdx }

// LabelIndex returns the shared label index.
func (m *Manager) LabelIndex() *propindex.LabelIndex { return m.labels }

// RequireNoBatch returns an error if a batch is currently open. The
// flush coordinator calls this before running: it must not convert
// partially-staged writes into durable artifacts.
func (m *Manager) RequireNoBatch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.stack) > 0 {
		return fmt.Errorf("txn: %d batch(es) still open", len(m.stack))
	}
	return nil
}
