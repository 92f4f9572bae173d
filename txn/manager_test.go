package txn

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/propindex"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/wal"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	w, err := wal.Open(t.TempDir()+"/test.wal", zerolog.Nop())
	require.NoError(t, err)
	w.DisableFsyncForTests()
	return NewManager(
		dictionary.New(),
		memdelta.New(),
		propstore.New(),
		propindex.NewNodePropertyIndex(),
		propindex.NewEdgePropertyIndex(),
		propindex.NewLabelIndex(),
		w,
	)
}

func factToTriple(m *Manager, s, p, o string) triple.Triple {
	sid, _ := m.Dictionary().GetID(s)
	pid, _ := m.Dictionary().GetID(p)
	oid, _ := m.Dictionary().GetID(o)
	return triple.Triple{S: sid, P: pid, O: oid}
}

func TestAddFactOutsideBatchGoesDirectlyToDelta(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))

	tr := factToTriple(m, "alice", "knows", "bob")
	require.True(t, m.Delta().Has(tr))
}

func TestBeginAddCommitAppliesToSharedStore(t *testing.T) {
	m := newTestManager(t)
	txID, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, txID)
	require.Equal(t, 1, m.Depth())

	require.NoError(t, m.AddFact("alice", "knows", "bob"))
	tr := factToTriple(m, "alice", "knows", "bob")
	require.False(t, m.Delta().Has(tr), "write must stay in the batch overlay until commit")
	require.True(t, m.Overlay().Triples() != nil)

	require.NoError(t, m.CommitBatch(true))
	require.Equal(t, 0, m.Depth())
	require.True(t, m.Delta().Has(tr))
}

func TestAbortBatchDiscardsStagedWrites(t *testing.T) {
	m := newTestManager(t)
	_, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))
	require.NoError(t, m.AbortBatch())

	require.Equal(t, 0, m.Depth())
	tr := factToTriple(m, "alice", "knows", "bob")
	require.False(t, m.Delta().Has(tr))
}

func TestNestedBatchMergesIntoParentNotSharedStoreOnInnerCommit(t *testing.T) {
	m := newTestManager(t)
	_, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	_, err = m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))

	require.NoError(t, m.CommitBatch(true))
	require.Equal(t, 1, m.Depth(), "inner commit must not pop past the outer batch")

	tr := factToTriple(m, "alice", "knows", "bob")
	require.False(t, m.Delta().Has(tr), "inner commit folds into the parent frame, not the shared store")

	require.NoError(t, m.CommitBatch(true))
	require.Equal(t, 0, m.Depth())
	require.True(t, m.Delta().Has(tr))
}

func TestCommitBatchWithoutOpenBatchErrors(t *testing.T) {
	m := newTestManager(t)
	require.ErrorIs(t, m.CommitBatch(true), ErrNotInBatch)
	require.ErrorIs(t, m.AbortBatch(), ErrNotInBatch)
}

func TestDeleteFactTombstonePrecedenceWithinBatch(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))

	_, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, m.DeleteFact("alice", "knows", "bob"))

	tr := factToTriple(m, "alice", "knows", "bob")
	require.True(t, m.Overlay().IsTombstoned(tr))
	require.False(t, m.Delta().IsTombstoned(tr), "tombstone must stay in the overlay until commit")

	require.NoError(t, m.CommitBatch(true))
	require.True(t, m.Delta().IsTombstoned(tr))
}

func TestDeleteFactNeverSeenIsNoOp(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.DeleteFact("ghost", "knows", "nobody"))
	require.Equal(t, 0, m.Dictionary().Size())
}

func TestSetNodePropertiesInBatchOverlayVisibleToGet(t *testing.T) {
	m := newTestManager(t)
	_, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)

	bag := triple.Bag{"name": triple.String("alice")}
	old, err := m.SetNodeProperties(1, bag)
	require.NoError(t, err)
	require.Nil(t, old)

	got, ok := m.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, bag, got)

	_, ok = m.PropertyStore().GetNodeProperties(1)
	require.False(t, ok, "shared store must not see the overlay until commit")

	require.NoError(t, m.CommitBatch(true))
	got, ok = m.PropertyStore().GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, bag, got)
}

func TestSetNodePropertiesOutsideBatchAppliesToIndexes(t *testing.T) {
	m := newTestManager(t)
	bag := triple.Bag{"city": triple.String("nyc")}
	_, err := m.SetNodeProperties(1, bag)
	require.NoError(t, err)

	require.Equal(t, []uint32{1}, m.NodePropertyIndex().Lookup("city", triple.String("nyc")))
}

func TestSetEdgePropertiesRoundTrip(t *testing.T) {
	m := newTestManager(t)
	key := triple.EdgeKey{S: 1, P: 2, O: 3}
	bag := triple.Bag{"weight": triple.Int(7)}
	_, err := m.SetEdgeProperties(key, bag)
	require.NoError(t, err)

	got, ok := m.GetEdgeProperties(key)
	require.True(t, ok)
	require.Equal(t, bag, got)
	require.Equal(t, []triple.EdgeKey{key}, m.EdgePropertyIndex().Lookup("weight", triple.Int(7)))
}

func TestRequireNoBatchFailsWhileOpen(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.RequireNoBatch())
	_, err := m.BeginBatch(BeginOptions{})
	require.NoError(t, err)
	require.Error(t, m.RequireNoBatch())
}

func TestBeginBatchHonorsExplicitTxID(t *testing.T) {
	m := newTestManager(t)
	txID, err := m.BeginBatch(BeginOptions{TxID: "my-tx"})
	require.NoError(t, err)
	require.Equal(t, "my-tx", txID)
	require.NoError(t, m.AbortBatch())
}
