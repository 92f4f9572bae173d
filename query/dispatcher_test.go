package query

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
	"github.com/ysankpia/nervusdb-sub004/internal/shardmap"
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/propindex"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/txn"
	"github.com/ysankpia/nervusdb-sub004/wal"
)

func openTestCoordinator(t *testing.T) *pageindex.Coordinator {
	t.Helper()
	dir := t.TempDir()
	res, err := pageindex.Open(filepath.Join(dir, "pages"), 8192, pageindex.CompressionConfig{Enabled: true, Level: 5}, zerolog.Nop())
	require.NoError(t, err)
	return res.Coordinator
}

func newTestTxnManager(t *testing.T) *txn.Manager {
	t.Helper()
	w, err := wal.Open(filepath.Join(t.TempDir(), "test.wal"), zerolog.Nop())
	require.NoError(t, err)
	w.DisableFsyncForTests()
	return txn.NewManager(
		dictionary.New(),
		memdelta.New(),
		propstore.New(),
		propindex.NewNodePropertyIndex(),
		propindex.NewEdgePropertyIndex(),
		propindex.NewLabelIndex(),
		w,
	)
}

func patternForSubject(s uint32) triple.Pattern {
	return triple.Pattern{Subject: s, HasSubject: true}
}

func TestQueryServesFromPagedIndexWithBoundPrimary(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{
		{S: 1, P: 2, O: 3},
		{S: 1, P: 2, O: 4},
		{S: 2, P: 2, O: 3},
	}, nil)
	require.NoError(t, err)

	m := newTestTxnManager(t)
	d := NewDispatcher(c, shardmap.New())

	got, err := d.Query(patternForSubject(1), m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.ElementsMatch(t, []triple.Triple{{S: 1, P: 2, O: 3}, {S: 1, P: 2, O: 4}}, got)
	require.Equal(t, int64(1), d.Hotness(1))
}

func TestQueryPredicateOnlyPatternMatchesAcrossSubjects(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{
		{S: 1, P: 2, O: 3},
		{S: 2, P: 2, O: 3},
		{S: 3, P: 9, O: 3},
	}, nil)
	require.NoError(t, err)

	m := newTestTxnManager(t)
	d := NewDispatcher(c, shardmap.New())
	pattern := triple.Pattern{Predicate: 2, HasPredicate: true}

	got, err := d.Query(pattern, m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.ElementsMatch(t, []triple.Triple{{S: 1, P: 2, O: 3}, {S: 2, P: 2, O: 3}}, got)
}

func TestQueryMergesDeltaAheadOfPagedIndex(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 2, O: 3}}, nil)
	require.NoError(t, err)

	m := newTestTxnManager(t)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))
	s, _ := m.Dictionary().GetID("alice")

	d := NewDispatcher(c, shardmap.New())
	got, err := d.Query(patternForSubject(s), m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestQueryHonorsDeltaTombstonePrecedenceOverPagedIndex(t *testing.T) {
	c := openTestCoordinator(t)
	tr := triple.Triple{S: 1, P: 2, O: 3}
	_, err := c.AppendFromStaging([]triple.Triple{tr}, nil)
	require.NoError(t, err)

	m := newTestTxnManager(t)
	m.Delta().Tombstone(tr)

	d := NewDispatcher(c, shardmap.New())
	got, err := d.Query(patternForSubject(1), m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestQueryHonorsOpenBatchOverlayTombstone(t *testing.T) {
	m := newTestTxnManager(t)
	require.NoError(t, m.AddFact("alice", "knows", "bob"))
	s, _ := m.Dictionary().GetID("alice")
	p, _ := m.Dictionary().GetID("knows")
	o, _ := m.Dictionary().GetID("bob")
	tr := triple.Triple{S: s, P: p, O: o}

	// tr is already flushed into the paged index and the shared delta is
	// reset, as a flush leaves it; the fact is deleted again inside an
	// open batch, so it must disappear from query results via the
	// overlay even though the page file still shows it as live.
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{tr}, nil)
	require.NoError(t, err)
	m.Delta().Reset()

	_, err = m.BeginBatch(txn.BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, m.DeleteFact("alice", "knows", "bob"))

	d := NewDispatcher(c, shardmap.New())
	got, err := d.Query(patternForSubject(s), m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, m.AbortBatch())
}

func TestStreamQueryRespectsBatchSizeAndDedupsAcrossPages(t *testing.T) {
	c := openTestCoordinator(t)
	var triples []triple.Triple
	for i := uint32(0); i < 10; i++ {
		triples = append(triples, triple.Triple{S: i, P: 1, O: i})
	}
	_, err := c.AppendFromStaging(triples, nil)
	require.NoError(t, err)

	m := newTestTxnManager(t)
	d := NewDispatcher(c, shardmap.New())
	pattern := triple.Pattern{Predicate: 1, HasPredicate: true}

	s, err := d.StreamQuery(pattern, m.Delta(), m.Overlay(), c.Manifest(), 3)
	require.NoError(t, err)
	defer s.Close()

	var total int
	seen := make(map[triple.Triple]struct{})
	for {
		batch, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.LessOrEqual(t, len(batch), 3)
		for _, tr := range batch {
			_, dup := seen[tr]
			require.False(t, dup, "must not yield the same triple twice")
			seen[tr] = struct{}{}
		}
		total += len(batch)
	}
	require.Equal(t, 10, total)
}

func TestQueryEmptyManifestReturnsEmpty(t *testing.T) {
	c := openTestCoordinator(t)
	m := newTestTxnManager(t)
	d := NewDispatcher(c, shardmap.New())

	got, err := d.Query(patternForSubject(42), m.Delta(), m.Overlay(), c.Manifest())
	require.NoError(t, err)
	require.Empty(t, got)
}
