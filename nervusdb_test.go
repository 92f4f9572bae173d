package nervusdb

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb-sub004/flush"
	"github.com/ysankpia/nervusdb-sub004/triple"
	"github.com/ysankpia/nervusdb-sub004/txn"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "db")
}

// corruptMainFileFormatEpoch flips the on-disk format epoch so the next
// Open sees a magic match but a version mismatch, exercising the
// mainfile.ErrFormatMismatch / KindFormatMismatch path.
func corruptMainFileFormatEpoch(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 8)
	epoch := binary.BigEndian.Uint32(data[4:8])
	binary.BigEndian.PutUint32(data[4:8], epoch+1)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func pattern(s, p, o uint32, hasS, hasP, hasO bool) triple.Pattern {
	return triple.Pattern{Subject: s, Predicate: p, Object: o, HasSubject: hasS, HasPredicate: hasP, HasObject: hasO}
}

func TestOpenAddQueryFlushReopenRoundTrips(t *testing.T) {
	path := tempDBPath(t)

	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.AddFact("alice", "knows", "bob"))
	require.NoError(t, h.AddFact("alice", "knows", "carol"))

	s := h.InternID("alice")
	p := h.InternID("knows")
	results, err := h.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 2)

	require.NoError(t, h.Flush())
	require.NoError(t, h.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()

	s2, ok := h2.ResolveID("alice")
	require.True(t, ok)
	p2, ok := h2.ResolveID("knows")
	require.True(t, ok)
	results2, err := h2.Query(pattern(s2, p2, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results2, 2)
}

func TestDeleteFactTombstonesSurviveFlushAndReopen(t *testing.T) {
	path := tempDBPath(t)

	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.AddFact("a", "p", "b"))
	require.NoError(t, h.AddFact("a", "p", "c"))
	require.NoError(t, h.Flush())
	require.NoError(t, h.DeleteFact("a", "p", "b"))
	require.NoError(t, h.Flush())
	require.NoError(t, h.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()

	s, _ := h2.ResolveID("a")
	p, _ := h2.ResolveID("p")
	results, err := h2.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 1)
	o, _ := h2.ResolveID("c")
	require.Equal(t, o, results[0].O)
}

func TestBatchCommitAppliesAllStagedWrites(t *testing.T) {
	h, err := Open(MemoryPath)
	require.NoError(t, err)
	defer h.Close()

	_, err = h.BeginBatch(txn.BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, h.AddFact("x", "y", "z1"))
	require.NoError(t, h.AddFact("x", "y", "z2"))
	require.NoError(t, h.CommitBatch(true))

	s := h.InternID("x")
	p := h.InternID("y")
	results, err := h.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestBatchAbortDiscardsStagedWrites(t *testing.T) {
	h, err := Open(MemoryPath)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.AddFact("x", "y", "committed"))
	_, err = h.BeginBatch(txn.BeginOptions{})
	require.NoError(t, err)
	require.NoError(t, h.AddFact("x", "y", "aborted"))
	require.NoError(t, h.AbortBatch())

	s := h.InternID("x")
	p := h.InternID("y")
	results, err := h.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestReadOnlyHandleRefusesWrites(t *testing.T) {
	path := tempDBPath(t)

	w, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, w.AddFact("a", "p", "1"))
	require.NoError(t, w.Flush())
	require.NoError(t, w.Close())

	r, err := Open(path, OptReadOnly())
	require.NoError(t, err)
	defer r.Close()

	require.ErrorIs(t, r.AddFact("a", "p", "3"), ErrReadOnly)
	require.ErrorIs(t, r.Flush(), ErrReadOnly)

	s, _ := r.ResolveID("a")
	p, _ := r.ResolveID("p")
	results, err := r.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 1)
}

// TestPinnedEpochFreezesQueriesAgainstLaterFlushes exercises the
// snapshot-isolated read path a registered reader relies on: once an
// epoch is pinned, Query keeps answering against that manifest even as
// the same handle's own writes and flushes move the live manifest
// forward underneath it.
func TestPinnedEpochFreezesQueriesAgainstLaterFlushes(t *testing.T) {
	h, err := Open(MemoryPath)
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.AddFact("a", "p", "1"))
	require.NoError(t, h.AddFact("a", "p", "2"))
	require.NoError(t, h.Flush())

	_, err = h.PushPinnedEpoch()
	require.NoError(t, err)

	require.NoError(t, h.AddFact("a", "p", "3"))
	require.NoError(t, h.Flush())

	s := h.InternID("a")
	p := h.InternID("p")
	pinned, err := h.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, pinned, 2, "pinned query must not observe the later flush")

	_, err = h.PopPinnedEpoch()
	require.NoError(t, err)
	live, err := h.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, live, 3, "unpinned query observes the live manifest")
}

func TestSecondWriterFailsFastWhileLockHeld(t *testing.T) {
	path := tempDBPath(t)

	h1, err := Open(path)
	require.NoError(t, err)
	defer h1.Close()

	_, err = Open(path)
	require.ErrorIs(t, err, ErrLockHeld)
}

func TestNodePropertiesRoundTripThroughPropertyIndex(t *testing.T) {
	h, err := Open(MemoryPath)
	require.NoError(t, err)
	defer h.Close()

	id := h.InternID("alice")
	bag := triple.Bag{"age": triple.Int(30), "label": triple.String("Person")}
	old, err := h.SetNodeProperties(id, bag)
	require.NoError(t, err)
	require.Nil(t, old)

	got, ok, err := h.GetNodeProperties(id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(30), got["age"].Int)

	matches := h.LookupNodesByProperty("age", triple.Int(30))
	require.Contains(t, matches, id)
}

func TestFormatMismatchIsFatalAtOpen(t *testing.T) {
	path := tempDBPath(t)
	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.AddFact("a", "p", "b"))
	require.NoError(t, h.Flush())
	require.NoError(t, h.Close())

	corruptMainFileFormatEpoch(t, path)

	_, err = Open(path)
	require.Error(t, err)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	require.Equal(t, KindFormatMismatch, se.Kind)
}

func TestZeroTripleOpenFlushCloseCycleIsValid(t *testing.T) {
	path := tempDBPath(t)
	h, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, h.Flush())
	require.NoError(t, h.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()
	results, err := h2.Query(pattern(0, 0, 0, false, false, false))
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestMemoryPathIsRemovedOnClose(t *testing.T) {
	h, err := Open(MemoryPath)
	require.NoError(t, err)
	dir := h.memDir
	require.NotEmpty(t, dir)
	require.NoError(t, h.AddFact("a", "b", "c"))
	require.NoError(t, h.Close())
	require.NoDirExists(t, dir)
}

func TestCrashBeforeWALResetIsRecoveredOnReopen(t *testing.T) {
	path := tempDBPath(t)

	h, err := Open(path, OptCrashPoint(flush.CrashBeforeWALReset))
	require.NoError(t, err)
	require.NoError(t, h.AddFact("a", "p", "b"))
	err = h.Flush()
	require.ErrorIs(t, err, flush.ErrSimulatedCrash)
	require.NoError(t, h.writerLock.Release())
	h.writerLock = nil
	require.NoError(t, h.wal.Close())
	h.wal = nil
	h.closed = true

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()

	s, _ := h2.ResolveID("a")
	p, _ := h2.ResolveID("p")
	results, err := h2.Query(pattern(s, p, 0, true, true, false))
	require.NoError(t, err)
	require.Len(t, results, 1)
}
