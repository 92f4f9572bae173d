package lock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireWriterExclusiveFailsSecondTime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.lock")
	w1, err := AcquireWriter(path)
	require.NoError(t, err)
	require.True(t, IsHeld(path))

	_, err = AcquireWriter(path)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, w1.Release())
	require.False(t, IsHeld(path))

	w2, err := AcquireWriter(path)
	require.NoError(t, err)
	require.NoError(t, w2.Release())
}

func TestRegisterReaderAndActiveEpochs(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "readers")
	h1, err := RegisterReader(dir, 3)
	require.NoError(t, err)
	h2, err := RegisterReader(dir, 5)
	require.NoError(t, err)

	epochs, err := ActiveEpochs(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []uint64{3, 5}, epochs)

	require.NoError(t, h1.Close())
	epochs, err = ActiveEpochs(dir)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, epochs)

	require.NoError(t, h2.Close())
	epochs, err = ActiveEpochs(dir)
	require.NoError(t, err)
	require.Empty(t, epochs)
}

func TestActiveEpochsMissingDirIsEmpty(t *testing.T) {
	epochs, err := ActiveEpochs(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, epochs)
}

func TestSweepStaleRemovesOldMtimeEntries(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, "999999-1.reader")
	require.NoError(t, os.WriteFile(stalePath, []byte("0\n"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))

	SweepStale(dir, time.Minute)
	_, err := os.Stat(stalePath)
	require.True(t, os.IsNotExist(err))
}

func TestSweepStaleRemovesFreshEntryForDeadPid(t *testing.T) {
	dir := t.TempDir()
	// An implausible pid paired with a fresh mtime is still swept: a
	// reader file whose pid is no longer alive is stale whatever its mtime.
	fresh := filepath.Join(dir, "999999-1.reader")
	require.NoError(t, os.WriteFile(fresh, []byte("0\n"), 0o644))

	SweepStale(dir, time.Hour)
	_, err := os.Stat(fresh)
	require.True(t, os.IsNotExist(err))
}

func TestPidAliveForCurrentProcess(t *testing.T) {
	require.True(t, PidAlive(os.Getpid()))
}

func TestEpochPinStackPushPopNested(t *testing.T) {
	s := NewEpochPinStack()
	_, ok := s.Current()
	require.False(t, ok)

	s.Push(1)
	s.Push(2)
	require.Equal(t, 2, s.Depth())

	cur, ok := s.Current()
	require.True(t, ok)
	require.Equal(t, uint64(2), cur)

	popped, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(2), popped)

	cur, ok = s.Current()
	require.True(t, ok)
	require.Equal(t, uint64(1), cur)

	s.Pop()
	_, ok = s.Pop()
	require.False(t, ok)
}
