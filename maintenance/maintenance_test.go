package maintenance

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb-sub004/lock"
	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

func openTestRunner(t *testing.T) (*Runner, *pageindex.Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	res, err := pageindex.Open(filepath.Join(dir, "pages"), 8192, pageindex.CompressionConfig{}, zerolog.Nop())
	require.NoError(t, err)
	readersDir := filepath.Join(dir, "readers")
	return New(res.Coordinator, readersDir, zerolog.Nop()), res.Coordinator, readersDir
}

func TestCompactReportsFragmentedPrimaries(t *testing.T) {
	runner, pages, _ := openTestRunner(t)
	_, err := pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)

	result, err := runner.Compact(Policy{Mode: pageindex.ModeRewrite}, nil)
	require.NoError(t, err)
	require.Greater(t, result.OrphansAdded, 0)
}

func TestGCWithNoRegisteredReadersReclaimsAllOrphans(t *testing.T) {
	runner, pages, _ := openTestRunner(t)
	_, err := pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	_, err = runner.Compact(Policy{Mode: pageindex.ModeRewrite}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, pages.Manifest().Orphans)

	result, err := runner.GC()
	require.NoError(t, err)
	require.Greater(t, result.Reclaimed, 0)
	require.Empty(t, pages.Manifest().Orphans)
}

func TestGCKeepsOrphansPinnedByRegisteredReader(t *testing.T) {
	runner, pages, readersDir := openTestRunner(t)
	_, err := pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = pages.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	_, err = runner.Compact(Policy{Mode: pageindex.ModeRewrite}, nil)
	require.NoError(t, err)
	orphanEpoch := pages.Manifest().Orphans[0].IntroducedEpoch

	handle, err := lock.RegisterReader(readersDir, orphanEpoch)
	require.NoError(t, err)
	defer handle.Close()

	result, err := runner.GC()
	require.NoError(t, err)
	require.Equal(t, 0, result.Reclaimed)
	require.NotEmpty(t, pages.Manifest().Orphans)
}
