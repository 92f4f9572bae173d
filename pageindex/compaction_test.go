package pageindex

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

func countPages(m *Manifest, order triple.Order, primary uint32) int {
	n := 0
	for _, p := range m.Orders[order.String()] {
		if p.PrimaryValue == primary {
			n++
		}
	}
	return n
}

func TestCompactRewriteModeMergesMultiPagePrimary(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, countPages(c.Manifest(), triple.SPO, 1))

	result, err := c.Compact(ModeRewrite, 0, nil, 0, false)
	require.NoError(t, err)
	require.Greater(t, result.OrphansAdded, 0)

	m := c.Manifest()
	require.Equal(t, 1, countPages(m, triple.SPO, 1))

	got, err := c.ReadPage(m, triple.SPO, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []triple.Triple{{S: 1, P: 1, O: 1}, {S: 1, P: 1, O: 2}}, got)
}

func TestCompactDryRunDoesNotMutate(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	before := c.Epoch()

	result, err := c.Compact(ModeRewrite, 0, nil, 0, true)
	require.NoError(t, err)
	require.True(t, result.DryRun)

	var spoStats *CompactionStats
	for i := range result.Stats {
		if result.Stats[i].Order == triple.SPO.String() {
			spoStats = &result.Stats[i]
		}
	}
	require.NotNil(t, spoStats)
	require.Equal(t, 1, spoStats.MergeCount)

	require.Equal(t, before, c.Epoch())
	require.Equal(t, 2, countPages(c.Manifest(), triple.SPO, 1))
}

func TestCompactIncrementalModeSkipsBelowThreshold(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	before := c.Epoch()

	result, err := c.Compact(ModeIncremental, 3, nil, 100, false)
	require.NoError(t, err)
	require.Equal(t, 0, result.OrphansAdded)
	require.Equal(t, before, c.Epoch())
	require.Equal(t, 2, countPages(c.Manifest(), triple.SPO, 1))
}

func TestCompactIncrementalModeMergesHotPrimary(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)

	result, err := c.Compact(ModeIncremental, 10, map[uint32]int64{1: 50}, 10, false)
	require.NoError(t, err)
	require.Greater(t, result.OrphansAdded, 0)
	require.Equal(t, 1, countPages(c.Manifest(), triple.SPO, 1))
}

func TestGCReclaimsOrphansNotPinnedByAnyActiveEpoch(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	_, err = c.Compact(ModeRewrite, 0, nil, 0, false)
	require.NoError(t, err)
	require.NotEmpty(t, c.Manifest().Orphans)

	result, err := c.GC(nil)
	require.NoError(t, err)
	require.Greater(t, result.Reclaimed, 0)
	require.Empty(t, c.Manifest().Orphans)

	m := c.Manifest()
	got, err := c.ReadPage(m, triple.SPO, 1)
	require.NoError(t, err)
	require.ElementsMatch(t, []triple.Triple{{S: 1, P: 1, O: 1}, {S: 1, P: 1, O: 2}}, got)
}

func TestGCKeepsOrphansStillPinnedByActiveEpoch(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	_, err = c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 2}}, nil)
	require.NoError(t, err)
	_, err = c.Compact(ModeRewrite, 0, nil, 0, false)
	require.NoError(t, err)
	orphanEpoch := c.Manifest().Orphans[0].IntroducedEpoch

	result, err := c.GC([]uint64{orphanEpoch})
	require.NoError(t, err)
	require.Equal(t, 0, result.Reclaimed)
	require.NotEmpty(t, c.Manifest().Orphans)
}

func TestGCWithNoOrphansIsNoOp(t *testing.T) {
	c := openTestCoordinator(t)
	_, err := c.AppendFromStaging([]triple.Triple{{S: 1, P: 1, O: 1}}, nil)
	require.NoError(t, err)
	before := c.Epoch()

	result, err := c.GC(nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.Reclaimed)
	require.Equal(t, before, result.Epoch)
	require.Equal(t, before, c.Epoch())
}
