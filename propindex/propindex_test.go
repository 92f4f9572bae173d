package propindex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ysankpia/nervusdb-sub004/propstore"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

func TestNodePropertyIndexApplyAndLookup(t *testing.T) {
	x := NewNodePropertyIndex()
	bag := triple.Bag{"city": triple.String("nyc")}
	x.Apply(1, nil, bag)
	x.Apply(2, nil, bag)

	got := x.Lookup("city", triple.String("nyc"))
	require.ElementsMatch(t, []uint32{1, 2}, got)
}

func TestNodePropertyIndexApplyDiffRemovesStaleEntry(t *testing.T) {
	x := NewNodePropertyIndex()
	old := triple.Bag{"city": triple.String("nyc")}
	next := triple.Bag{"city": triple.String("sf")}
	x.Apply(1, nil, old)
	x.Apply(1, old, next)

	require.Empty(t, x.Lookup("city", triple.String("nyc")))
	require.Equal(t, []uint32{1}, x.Lookup("city", triple.String("sf")))
}

func TestNodePropertyIndexUnchangedValueIsNotTouched(t *testing.T) {
	x := NewNodePropertyIndex()
	bag := triple.Bag{"city": triple.String("nyc"), "age": triple.Int(1)}
	x.Apply(1, nil, bag)
	next := triple.Bag{"city": triple.String("nyc"), "age": triple.Int(2)}
	x.Apply(1, bag, next)

	require.Equal(t, []uint32{1}, x.Lookup("city", triple.String("nyc")))
	require.Empty(t, x.Lookup("age", triple.Int(1)))
	require.Equal(t, []uint32{1}, x.Lookup("age", triple.Int(2)))
}

func TestNodePropertyIndexSnapshotRoundTrip(t *testing.T) {
	x := NewNodePropertyIndex()
	x.Apply(1, nil, triple.Bag{"city": triple.String("nyc")})
	x.Apply(2, nil, triple.Bag{"city": triple.String("nyc")})

	path := filepath.Join(t.TempDir(), "nodeprop.json")
	require.NoError(t, x.Snapshot(path))

	loaded, ok, err := LoadNodePropertyIndex(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1, 2}, loaded.Lookup("city", triple.String("nyc")))
}

func TestLoadNodePropertyIndexMissingFile(t *testing.T) {
	_, ok, err := LoadNodePropertyIndex(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRebuildNodePropertyIndexFromStore(t *testing.T) {
	store := propstore.New()
	store.SetNodeProperties(1, triple.Bag{"city": triple.String("nyc")})
	store.SetNodeProperties(2, triple.Bag{"city": triple.String("sf")})

	x := RebuildNodePropertyIndex(store)
	require.Equal(t, []uint32{1}, x.Lookup("city", triple.String("nyc")))
	require.Equal(t, []uint32{2}, x.Lookup("city", triple.String("sf")))
}

func TestEdgePropertyIndexApplyAndSnapshot(t *testing.T) {
	x := NewEdgePropertyIndex()
	key := triple.EdgeKey{S: 1, P: 2, O: 3}
	x.Apply(key, nil, triple.Bag{"weight": triple.Int(5)})

	require.Equal(t, []triple.EdgeKey{key}, x.Lookup("weight", triple.Int(5)))

	path := filepath.Join(t.TempDir(), "edgeprop.json")
	require.NoError(t, x.Snapshot(path))
	loaded, ok, err := LoadEdgePropertyIndex(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []triple.EdgeKey{key}, loaded.Lookup("weight", triple.Int(5)))
}

func TestLabelIndexApplyAddAndRemove(t *testing.T) {
	x := NewLabelIndex()
	old := triple.Bag{"labels": triple.List(triple.String("Person"))}
	x.Apply(1, nil, old)
	require.Equal(t, []uint32{1}, x.Lookup("Person"))

	next := triple.Bag{"labels": triple.List(triple.String("Admin"))}
	x.Apply(1, old, next)
	require.Empty(t, x.Lookup("Person"))
	require.Equal(t, []uint32{1}, x.Lookup("Admin"))
}

func TestLabelIndexSnapshotRoundTrip(t *testing.T) {
	x := NewLabelIndex()
	x.Apply(1, nil, triple.Bag{"labels": triple.List(triple.String("Person"))})
	x.Apply(2, nil, triple.Bag{"labels": triple.List(triple.String("Person"), triple.String("Admin"))})

	path := filepath.Join(t.TempDir(), "labels.json")
	require.NoError(t, x.Snapshot(path))

	loaded, ok, err := LoadLabelIndex(path)
	require.NoError(t, err)
	require.True(t, ok)
	require.ElementsMatch(t, []uint32{1, 2}, loaded.Lookup("Person"))
	require.Equal(t, []uint32{2}, loaded.Lookup("Admin"))
}

func TestRebuildLabelIndexFromStore(t *testing.T) {
	store := propstore.New()
	store.SetNodeProperties(1, triple.Bag{"labels": triple.List(triple.String("Person"))})

	x := RebuildLabelIndex(store)
	require.Equal(t, []uint32{1}, x.Lookup("Person"))
}
