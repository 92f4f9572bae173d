package propstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

func TestSetAndGetNodeProperties(t *testing.T) {
	s := New()
	bag := triple.Bag{"name": triple.String("alice"), "age": triple.Int(30)}

	old := s.SetNodeProperties(1, bag)
	require.Nil(t, old)

	got, ok := s.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, bag, got)
}

func TestMissingBagDistinctFromEmptyBag(t *testing.T) {
	s := New()
	_, ok := s.GetNodeProperties(42)
	require.False(t, ok, "never-set node must report not-found")

	s.SetNodeProperties(42, triple.Bag{})
	got, ok := s.GetNodeProperties(42)
	require.True(t, ok)
	require.Empty(t, got)
}

func TestSetNodePropertiesReplacesWholeBagAndReturnsOld(t *testing.T) {
	s := New()
	first := triple.Bag{"name": triple.String("alice")}
	second := triple.Bag{"age": triple.Int(31)}

	s.SetNodeProperties(1, first)
	old := s.SetNodeProperties(1, second)
	require.Equal(t, first, old)

	got, ok := s.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, second, got)
	_, hasName := got["name"]
	require.False(t, hasName, "replacement must not merge with the previous bag")
}

func TestSetEdgeProperties(t *testing.T) {
	s := New()
	key := triple.EdgeKey{S: 1, P: 2, O: 3}
	bag := triple.Bag{"weight": triple.Int(7)}

	old := s.SetEdgeProperties(key, bag)
	require.Nil(t, old)

	got, ok := s.GetEdgeProperties(key)
	require.True(t, ok)
	require.Equal(t, bag, got)
}

func TestVersionAndDirtyTracking(t *testing.T) {
	s := New()
	require.Equal(t, uint64(0), s.Version())

	s.SetNodeProperties(1, triple.Bag{"a": triple.Int(1)})
	s.SetEdgeProperties(triple.EdgeKey{S: 1, P: 2, O: 3}, triple.Bag{"b": triple.Int(2)})
	require.Equal(t, uint64(2), s.Version())

	nodes, edges := s.DirtyCounts()
	require.Equal(t, 1, nodes)
	require.Equal(t, 1, edges)

	s.MarkClean()
	nodes, edges = s.DirtyCounts()
	require.Equal(t, 0, nodes)
	require.Equal(t, 0, edges)
	require.Equal(t, uint64(2), s.Version(), "MarkClean must not reset the write counter")
}

func TestFlushAndLoadRoundTrip(t *testing.T) {
	s := New()
	s.SetNodeProperties(1, triple.Bag{"name": triple.String("alice")})
	s.SetNodeProperties(2, triple.Bag{})
	s.SetEdgeProperties(triple.EdgeKey{S: 1, P: 2, O: 3}, triple.Bag{"since": triple.Int(2020)})

	path := filepath.Join(t.TempDir(), "props.json")
	require.NoError(t, s.Flush(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	got1, ok := loaded.GetNodeProperties(1)
	require.True(t, ok)
	require.Equal(t, triple.Bag{"name": triple.String("alice")}, got1)

	got2, ok := loaded.GetNodeProperties(2)
	require.True(t, ok)
	require.Empty(t, got2)

	_, ok = loaded.GetNodeProperties(3)
	require.False(t, ok)

	gotEdge, ok := loaded.GetEdgeProperties(triple.EdgeKey{S: 1, P: 2, O: 3})
	require.True(t, ok)
	require.Equal(t, triple.Bag{"since": triple.Int(2020)}, gotEdge)
}

func TestLoadMissingFileReturnsEmptyStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	s, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0), s.Version())
	_, ok := s.GetNodeProperties(1)
	require.False(t, ok)
}
