package dictionary

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetOrCreateIDSequentialAndStable(t *testing.T) {
	d := New()
	a := d.GetOrCreateID("alice")
	b := d.GetOrCreateID("bob")
	require.Equal(t, uint32(0), a)
	require.Equal(t, uint32(1), b)
	require.Equal(t, a, d.GetOrCreateID("alice"))
	require.Equal(t, 2, d.Size())
}

func TestRoundTripIdentity(t *testing.T) {
	d := New()
	id := d.GetOrCreateID("knows")
	v, ok := d.GetValue(id)
	require.True(t, ok)
	require.Equal(t, "knows", v)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	d := New()
	d.GetOrCreateID("Alice")
	d.GetOrCreateID("knows")
	d.GetOrCreateID("Bob")

	var buf bytes.Buffer
	require.NoError(t, d.Serialize(&buf))

	d2, err := Deserialize(&buf)
	require.NoError(t, err)
	require.Equal(t, d.Size(), d2.Size())
	for i := 0; i < d.Size(); i++ {
		v1, _ := d.GetValue(uint32(i))
		v2, _ := d2.GetValue(uint32(i))
		require.Equal(t, v1, v2)
	}
}

func TestDeserializeTruncatedIsCorrupt(t *testing.T) {
	d := New()
	d.GetOrCreateID("x")
	var buf bytes.Buffer
	require.NoError(t, d.Serialize(&buf))
	truncated := buf.Bytes()[:buf.Len()-1]
	_, err := Deserialize(bytes.NewReader(truncated))
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestGetIDMissing(t *testing.T) {
	d := New()
	_, ok := d.GetID("nope")
	require.False(t, ok)
}
