// Package memdelta holds the triples appended since the last flush
// plus the tombstone set. It deliberately stays much simpler than a
// channel-striped write pipeline: that approach earns its keep when
// writers can be concurrent and payloads are large, but this store has
// exactly one writer serialized by txn.Manager's mutex, so a single
// mutex protecting an ordered slice plus two sets is the right amount
// of machinery, not a missing optimization.
package memdelta

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/ysankpia/nervusdb-sub004/triple"
)

// ErrCorrupt is returned by Deserialize on a truncated or malformed
// encoding.
var ErrCorrupt = fmt.Errorf("memdelta: corrupt or truncated encoding")

// Delta is the in-memory triple store: an ordered list of triples
// appended since the last flush, a dedup set for O(1) "has" checks, and
// a separate tombstone set.
type Delta struct {
	mu         sync.RWMutex
	ordered    []triple.Triple
	present    map[triple.Triple]struct{}
	tombstones map[triple.Triple]struct{}
}

// New returns an empty Delta.
func New() *Delta {
	return &Delta{
		present:    make(map[triple.Triple]struct{}),
		tombstones: make(map[triple.Triple]struct{}),
	}
}

// Add appends t if not already present. Re-adding a tombstoned triple
// removes it from the tombstone set (un-delete).
func (d *Delta) Add(t triple.Triple) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tombstones, t)
	if _, ok := d.present[t]; ok {
		return
	}
	d.present[t] = struct{}{}
	d.ordered = append(d.ordered, t)
}

// Tombstone marks t as logically deleted. It is harmless to tombstone a
// triple that was never added to this delta (it may live in the paged
// index instead).
func (d *Delta) Tombstone(t triple.Triple) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tombstones[t] = struct{}{}
}

// Has reports whether t is present in this delta (regardless of
// tombstone status — callers check IsTombstoned separately).
func (d *Delta) Has(t triple.Triple) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.present[t]
	return ok
}

// IsTombstoned reports whether t has been deleted in this delta.
// Tombstone precedence (spec 4.2): this must be checked regardless of
// where the triple otherwise originates (delta, transactional overlay,
// or paged index).
func (d *Delta) IsTombstoned(t triple.Triple) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tombstones[t]
	return ok
}

// Size returns the number of distinct triples staged by Add, including
// any that were tombstoned afterwards.
func (d *Delta) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.ordered)
}

// List returns a snapshot copy of the staged triples, in insertion
// order, excluding nothing (callers filter tombstones themselves since
// a tombstone may refer to a triple not present in this delta at all).
func (d *Delta) List() []triple.Triple {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]triple.Triple, len(d.ordered))
	copy(out, d.ordered)
	return out
}

// Tombstones returns a snapshot copy of the tombstone set.
func (d *Delta) Tombstones() []triple.Triple {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]triple.Triple, 0, len(d.tombstones))
	for t := range d.tombstones {
		out = append(out, t)
	}
	return out
}

// Reset clears both the staged triples and the tombstone set. Called by
// the flush coordinator once both have been durably persisted.
func (d *Delta) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ordered = nil
	d.present = make(map[triple.Triple]struct{})
	d.tombstones = make(map[triple.Triple]struct{})
}

// Serialize writes [addedCount][s,p,o]* [tombstoneCount][s,p,o]*.
func (d *Delta) Serialize(w io.Writer) error {
	d.mu.RLock()
	ordered := append([]triple.Triple(nil), d.ordered...)
	tombstones := make([]triple.Triple, 0, len(d.tombstones))
	for t := range d.tombstones {
		tombstones = append(tombstones, t)
	}
	d.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if err := writeTripleList(bw, ordered); err != nil {
		return err
	}
	if err := writeTripleList(bw, tombstones); err != nil {
		return err
	}
	return bw.Flush()
}

func writeTripleList(bw *bufio.Writer, ts []triple.Triple) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ts)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	var buf [12]byte
	for _, t := range ts {
		binary.BigEndian.PutUint32(buf[0:4], t.S)
		binary.BigEndian.PutUint32(buf[4:8], t.P)
		binary.BigEndian.PutUint32(buf[8:12], t.O)
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

func readTripleList(br io.Reader) ([]triple.Triple, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	out := make([]triple.Triple, 0, count)
	var buf [12]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, buf[:]); err != nil {
			return nil, err
		}
		out = append(out, triple.Triple{
			S: binary.BigEndian.Uint32(buf[0:4]),
			P: binary.BigEndian.Uint32(buf[4:8]),
			O: binary.BigEndian.Uint32(buf[8:12]),
		})
	}
	return out, nil
}

// Deserialize reconstructs a Delta from the Serialize encoding.
func Deserialize(r io.Reader) (*Delta, error) {
	br := bufio.NewReader(r)
	ordered, err := readTripleList(br)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrCorrupt
		}
		return nil, err
	}
	tombstones, err := readTripleList(br)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrCorrupt
		}
		return nil, err
	}
	d := New()
	for _, t := range ordered {
		d.present[t] = struct{}{}
	}
	d.ordered = ordered
	for _, t := range tombstones {
		d.tombstones[t] = struct{}{}
	}
	return d, nil
}
