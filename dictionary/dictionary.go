// Package dictionary is the bidirectional string<->id mapping: ids are
// assigned in insertion order starting at 0, never change once
// assigned, and removal is not supported. The sharded reverse lookup
// (string -> id) hashes a key with murmur3 to pick a lock-striped
// shard rather than contending on a single global mutex.
package dictionary

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/spaolacci/murmur3"
)

// ErrCorrupt is returned by Deserialize when the buffer is truncated or
// otherwise not a valid dictionary encoding.
var ErrCorrupt = fmt.Errorf("dictionary: corrupt or truncated encoding")

const shardCount = 64

// Dictionary is a monotonically growing, gap-free vector of strings
// plus a sharded value->id index.
type Dictionary struct {
	mu      sync.RWMutex // guards values (the append-only vector)
	values  []string
	shards  [shardCount]dictShard
	version uint64 // bumped on every insert; flush uses this to skip rewrites
}

type dictShard struct {
	mu sync.RWMutex
	m  map[string]uint32
}

// New returns an empty Dictionary.
func New() *Dictionary {
	d := &Dictionary{}
	for i := range d.shards {
		d.shards[i].m = make(map[string]uint32)
	}
	return d
}

func (d *Dictionary) shardFor(s string) *dictShard {
	h := murmur3.Sum32([]byte(s))
	return &d.shards[h%shardCount]
}

// GetOrCreateID returns the id for s, assigning the next sequential id
// and appending s to the vector if it is new.
func (d *Dictionary) GetOrCreateID(s string) uint32 {
	shard := d.shardFor(s)
	shard.mu.RLock()
	if id, ok := shard.m[s]; ok {
		shard.mu.RUnlock()
		return id
	}
	shard.mu.RUnlock()

	shard.mu.Lock()
	if id, ok := shard.m[s]; ok {
		shard.mu.Unlock()
		return id
	}
	d.mu.Lock()
	id := uint32(len(d.values))
	d.values = append(d.values, s)
	d.version++
	d.mu.Unlock()
	shard.m[s] = id
	shard.mu.Unlock()
	return id
}

// GetID returns the id for s if it has been seen before.
func (d *Dictionary) GetID(s string) (uint32, bool) {
	shard := d.shardFor(s)
	shard.mu.RLock()
	id, ok := shard.m[s]
	shard.mu.RUnlock()
	return id, ok
}

// GetValue returns the string for id if it is within range.
func (d *Dictionary) GetValue(id uint32) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if int(id) >= len(d.values) {
		return "", false
	}
	return d.values[id], true
}

// Size returns the number of distinct strings held.
func (d *Dictionary) Size() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

// Version returns the insert counter; the flush coordinator compares
// this against the version it last persisted to decide whether the
// dictionary section of the main file needs rewriting.
func (d *Dictionary) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Serialize writes the `[count][len,bytes]*` encoding.
func (d *Dictionary) Serialize(w io.Writer) error {
	d.mu.RLock()
	values := append([]string(nil), d.values...)
	d.mu.RUnlock()

	bw := bufio.NewWriter(w)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(values)))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	var lenBuf [4]byte
	for _, s := range values {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		if _, err := bw.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(s); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Deserialize builds a Dictionary from the encoding read from r. A
// truncated buffer yields ErrCorrupt and no Dictionary, never a
// partially filled one.
func Deserialize(r io.Reader) (*Dictionary, error) {
	br := bufio.NewReader(r)
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrCorrupt
		}
		return nil, err
	}
	count := binary.BigEndian.Uint32(hdr[:])
	d := New()
	d.values = make([]string, 0, count)
	var lenBuf [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrCorrupt
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(br, buf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil, ErrCorrupt
			}
			return nil, err
		}
		s := string(buf)
		d.values = append(d.values, s)
		d.shardFor(s).m[s] = uint32(len(d.values) - 1)
	}
	d.version = uint64(len(d.values))
	return d, nil
}
