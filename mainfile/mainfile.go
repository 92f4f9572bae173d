// Package mainfile is the durable main file: a fixed header
// (magic, storage-format epoch) followed by the dictionary section and
// two empty legacy placeholder sections kept only for layout
// compatibility (the real triple and paged-index storage lives entirely
// in pageindex, never in the main file). Properties are not part of it:
// propstore writes them to their own file, and the main file holds no
// reference to that file. Framing follows wal's magic+version header,
// generalized from "one stream of records" to "one header plus three
// length-prefixed sections".
package mainfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/ysankpia/nervusdb-sub004/dictionary"
)

var magic = [4]byte{'N', 'V', 'M', 'F'}

// FormatEpoch is the storage-format epoch this build writes and
// expects. Spec section 6: opening a main file with a different epoch
// is a fatal ErrFormatMismatch, never an auto-upgrade.
const FormatEpoch = 1

const headerSize = 4 + 4 // magic + format epoch

// ErrFormatMismatch is returned by Open when the on-disk
// storage_format_epoch does not match FormatEpoch.
var ErrFormatMismatch = fmt.Errorf("mainfile: storage_format_epoch mismatch")

// State is the decoded contents of a main file.
type State struct {
	Dictionary *dictionary.Dictionary
}

// Write atomically persists state to path: dictionary section, then two
// empty legacy placeholder sections (present for layout compatibility,
// named "triples-legacy"/"indexes-legacy"), behind a
// temp-file-plus-rename-plus-fsync-parent-dir commit, same pattern the
// pageindex manifest and propstore use.
func Write(path string, state *State) error {
	var body bytes.Buffer
	if err := writeSection(&body, func(w io.Writer) error {
		return state.Dictionary.Serialize(w)
	}); err != nil {
		return err
	}
	if err := writeSection(&body, func(w io.Writer) error { return nil }); err != nil { // triples-legacy
		return err
	}
	if err := writeSection(&body, func(w io.Writer) error { return nil }); err != nil { // indexes-legacy
		return err
	}

	var out bytes.Buffer
	out.Write(magic[:])
	var epochBuf [4]byte
	binary.BigEndian.PutUint32(epochBuf[:], uint32(FormatEpoch))
	out.Write(epochBuf[:])
	out.Write(body.Bytes())

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(out.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	dir, err := os.Open(dirOf(path))
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

func writeSection(buf *bytes.Buffer, encode func(io.Writer) error) error {
	var section bytes.Buffer
	if err := encode(&section); err != nil {
		return err
	}
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(section.Len()))
	buf.Write(lb[:])
	buf.Write(section.Bytes())
	return nil
}

func readSection(r io.Reader) ([]byte, error) {
	var lb [4]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lb[:])
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open reads and decodes the main file at path. A missing file returns a
// fresh empty State (new database), not an error.
func Open(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Dictionary: dictionary.New()}, nil
		}
		return nil, err
	}
	if len(data) < headerSize {
		return nil, fmt.Errorf("mainfile: truncated header")
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return nil, fmt.Errorf("mainfile: bad magic")
	}
	epoch := binary.BigEndian.Uint32(data[4:8])
	if epoch != FormatEpoch {
		return nil, ErrFormatMismatch
	}

	r := bytes.NewReader(data[headerSize:])
	dictBytes, err := readSection(r)
	if err != nil {
		return nil, fmt.Errorf("mainfile: dictionary section: %w", err)
	}
	dict, err := dictionary.Deserialize(bytes.NewReader(dictBytes))
	if err != nil {
		return nil, fmt.Errorf("mainfile: dictionary section: %w", err)
	}
	if _, err := readSection(r); err != nil { // triples-legacy, discarded
		return nil, fmt.Errorf("mainfile: triples-legacy section: %w", err)
	}
	if _, err := readSection(r); err != nil { // indexes-legacy, discarded
		return nil, fmt.Errorf("mainfile: indexes-legacy section: %w", err)
	}
	return &State{Dictionary: dict}, nil
}
