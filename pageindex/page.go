package pageindex

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/andybalholm/brotli"
)

// encodePageBody serializes a group of (secondary, tertiary) pairs
// sharing one primary value into "count followed by fixed-width
// triples" as the Data Model section describes a page body. The primary
// itself is not repeated per entry — it lives in the PageMeta — so each
// entry is 8 bytes (two uint32s) rather than 12.
func encodePageBody(entries [][2]uint32) []byte {
	buf := make([]byte, 4+8*len(entries))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(entries)))
	off := 4
	for _, e := range entries {
		binary.BigEndian.PutUint32(buf[off:off+4], e[0])
		binary.BigEndian.PutUint32(buf[off+4:off+8], e[1])
		off += 8
	}
	return buf
}

func decodePageBody(raw []byte) ([][2]uint32, error) {
	if len(raw) < 4 {
		return nil, errShortPage
	}
	count := binary.BigEndian.Uint32(raw[0:4])
	entries := make([][2]uint32, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		if off+8 > len(raw) {
			return nil, errShortPage
		}
		entries = append(entries, [2]uint32{
			binary.BigEndian.Uint32(raw[off : off+4]),
			binary.BigEndian.Uint32(raw[off+4 : off+8]),
		})
		off += 8
	}
	return entries, nil
}

var errShortPage = io.ErrUnexpectedEOF

// compressPage compresses raw with brotli at the given level if cfg
// enables compression, returning the bytes to write to disk.
func compressPage(raw []byte, cfg CompressionConfig) ([]byte, error) {
	if !cfg.Enabled {
		return raw, nil
	}
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, cfg.Level)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressPage(compressed []byte, cfg CompressionConfig) ([]byte, error) {
	if !cfg.Enabled {
		return compressed, nil
	}
	r := brotli.NewReader(bytes.NewReader(compressed))
	return io.ReadAll(r)
}

func crcOf(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
