package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/ysankpia/nervusdb-sub004/triple"
)

// Kind enumerates the WAL record kinds.
type Kind byte

const (
	KindAddFact Kind = iota + 1
	KindDeleteFact
	KindSetNodeProps
	KindSetEdgeProps
	KindBatchBegin
	KindBatchCommit
	KindBatchAbort
)

func (k Kind) String() string {
	switch k {
	case KindAddFact:
		return "AddFact"
	case KindDeleteFact:
		return "DeleteFact"
	case KindSetNodeProps:
		return "SetNodeProps"
	case KindSetEdgeProps:
		return "SetEdgeProps"
	case KindBatchBegin:
		return "BatchBegin"
	case KindBatchCommit:
		return "BatchCommit"
	case KindBatchAbort:
		return "BatchAbort"
	}
	return "Unknown"
}

// Record is a single decoded WAL entry. Only the fields relevant to Kind
// are populated.
type Record struct {
	Kind Kind

	// AddFact / DeleteFact
	Subject, Predicate, Object string

	// SetNodeProps
	NodeID uint32
	// SetEdgeProps
	EdgeS, EdgeP, EdgeO uint32
	// SetNodeProps / SetEdgeProps
	Bag triple.Bag

	// BatchBegin / BatchCommit / BatchAbort
	TxID      string
	SessionID string
}

func putString(buf *bytes.Buffer, s string) {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf.Write(l[:])
	buf.WriteString(s)
}

func readString(r io.Reader) (string, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(l[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// encodePayload serializes rec's kind-specific fields (not the framing).
func encodePayload(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	switch rec.Kind {
	case KindAddFact, KindDeleteFact:
		putString(&buf, rec.Subject)
		putString(&buf, rec.Predicate)
		putString(&buf, rec.Object)
	case KindSetNodeProps:
		putUint32(&buf, rec.NodeID)
		bagBytes, err := triple.MarshalBag(rec.Bag)
		if err != nil {
			return nil, err
		}
		putUint32(&buf, uint32(len(bagBytes)))
		buf.Write(bagBytes)
	case KindSetEdgeProps:
		putUint32(&buf, rec.EdgeS)
		putUint32(&buf, rec.EdgeP)
		putUint32(&buf, rec.EdgeO)
		bagBytes, err := triple.MarshalBag(rec.Bag)
		if err != nil {
			return nil, err
		}
		putUint32(&buf, uint32(len(bagBytes)))
		buf.Write(bagBytes)
	case KindBatchBegin:
		putString(&buf, rec.TxID)
		putString(&buf, rec.SessionID)
	case KindBatchCommit, KindBatchAbort:
		putString(&buf, rec.TxID)
	default:
		return nil, fmt.Errorf("wal: unknown record kind %d", rec.Kind)
	}
	return buf.Bytes(), nil
}

func decodePayload(kind Kind, payload []byte) (Record, error) {
	rec := Record{Kind: kind}
	r := bytes.NewReader(payload)
	switch kind {
	case KindAddFact, KindDeleteFact:
		s, err := readString(r)
		if err != nil {
			return rec, err
		}
		p, err := readString(r)
		if err != nil {
			return rec, err
		}
		o, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.Subject, rec.Predicate, rec.Object = s, p, o
	case KindSetNodeProps:
		nodeID, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		n, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		bagBytes := make([]byte, n)
		if _, err := io.ReadFull(r, bagBytes); err != nil {
			return rec, err
		}
		bag, err := triple.UnmarshalBag(bagBytes)
		if err != nil {
			return rec, err
		}
		rec.NodeID = nodeID
		rec.Bag = bag
	case KindSetEdgeProps:
		s, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		p, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		o, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		n, err := readUint32(r)
		if err != nil {
			return rec, err
		}
		bagBytes := make([]byte, n)
		if _, err := io.ReadFull(r, bagBytes); err != nil {
			return rec, err
		}
		bag, err := triple.UnmarshalBag(bagBytes)
		if err != nil {
			return rec, err
		}
		rec.EdgeS, rec.EdgeP, rec.EdgeO = s, p, o
		rec.Bag = bag
	case KindBatchBegin:
		txID, err := readString(r)
		if err != nil {
			return rec, err
		}
		sessionID, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.TxID, rec.SessionID = txID, sessionID
	case KindBatchCommit, KindBatchAbort:
		txID, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.TxID = txID
	default:
		return rec, fmt.Errorf("wal: unknown record kind %d", kind)
	}
	return rec, nil
}

var crcTable = crc32.MakeTable(crc32.Castagnoli)
