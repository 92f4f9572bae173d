package query

import (
	"io"

	"github.com/ysankpia/nervusdb-sub004/pageindex"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// Stream yields a pattern's matches in batches of at most the caller's
// batch size. Matches from the in-memory delta and overlay are collected
// when the stream opens. A pattern with a bound primary also reads all
// of that primary's pages then; otherwise a cursor reads one page per
// step as batches are requested. Triples already read but not yet
// yielded are held until a later Next.
type Stream struct {
	pattern      triple.Pattern
	isTombstoned func(triple.Triple) bool
	seen         map[triple.Triple]struct{}
	batchSize    int

	memRemaining []triple.Triple

	pagedSingle     []triple.Triple
	pagedSingleDone bool

	cursor     *pageindex.Cursor
	cursorDone bool

	pending []triple.Triple
}

// Next returns the next batch of matching, live triples, or io.EOF once
// every tier is exhausted.
func (s *Stream) Next() ([]triple.Triple, error) {
	for len(s.pending) < s.batchSize {
		if len(s.memRemaining) > 0 {
			n := s.batchSize - len(s.pending)
			if n > len(s.memRemaining) {
				n = len(s.memRemaining)
			}
			s.pending = append(s.pending, s.memRemaining[:n]...)
			s.memRemaining = s.memRemaining[n:]
			continue
		}
		if !s.pagedSingleDone {
			s.pagedSingleDone = true
			s.absorbPage(s.pagedSingle)
			s.pagedSingle = nil
			continue
		}
		if s.cursor != nil && !s.cursorDone {
			batch, err := s.cursor.Next()
			if err == io.EOF {
				s.cursorDone = true
				continue
			}
			if err != nil {
				return nil, err
			}
			s.absorbPage(batch)
			continue
		}
		break
	}
	if len(s.pending) == 0 {
		return nil, io.EOF
	}
	out := s.pending
	s.pending = nil
	if len(out) > s.batchSize {
		s.pending = append([]triple.Triple(nil), out[s.batchSize:]...)
		out = out[:s.batchSize:s.batchSize]
	}
	return out, nil
}

// absorbPage filters a freshly-read page's triples against the pattern
// and tombstone set, dedups against everything already yielded (a
// triple already served from the delta or overlay must not be repeated
// here), and appends survivors to pending.
func (s *Stream) absorbPage(triples []triple.Triple) {
	for _, t := range triples {
		if !s.pattern.Matches(t) || s.isTombstoned(t) {
			continue
		}
		if _, dup := s.seen[t]; dup {
			continue
		}
		s.seen[t] = struct{}{}
		s.pending = append(s.pending, t)
	}
}

// Close releases the stream's page cursor, if any. Safe to call more
// than once.
func (s *Stream) Close() error {
	if s.cursor != nil {
		return s.cursor.Close()
	}
	return nil
}
