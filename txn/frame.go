package txn

import (
	"github.com/ysankpia/nervusdb-sub004/memdelta"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

// frame is one nested batch's pending state: staged triple adds/deletes
// reuse memdelta.Delta verbatim (the add-cancels-tombstone rule spec
// section 4.2 gives the shared store is exactly the rule a batch
// overlay needs too), plus whole-bag property overlays keyed the same
// way the property store itself is keyed.
type frame struct {
	txID      string
	sessionID string

	triples   *memdelta.Delta
	nodeProps map[uint32]triple.Bag
	edgeProps map[triple.EdgeKey]triple.Bag
}

func newFrame(txID, sessionID string) *frame {
	return &frame{
		txID:      txID,
		sessionID: sessionID,
		triples:   memdelta.New(),
		nodeProps: make(map[uint32]triple.Bag),
		edgeProps: make(map[triple.EdgeKey]triple.Bag),
	}
}

// mergeInto folds f's effects onto the top of dst's stack of frames,
// used both to fold a committed child frame into its parent and to
// compute the combined read-overlay across the whole open batch stack.
// dst must already hold whatever came before f chronologically.
func (f *frame) mergeInto(dst *frame) {
	for _, t := range f.triples.List() {
		dst.triples.Add(t)
	}
	for _, t := range f.triples.Tombstones() {
		dst.triples.Tombstone(t)
	}
	for id, bag := range f.nodeProps {
		dst.nodeProps[id] = bag
	}
	for key, bag := range f.edgeProps {
		dst.edgeProps[key] = bag
	}
}

// mergeFrames folds a stack of frames (outermost first) into one
// combined frame representing their net effect, in chronological
// order.
func mergeFrames(stack []*frame) *frame {
	merged := newFrame("", "")
	for _, f := range stack {
		f.mergeInto(merged)
	}
	return merged
}
