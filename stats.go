package nervusdb

import (
	"fmt"
	"sort"

	"github.com/gholt/brimtext"

	"github.com/ysankpia/nervusdb-sub004/pageindex"
)

// Stats renders a human-readable diagnostics table: a flat label/value
// table via brimtext.Align rather than a structured type, since this is
// meant for a human staring at a terminal (cmd/nervusdbctl's "stats"
// subcommand), not a machine-parsed response.
func (h *Handle) Stats() (string, error) {
	if err := h.requireOpen(); err != nil {
		return "", err
	}
	if h.flusher != nil {
		if err := h.flusher.ForceSnapshots(); err != nil {
			return "", wrapErr(KindIO, "stats", err)
		}
	}

	m := h.pages.Manifest()
	rows := [][]string{
		{"path", h.path},
		{"memory", fmt.Sprintf("%t", h.memory)},
		{"readOnly", fmt.Sprintf("%t", h.cfg.readOnly)},
		{"dictionarySize", fmt.Sprintf("%d", h.dict.Size())},
		{"deltaSize", fmt.Sprintf("%d", h.delta.Size())},
		{"batchDepth", fmt.Sprintf("%d", h.BatchDepth())},
		{"pinnedDepth", fmt.Sprintf("%d", h.PinnedDepth())},
		{"epoch", fmt.Sprintf("%d", m.Epoch)},
		{"pageSize", fmt.Sprintf("%d", m.PageSize)},
		{"tombstones", fmt.Sprintf("%d", len(m.Tombstones))},
		{"orphanPages", fmt.Sprintf("%d", len(m.Orphans))},
	}
	for _, order := range orderedOrderNames(m) {
		rows = append(rows, []string{"pages:" + order, fmt.Sprintf("%d", len(m.Orders[order]))})
	}
	nodesDirty, edgesDirty := h.props.DirtyCounts()
	rows = append(rows,
		[]string{"propsDirtyNodes", fmt.Sprintf("%d", nodesDirty)},
		[]string{"propsDirtyEdges", fmt.Sprintf("%d", edgesDirty)},
		[]string{"hotnessEntries", fmt.Sprintf("%d", h.hotness.Len())},
	)
	return brimtext.Align(rows, nil), nil
}

func orderedOrderNames(m *pageindex.Manifest) []string {
	names := make([]string, 0, len(m.Orders))
	for name := range m.Orders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
