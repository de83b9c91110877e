package engine

import (
	"github.com/google/go-cmp/cmp"

	"github.com/nightscape/holon/pkg/stream"
	"github.com/nightscape/holon/pkg/value"
)

// DeltaKind is the type of one row delta.
type DeltaKind int

const (
	Added DeltaKind = iota
	Updated
	Removed
	Reordered
)

func (k DeltaKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Reordered:
		return "reordered"
	}
	return "unknown"
}

// RowDelta is one coalesced view change delivered to a subscriber.
type RowDelta struct {
	Kind DeltaKind
	ID   string
	// Row is the new row for Added and Updated deltas.
	Row *value.Entity
	// NewIndex is the row's position in the new result for Added and
	// Reordered deltas.
	NewIndex int
	// Origin carries the change origin of the underlying write, so
	// subscribers can suppress their own echoes.
	Origin stream.Origin
}

// diffRows compares two query results by primary key. Deltas come out
// grouped by kind in a fixed order: removals (old-result order), then
// adds (new-result order), then updates (old-result order), then
// reorders (old-result order). The output is deterministic for
// identical inputs.
func diffRows(keyColumn string, old, new []*value.Entity) []RowDelta {
	oldIndex := indexByKey(keyColumn, old)
	newIndex := indexByKey(keyColumn, new)

	var deltas []RowDelta

	for i, row := range old {
		key := rowKey(keyColumn, row, i)
		if _, stillThere := newIndex[key]; !stillThere {
			deltas = append(deltas, RowDelta{Kind: Removed, ID: key})
		}
	}

	for i, row := range new {
		key := rowKey(keyColumn, row, i)
		if _, existed := oldIndex[key]; !existed {
			deltas = append(deltas, RowDelta{
				Kind:     Added,
				ID:       key,
				Row:      row,
				NewIndex: i,
				Origin:   rowOrigin(row),
			})
		}
	}

	for i, row := range old {
		key := rowKey(keyColumn, row, i)
		j, stillThere := newIndex[key]
		if !stillThere {
			continue
		}
		if !rowsEqual(row, new[j]) {
			deltas = append(deltas, RowDelta{
				Kind:   Updated,
				ID:     key,
				Row:    new[j],
				Origin: rowOrigin(new[j]),
			})
		}
	}

	for i, row := range old {
		key := rowKey(keyColumn, row, i)
		j, stillThere := newIndex[key]
		if !stillThere {
			continue
		}
		if effectiveIndex(keyColumn, old, newIndex, i) != j {
			deltas = append(deltas, RowDelta{Kind: Reordered, ID: key, NewIndex: j})
		}
	}

	return deltas
}

// effectiveIndex is the old position of a surviving row, ignoring
// removed predecessors, so pure removals do not read as reorders.
func effectiveIndex(keyColumn string, old []*value.Entity, newIndex map[string]int, i int) int {
	idx := 0
	for k := 0; k < i; k++ {
		key := rowKey(keyColumn, old[k], k)
		if _, survives := newIndex[key]; survives {
			idx++
		}
	}
	return idx
}

func indexByKey(keyColumn string, rows []*value.Entity) map[string]int {
	out := make(map[string]int, len(rows))
	for i, row := range rows {
		out[rowKey(keyColumn, row, i)] = i
	}
	return out
}

// rowKey identifies a row by its projected primary key; without one,
// position is the only identity and diffs degrade to replace-all.
func rowKey(keyColumn string, row *value.Entity, index int) string {
	if keyColumn != "" {
		if v, ok := row.Get(keyColumn); ok {
			if s, err := v.AsString(); err == nil {
				return s
			}
		}
	}
	return "#" + itoa(index)
}

func itoa(i int) string {
	// small positive indexes only
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}

// rowsEqual compares row content, ignoring the change-tracking system
// columns.
func rowsEqual(a, b *value.Entity) bool {
	return cmp.Equal(contentFields(a), contentFields(b), cmp.Comparer(value.Value.Equal))
}

func contentFields(e *value.Entity) map[string]value.Value {
	out := make(map[string]value.Value, e.Len())
	for _, name := range e.Names() {
		if name == value.ChangeOriginColumn || name == value.ChangeSeqColumn {
			continue
		}
		v, _ := e.Get(name)
		out[name] = v
	}
	return out
}

func rowOrigin(row *value.Entity) stream.Origin {
	v, ok := row.Get(value.ChangeOriginColumn)
	if !ok || v.IsNull() {
		return ""
	}
	s, err := v.AsString()
	if err != nil {
		return ""
	}
	return stream.Origin(s)
}
