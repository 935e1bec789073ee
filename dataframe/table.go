// Package dataframe implements a memoizing table of historical time-series
// keyed by asset identifier, composable via time-indexed joins, with
// row-JSON and columnar-file serialization.
//
// Table is a small column-oriented struct rather than a third-party
// dataframe dependency: the operations this worker needs (two join shapes,
// a rename pass, shifted percent change) fit in a few hundred lines, and
// explicit slices keep the clone-on-read semantics obvious.
package dataframe

import (
	"sort"
	"time"
)

// Table is a column-oriented, time-indexed table. Columns preserves
// declaration order (the columnar file's header order; row-JSON objects are
// encoded with their keys sorted by name); data holds one slice per column,
// all the same length.
type Table struct {
	Columns []string
	data    map[string][]interface{}
}

// NewTable creates an empty table with the given column order. DateTime,
// if present, must be the time index column used by sorts and joins.
func NewTable(columns []string) *Table {
	data := make(map[string][]interface{}, len(columns))
	for _, c := range columns {
		data[c] = nil
	}
	return &Table{Columns: append([]string(nil), columns...), data: data}
}

// Height returns the row count.
func (t *Table) Height() int {
	if len(t.Columns) == 0 {
		return 0
	}
	return len(t.data[t.Columns[0]])
}

// AppendRow appends one row. Missing columns are filled with nil.
func (t *Table) AppendRow(values map[string]interface{}) {
	for _, c := range t.Columns {
		t.data[c] = append(t.data[c], values[c])
	}
}

// Column returns the underlying slice for a column name (read-only use
// expected; callers needing to mutate should Clone first).
func (t *Table) Column(name string) []interface{} {
	return t.data[name]
}

// HasColumn reports whether name is one of the table's columns.
func (t *Table) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Clone returns an independent copy: callers may mutate the result freely
// without affecting the memoized original.
func (t *Table) Clone() *Table {
	clone := &Table{
		Columns: append([]string(nil), t.Columns...),
		data:    make(map[string][]interface{}, len(t.data)),
	}
	for k, v := range t.data {
		clone.data[k] = append([]interface{}(nil), v...)
	}
	return clone
}

// SetColumn sets (or appends) a column's values in place. values must have
// length Height(). Used to attach a derived column (e.g. ReportDateTime)
// that was not part of the table's original column set.
func (t *Table) SetColumn(name string, values []interface{}) {
	if !t.HasColumn(name) {
		t.Columns = append(t.Columns, name)
	}
	t.data[name] = values
}

// RenameColumn renames a column in place, preserving position.
func (t *Table) RenameColumn(from, to string) {
	for i, c := range t.Columns {
		if c == from {
			t.Columns[i] = to
			break
		}
	}
	if vals, ok := t.data[from]; ok {
		delete(t.data, from)
		t.data[to] = vals
	}
}

// PrefixColumns renames every column except `except` to "<prefix>_<col>",
// the naming rule Cache.Get applies to every non-DateTime column so joined
// tables never collide on column names.
func (t *Table) PrefixColumns(prefix string, except string) {
	for i, c := range t.Columns {
		if c == except {
			continue
		}
		renamed := prefix + "_" + c
		t.data[renamed] = t.data[c]
		if renamed != c {
			delete(t.data, c)
		}
		t.Columns[i] = renamed
	}
}

// SortByDateTime sorts rows ascending by the DateTime column, oldest
// first.
func (t *Table) SortByDateTime() {
	t.sortByTimeColumn("DateTime")
}

func (t *Table) sortByTimeColumn(col string) {
	n := t.Height()
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	times := t.data[col]
	sort.SliceStable(idx, func(i, j int) bool {
		ti, _ := times[idx[i]].(time.Time)
		tj, _ := times[idx[j]].(time.Time)
		return ti.Before(tj)
	})

	newData := make(map[string][]interface{}, len(t.data))
	for _, c := range t.Columns {
		old := t.data[c]
		reordered := make([]interface{}, n)
		for newPos, oldPos := range idx {
			reordered[newPos] = old[oldPos]
		}
		newData[c] = reordered
	}
	t.data = newData
}

// InnerJoinOnDateTime folds tables left to right on exact DateTime
// equality; the result's row count is the intersection of the inputs'
// DateTime sets. Non-DateTime columns from both sides are included; the
// left side's columns take precedence on name collision.
func InnerJoinOnDateTime(tables ...*Table) *Table {
	if len(tables) == 0 {
		return NewTable(nil)
	}
	result := tables[0].Clone()
	for _, next := range tables[1:] {
		result = innerJoinTwo(result, next)
	}
	return result
}

func innerJoinTwo(a, b *Table) *Table {
	bIndex := make(map[time.Time]int, b.Height())
	bTimes := b.Column("DateTime")
	for i, v := range bTimes {
		if tv, ok := v.(time.Time); ok {
			bIndex[tv] = i
		}
	}

	columns := append([]string(nil), a.Columns...)
	for _, c := range b.Columns {
		if c == "DateTime" || a.HasColumn(c) {
			continue
		}
		columns = append(columns, c)
	}

	out := NewTable(columns)
	aTimes := a.Column("DateTime")
	for i, v := range aTimes {
		tv, ok := v.(time.Time)
		if !ok {
			continue
		}
		bi, found := bIndex[tv]
		if !found {
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for _, c := range a.Columns {
			row[c] = a.Column(c)[i]
		}
		for _, c := range b.Columns {
			if c == "DateTime" || a.HasColumn(c) {
				continue
			}
			row[c] = b.Column(c)[bi]
		}
		out.AppendRow(row)
	}
	return out
}

// OuterJoinDateTimeReportDateTime outer-joins historical (indexed by
// DateTime) with earnings (indexed by ReportDateTime): every row from
// either side appears at least once, matched when the two timestamps are
// equal.
func OuterJoinDateTimeReportDateTime(historical, earnings *Table) *Table {
	columns := append([]string(nil), historical.Columns...)
	for _, c := range earnings.Columns {
		columns = append(columns, c)
	}
	out := NewTable(columns)

	earningsTimes := earnings.Column("ReportDateTime")
	matchedEarnings := make(map[int]bool, len(earningsTimes))

	histTimes := historical.Column("DateTime")
	for i, v := range histTimes {
		tv, _ := v.(time.Time)
		row := make(map[string]interface{}, len(columns))
		for _, c := range historical.Columns {
			row[c] = historical.Column(c)[i]
		}
		for j, ev := range earningsTimes {
			etv, ok := ev.(time.Time)
			if ok && etv.Equal(tv) {
				for _, c := range earnings.Columns {
					row[c] = earnings.Column(c)[j]
				}
				matchedEarnings[j] = true
				break
			}
		}
		out.AppendRow(row)
	}

	for j := range earningsTimes {
		if matchedEarnings[j] {
			continue
		}
		row := make(map[string]interface{}, len(columns))
		for _, c := range earnings.Columns {
			row[c] = earnings.Column(c)[j]
		}
		out.AppendRow(row)
	}

	return out
}
