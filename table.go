// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mrp

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// resultTable is a table of per-unit results. The first column holds
// the unit key; every other column is numeric, with NaN for missing
// values.
type resultTable struct {
	Columns []string
	Keys    []string
	Values  [][]float64 // Values[row][col-1]
}

func newResultTable(columns []string) *resultTable {
	return &resultTable{Columns: columns}
}

func (t *resultTable) addRow(key string, values []float64) {
	t.Keys = append(t.Keys, key)
	t.Values = append(t.Values, values)
}

func (t *resultTable) Len() int { return len(t.Keys) }

func (t *resultTable) columnIndex(name string) int {
	for i, col := range t.Columns {
		if col == name {
			return i
		}
	}
	return -1
}

// cell returns the value in the given row and column. Column 0 is
// the key column and cannot be fetched here.
func (t *resultTable) cell(row, col int) float64 {
	return t.Values[row][col-1]
}

func (t *resultTable) joinKey(row int, on []int) string {
	var sb strings.Builder
	sb.WriteString(t.Keys[row])
	for _, col := range on {
		sb.WriteByte(0)
		sb.WriteString(formatValue(t.cell(row, col)))
	}
	return sb.String()
}

// outerMerge joins t and other on the key column plus the named
// columns, which must exist in both tables. The result has t's
// columns followed by other's remaining columns. Rows appear in t's
// order, followed by rows found only in other.
func outerMerge(t, other *resultTable, on ...string) (*resultTable, error) {
	var onLeft, onRight []int
	onRightSet := map[int]bool{0: true}
	for _, name := range on {
		l, r := t.columnIndex(name), other.columnIndex(name)
		if l < 1 || r < 1 {
			return nil, fmt.Errorf("merge column %q missing", name)
		}
		onLeft = append(onLeft, l)
		onRight = append(onRight, r)
		onRightSet[r] = true
	}
	if t.Columns[0] != other.Columns[0] {
		return nil, fmt.Errorf("cannot merge tables keyed on %q and %q", t.Columns[0], other.Columns[0])
	}
	var extra []int
	for col := range other.Columns {
		if !onRightSet[col] {
			extra = append(extra, col)
		}
	}
	out := &resultTable{Columns: append([]string(nil), t.Columns...)}
	for _, col := range extra {
		out.Columns = append(out.Columns, other.Columns[col])
	}

	rightRow := make(map[string]int, other.Len())
	for row := range other.Keys {
		rightRow[other.joinKey(row, onRight)] = row
	}
	matched := make([]bool, other.Len())
	for row := range t.Keys {
		values := append(make([]float64, 0, len(out.Columns)-1), t.Values[row]...)
		orow, ok := rightRow[t.joinKey(row, onLeft)]
		if ok {
			matched[orow] = true
		}
		for _, col := range extra {
			if ok {
				values = append(values, other.cell(orow, col))
			} else {
				values = append(values, math.NaN())
			}
		}
		out.addRow(t.Keys[row], values)
	}
	for orow := range other.Keys {
		if matched[orow] {
			continue
		}
		values := nanSlice(len(out.Columns) - 1)
		for i, col := range onLeft {
			values[col-1] = other.cell(orow, onRight[i])
		}
		for i, col := range extra {
			values[len(t.Columns)-1+i] = other.cell(orow, col)
		}
		out.addRow(other.Keys[orow], values)
	}
	return out, nil
}

// mergeAll outer-merges tables left to right.
func mergeAll(tables []*resultTable, on ...string) (*resultTable, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables to merge")
	}
	out := tables[0]
	for _, t := range tables[1:] {
		var err error
		out, err = outerMerge(out, t, on...)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// sortByFirstBF sorts rows in descending order of the first log10
// Bayes factor column. NaN sorts last.
func (t *resultTable) sortByFirstBF() {
	col := -1
	for i, name := range t.Columns {
		if strings.Contains(name, "log_10_BF") {
			col = i
			break
		}
	}
	if col < 1 {
		return
	}
	idx := make([]int, t.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		a, b := t.cell(idx[i], col), t.cell(idx[j], col)
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		return a > b
	})
	keys := make([]string, len(idx))
	values := make([][]float64, len(idx))
	for i, row := range idx {
		keys[i] = t.Keys[row]
		values[i] = t.Values[row]
	}
	t.Keys, t.Values = keys, values
}

// WriteTSV writes the table with a header line. Missing values are
// written as "NA".
func (t *resultTable) WriteTSV(w io.Writer) error {
	bufw := bufio.NewWriter(w)
	fmt.Fprintln(bufw, strings.Join(t.Columns, "\t"))
	for row, key := range t.Keys {
		bufw.WriteString(key)
		for _, v := range t.Values[row] {
			bufw.WriteByte('\t')
			bufw.WriteString(formatValue(v))
		}
		bufw.WriteByte('\n')
	}
	return bufw.Flush()
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatParam formats a threshold or prior odds for use in file and
// column names. Integral values get a trailing ".0" (1 -> "1.0").
func formatParam(v float64) string {
	s := strconv.FormatFloat(v, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEIN") {
		s += ".0"
	}
	return s
}
