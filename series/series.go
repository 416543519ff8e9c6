// Copyright 2022
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package series holds time-indexed OHLCV bar tables and the merge engine
// that combines a freshly fetched table with a previously persisted one.
package series

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Canonical OHLCV column names. Providers may attach additional columns;
// these five are required by validation.
const (
	ColOpen   = "Open"
	ColHigh   = "High"
	ColLow    = "Low"
	ColClose  = "Close"
	ColVolume = "Volume"
)

// RequiredColumns returns the canonical OHLCV column set in order.
func RequiredColumns() []string {
	return []string{ColOpen, ColHigh, ColLow, ColClose, ColVolume}
}

// PriceSeries stores a table of bar values organized by timestamp. Vals is
// column major: Vals[colIdx][rowIdx] holds the value of column colIdx at row
// rowIdx. Timestamps are UTC and strictly increasing after a merge.
type PriceSeries struct {
	Dates    []time.Time
	ColNames []string
	Vals     [][]float64
	Meta     *Metadata
}

// New creates an empty series with the given columns; no columns means the
// canonical OHLCV set.
func New(colNames ...string) *PriceSeries {
	if len(colNames) == 0 {
		colNames = RequiredColumns()
	}
	vals := make([][]float64, len(colNames))
	for idx := range vals {
		vals[idx] = []float64{}
	}
	return &PriceSeries{
		Dates:    []time.Time{},
		ColNames: colNames,
		Vals:     vals,
	}
}

// Len returns the number of rows in the series.
func (ps *PriceSeries) Len() int {
	if ps == nil {
		return 0
	}
	return len(ps.Dates)
}

// Empty reports whether the series has no rows.
func (ps *PriceSeries) Empty() bool {
	return ps.Len() == 0
}

// Start returns the first timestamp, or the zero time when empty.
func (ps *PriceSeries) Start() time.Time {
	if ps.Len() == 0 {
		return time.Time{}
	}
	return ps.Dates[0]
}

// End returns the last timestamp, or the zero time when empty.
func (ps *PriceSeries) End() time.Time {
	if ps.Len() == 0 {
		return time.Time{}
	}
	return ps.Dates[len(ps.Dates)-1]
}

// ColIndex returns the index of the named column; -1 if it doesn't exist.
func (ps *PriceSeries) ColIndex(colName string) int {
	for idx, val := range ps.ColNames {
		if colName == val {
			return idx
		}
	}
	return -1
}

// Column returns the values of the named column, or nil if it doesn't exist.
func (ps *PriceSeries) Column(colName string) []float64 {
	idx := ps.ColIndex(colName)
	if idx == -1 {
		return nil
	}
	return ps.Vals[idx]
}

// ValueAt returns the named column's value on the given timestamp. The
// second return is false when the timestamp or column is absent.
func (ps *PriceSeries) ValueAt(colName string, date time.Time) (float64, bool) {
	colIdx := ps.ColIndex(colName)
	if colIdx == -1 {
		return 0, false
	}
	for rowIdx, d := range ps.Dates {
		if d.Equal(date) {
			return ps.Vals[colIdx][rowIdx], true
		}
	}
	return 0, false
}

// InsertRow appends a row. Missing values are filled with NaN; extra values
// are dropped.
func (ps *PriceSeries) InsertRow(date time.Time, vals ...float64) *PriceSeries {
	ps.Dates = append(ps.Dates, date)
	for colIdx := range ps.ColNames {
		if colIdx < len(vals) {
			ps.Vals[colIdx] = append(ps.Vals[colIdx], vals[colIdx])
		} else {
			ps.Vals[colIdx] = append(ps.Vals[colIdx], math.NaN())
		}
	}
	return ps
}

// EnsureColumn adds a zero-filled column when the named column is absent
// and returns the column's index.
func (ps *PriceSeries) EnsureColumn(colName string) int {
	if idx := ps.ColIndex(colName); idx != -1 {
		return idx
	}
	ps.ColNames = append(ps.ColNames, colName)
	ps.Vals = append(ps.Vals, make([]float64, ps.Len()))
	return len(ps.ColNames) - 1
}

// Row returns the values of row rowIdx in column order.
func (ps *PriceSeries) Row(rowIdx int) []float64 {
	row := make([]float64, len(ps.ColNames))
	for colIdx := range ps.ColNames {
		row[colIdx] = ps.Vals[colIdx][rowIdx]
	}
	return row
}

// Copy creates a deep copy of the series; metadata is shared.
func (ps *PriceSeries) Copy() *PriceSeries {
	ps2 := &PriceSeries{
		Dates:    make([]time.Time, len(ps.Dates)),
		ColNames: make([]string, len(ps.ColNames)),
		Vals:     make([][]float64, len(ps.Vals)),
		Meta:     ps.Meta,
	}
	copy(ps2.Dates, ps.Dates)
	copy(ps2.ColNames, ps.ColNames)
	for idx := range ps.Vals {
		ps2.Vals[idx] = make([]float64, len(ps.Vals[idx]))
		copy(ps2.Vals[idx], ps.Vals[idx])
	}
	return ps2
}

// NormalizeUTC rewrites every timestamp in UTC.
func (ps *PriceSeries) NormalizeUTC() *PriceSeries {
	for idx, date := range ps.Dates {
		ps.Dates[idx] = date.UTC()
	}
	return ps
}

// LastVolume returns the volume of the final bar; false when the series is
// empty or has no volume column.
func (ps *PriceSeries) LastVolume() (float64, bool) {
	if ps.Len() == 0 {
		return 0, false
	}
	colIdx := ps.ColIndex(ColVolume)
	if colIdx == -1 {
		return 0, false
	}
	return ps.Vals[colIdx][ps.Len()-1], true
}

// Table renders an ASCII formatted table of the series for debug output.
func (ps *PriceSeries) Table() string {
	if ps.Len() == 0 {
		return "<NO DATA>"
	}

	tableCols := append([]string{"Date"}, ps.ColNames...)

	s := &strings.Builder{}
	table := tablewriter.NewWriter(s)
	table.SetHeader(tableCols)
	footer := make([]string, len(tableCols))
	footer[0] = "Num Rows"
	footer[1] = fmt.Sprintf("%d", ps.Len())
	table.SetFooter(footer)
	table.SetBorder(false)

	for rowIdx, date := range ps.Dates {
		row := make([]string, 0, len(ps.Vals)+1)
		row = append(row, date.Format(time.RFC3339))
		for _, col := range ps.Vals {
			row = append(row, fmt.Sprintf("%.4f", col[rowIdx]))
		}
		table.Append(row)
	}

	table.Render()
	return s.String()
}
