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

package series

import (
	"math"
	"sort"
	"time"
)

// Merge combines a previously persisted series with a freshly fetched one.
// Overlapping timestamps collapse to a single row and the fresh row wins,
// so re-running a download over an already covered window is idempotent.
// When the two ranges leave a gap wider than tolerance (one bar duration),
// only the fresh series is kept; history is never stitched around a hole.
// The result carries recomputed metadata and a strictly increasing index.
func Merge(existing *PriceSeries, fresh *PriceSeries, tolerance time.Duration) *PriceSeries {
	if existing.Len() == 0 {
		return fresh
	}
	if fresh.Len() == 0 {
		return existing
	}

	if fresh.Start().Sub(existing.End()) > tolerance || existing.Start().Sub(fresh.End()) > tolerance {
		return fresh
	}

	cols := unionColumns(existing, fresh)

	type row struct {
		date time.Time
		vals []float64
	}

	rows := make([]row, 0, existing.Len()+fresh.Len())
	appendRows := func(src *PriceSeries) {
		colIdx := make([]int, len(cols))
		for ii, col := range cols {
			colIdx[ii] = src.ColIndex(col)
		}
		for rowIdx, date := range src.Dates {
			vals := make([]float64, len(cols))
			for ii, srcIdx := range colIdx {
				if srcIdx == -1 {
					vals[ii] = math.NaN()
				} else {
					vals[ii] = src.Vals[srcIdx][rowIdx]
				}
			}
			rows = append(rows, row{date: date, vals: vals})
		}
	}

	// fresh rows come second so that a stable sort leaves them last within
	// any run of equal timestamps
	appendRows(existing)
	appendRows(fresh)

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].date.Before(rows[j].date)
	})

	merged := New(cols...)
	for ii, r := range rows {
		if ii+1 < len(rows) && rows[ii+1].date.Equal(r.date) {
			continue
		}
		merged.InsertRow(r.date, r.vals...)
	}

	merged.Meta = mergeMetadata(existing.Meta, fresh.Meta, merged)
	return merged
}

func unionColumns(existing *PriceSeries, fresh *PriceSeries) []string {
	cols := make([]string, 0, len(existing.ColNames))
	cols = append(cols, existing.ColNames...)
	for _, col := range fresh.ColNames {
		if existing.ColIndex(col) == -1 {
			cols = append(cols, col)
		}
	}
	return cols
}

func mergeMetadata(ex *Metadata, nw *Metadata, merged *PriceSeries) *Metadata {
	if ex == nil && nw == nil {
		return nil
	}
	if ex == nil {
		ex = nw
	}
	if nw == nil {
		nw = ex
	}

	md := &Metadata{
		Symbol:         nw.Symbol,
		Period:         nw.Period,
		Provider:       nw.Provider,
		RequestedStart: minTime(ex.RequestedStart, nw.RequestedStart),
		RequestedEnd:   maxTime(ex.RequestedEnd, nw.RequestedEnd),
		FirstRow:       merged.Start(),
		LastRow:        merged.End(),
		Created:        time.Now().UTC(),
	}
	if vol, ok := merged.LastVolume(); ok && vol == 0 {
		expiration := merged.End()
		md.Expiration = &expiration
	}
	return md
}

func minTime(a time.Time, b time.Time) time.Time {
	if a.IsZero() {
		return b
	}
	if b.IsZero() || a.Before(b) {
		return a
	}
	return b
}

func maxTime(a time.Time, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
