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

package storage

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/penny-vault/vortex/series"
)

// csvCodec stores bars as a header row plus one row per bar. Timestamps are
// ISO-8601 in UTC; values round-trip through the shortest exact float form.
type csvCodec struct{}

func (c *csvCodec) ext() string {
	return "csv"
}

func (c *csvCodec) write(fn string, ps *series.PriceSeries) error {
	fh, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer fh.Close()

	w := csv.NewWriter(fh)

	header := append([]string{"Datetime"}, ps.ColNames...)
	if err := w.Write(header); err != nil {
		return err
	}

	row := make([]string, len(ps.ColNames)+1)
	for rowIdx, date := range ps.Dates {
		row[0] = date.UTC().Format(time.RFC3339)
		for colIdx := range ps.ColNames {
			row[colIdx+1] = strconv.FormatFloat(ps.Vals[colIdx][rowIdx], 'f', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}

	w.Flush()
	return w.Error()
}

func (c *csvCodec) read(fn string) (*series.PriceSeries, error) {
	fh, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	records, err := csv.NewReader(fh).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s: missing header row", fn)
	}

	header := records[0]
	if len(header) < 2 {
		return nil, fmt.Errorf("%s: header has no value columns", fn)
	}

	ps := series.New(header[1:]...)
	for _, record := range records[1:] {
		if len(record) != len(header) {
			return nil, fmt.Errorf("%s: row has %d fields, expected %d", fn, len(record), len(header))
		}
		date, err := time.Parse(time.RFC3339, record[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", fn, err)
		}
		vals := make([]float64, len(record)-1)
		for ii, field := range record[1:] {
			if vals[ii], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("%s: %w", fn, err)
			}
		}
		ps.InsertRow(date, vals...)
	}

	return ps, nil
}
