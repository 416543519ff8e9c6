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

package provider

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/penny-vault/vortex/series"
)

// timestampLayouts are tried in order for each row. Naive layouts with a
// time component are interpreted in the exchange timezone passed to
// ParseBarCSV; bare dates are calendar days and pin to midnight UTC.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

const dateOnlyLayout = "2006-01-02"

// ParseBarCSV converts a provider CSV payload into a series. The first
// column is the timestamp; remaining columns keep their header names so
// validation can canonicalize them. Naive intraday timestamps are parsed in
// loc and converted to UTC. Payloads without a recognizable bar header,
// including plain-text "no data" responses, produce an empty series.
func ParseBarCSV(raw []byte, loc *time.Location) (*series.PriceSeries, error) {
	if loc == nil {
		loc = time.UTC
	}

	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("malformed csv: %w", err)
	}
	if len(records) < 2 || !looksLikeBarHeader(records[0]) {
		return series.New(), nil
	}

	header := records[0]
	colNames := make([]string, 0, len(header)-1)
	for _, name := range header[1:] {
		colNames = append(colNames, strings.TrimSpace(name))
	}

	ps := series.New(colNames...)
	for rowNum, record := range records[1:] {
		// providers append single-field trailer lines ("Downloaded from ...")
		if len(record) == 1 {
			continue
		}
		if len(record) != len(header) {
			return nil, fmt.Errorf("row %d has %d fields, expected %d", rowNum+2, len(record), len(header))
		}

		date, err := parseTimestamp(record[0], loc)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rowNum+2, err)
		}

		vals := make([]float64, len(record)-1)
		for ii, field := range record[1:] {
			field = strings.TrimSpace(field)
			if field == "" || field == "N/A" {
				vals[ii] = 0
				continue
			}
			if vals[ii], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("row %d: %w", rowNum+2, err)
			}
		}
		ps.InsertRow(date.UTC(), vals...)
	}

	return ps, nil
}

func parseTimestamp(field string, loc *time.Location) (time.Time, error) {
	field = strings.TrimSpace(field)
	for _, layout := range timestampLayouts {
		layoutLoc := loc
		if layout == dateOnlyLayout {
			layoutLoc = time.UTC
		}
		if date, err := time.ParseInLocation(layout, field, layoutLoc); err == nil {
			return date, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", field)
}

func looksLikeBarHeader(header []string) bool {
	if len(header) < 2 {
		return false
	}
	for _, name := range header {
		for _, want := range series.RequiredColumns() {
			if strings.EqualFold(strings.TrimSpace(name), want) {
				return true
			}
		}
	}
	return false
}
