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

package instrument

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Futures delivery month codes in exchange convention, January through
// December.
const MonthCodes = "FGHJKMNQUVXZ"

var ErrInvalidMonthCode = errors.New("invalid month code")

var codeToMonth = map[byte]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March,
	'J': time.April, 'K': time.May, 'M': time.June,
	'N': time.July, 'Q': time.August, 'U': time.September,
	'V': time.October, 'X': time.November, 'Z': time.December,
}

// MonthFromCode resolves a delivery month code to its calendar month.
func MonthFromCode(code byte) (time.Month, error) {
	if m, ok := codeToMonth[code]; ok {
		return m, nil
	}
	return 0, ErrInvalidMonthCode
}

// CodeFromMonth returns the delivery month code for a calendar month.
func CodeFromMonth(month time.Month) byte {
	return MonthCodes[int(month)-1]
}

// Future is a dated contract for a futures root. TickDate marks the first
// day the exchange has intraday ticks for the root; DaysCount is the length
// of the contract's active trading window in days.
type Future struct {
	id        string
	root      string
	year      int
	monthCode byte
	tickDate  time.Time
	daysCount int
}

// NewFuture synthesizes a contract for the given delivery year and month
// code. The id is the catalog identifier of the root, not of the contract.
func NewFuture(id string, root string, year int, monthCode byte, tickDate time.Time, daysCount int) (*Future, error) {
	if _, ok := codeToMonth[monthCode]; !ok {
		return nil, fmt.Errorf("contract %s%c%02d: %w", root, monthCode, year%100, ErrInvalidMonthCode)
	}
	return &Future{
		id:        id,
		root:      root,
		year:      year,
		monthCode: monthCode,
		tickDate:  tickDate,
		daysCount: daysCount,
	}, nil
}

func (f *Future) ID() string             { return f.id }
func (f *Future) Code() string           { return f.root }
func (f *Future) Dated() bool            { return true }
func (f *Future) AssetClass() AssetClass { return AssetFuture }

// Symbol is the contract symbol: root, month code, two-digit year.
func (f *Future) Symbol() string {
	return fmt.Sprintf("%s%c%02d", f.root, f.monthCode, f.year%100)
}

func (f *Future) Year() int            { return f.year }
func (f *Future) MonthCode() byte      { return f.monthCode }
func (f *Future) TickDate() time.Time  { return f.tickDate }
func (f *Future) DaysCount() int       { return f.daysCount }
func (f *Future) Month() time.Month    { return codeToMonth[f.monthCode] }

// DeliveryTag is the YYYYMM tag of the delivery month used in file names.
func (f *Future) DeliveryTag() string {
	return fmt.Sprintf("%04d%02d", f.year, int(codeToMonth[f.monthCode]))
}

// ContractWindow is the contract's active trading window in tz: the window
// ends at 00:00 on the last calendar day of the delivery month and starts
// DaysCount days earlier. February across leap years follows the calendar.
func (f *Future) ContractWindow(tz *time.Location) (time.Time, time.Time) {
	if tz == nil {
		tz = time.UTC
	}
	month := codeToMonth[f.monthCode]
	end := time.Date(f.year, month+1, 1, 0, 0, 0, 0, tz).AddDate(0, 0, -1)
	start := end.AddDate(0, 0, -f.daysCount)
	return start, end
}

func (f *Future) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("ID", f.id).Str("Symbol", f.Symbol()).
		Str("AssetClass", string(AssetFuture)).
		Int("Year", f.year).Str("MonthCode", string(f.monthCode))
}
