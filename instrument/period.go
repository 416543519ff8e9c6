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
	"strings"
	"time"
)

// Period is a supported bar size. The zero value is invalid.
type Period string

const (
	Period1Min   Period = "1m"
	Period5Min   Period = "5m"
	Period15Min  Period = "15m"
	Period30Min  Period = "30m"
	Period1Hour  Period = "1h"
	Period1Day   Period = "1d"
	Period1Week  Period = "1w"
	Period1Month Period = "1mo"
	Period3Month Period = "3mo"
)

var ErrUnknownPeriod = errors.New("unknown period")

var periodDurations = map[Period]time.Duration{
	Period1Min:   time.Minute,
	Period5Min:   5 * time.Minute,
	Period15Min:  15 * time.Minute,
	Period30Min:  30 * time.Minute,
	Period1Hour:  time.Hour,
	Period1Day:   24 * time.Hour,
	Period1Week:  7 * 24 * time.Hour,
	Period1Month: 30 * 24 * time.Hour,
	Period3Month: 90 * 24 * time.Hour,
}

// AllPeriods returns every supported period ordered by bar duration.
func AllPeriods() []Period {
	return []Period{Period1Min, Period5Min, Period15Min, Period30Min,
		Period1Hour, Period1Day, Period1Week, Period1Month, Period3Month}
}

// ParsePeriod resolves a period code from the catalog or command line.
func ParsePeriod(code string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(code)))
	if !p.Valid() {
		return "", ErrUnknownPeriod
	}
	return p, nil
}

func (p Period) Valid() bool {
	_, ok := periodDurations[p]
	return ok
}

func (p Period) String() string {
	return string(p)
}

// BarDuration is the nominal time between consecutive bars.
func (p Period) BarDuration() time.Duration {
	return periodDurations[p]
}

// WalkStep is the calendar distance one bar advances when chunking lazily
// traded sessions. Intraday instruments trade roughly 5 of every 24 hours,
// so one intraday bar spans 24/5 of its nominal duration on the calendar.
func (p Period) WalkStep() time.Duration {
	if p.Intraday() {
		return p.BarDuration() * 24 / 5
	}
	return p.BarDuration()
}

// Intraday reports whether bars are shorter than one day.
func (p Period) Intraday() bool {
	return p.BarDuration() < 24*time.Hour
}

// Less orders periods by bar duration.
func (p Period) Less(other Period) bool {
	return p.BarDuration() < other.BarDuration()
}
