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
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
)

// Validate checks a fetched series before it is merged and persisted. The
// required OHLCV columns must be present (matched case-insensitively and
// renamed to canonical casing); a missing column fails the job. Negative
// prices, negative volume, and OHLC incoherence are logged as warnings and
// the offending rows kept. An empty series is reported as data-not-found.
func Validate(ctx context.Context, ps *PriceSeries) error {
	subLog := correlation.Logger(ctx)

	if ps.Len() == 0 {
		return errs.New(errs.KindDataNotFound, "validate", "provider returned no rows").
			WithCorrelationID(correlation.FromContext(ctx))
	}

	missing := canonicalizeColumns(ps)
	if len(missing) > 0 {
		return errs.New(errs.KindValidation, "validate",
			fmt.Sprintf("missing required columns: %s", strings.Join(missing, ", "))).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithUserAction("check the provider response format against the expected OHLCV layout")
	}

	ps.NormalizeUTC()

	var (
		negativePrices int
		negativeVolume int
		incoherent     int
	)

	open := ps.Column(ColOpen)
	high := ps.Column(ColHigh)
	low := ps.Column(ColLow)
	closeCol := ps.Column(ColClose)
	volume := ps.Column(ColVolume)

	for rowIdx := range ps.Dates {
		o, h, l, c := open[rowIdx], high[rowIdx], low[rowIdx], closeCol[rowIdx]
		if o < 0 || h < 0 || l < 0 || c < 0 {
			negativePrices++
		}
		if volume[rowIdx] < 0 {
			negativeVolume++
		}
		if l > math.Min(o, c) || math.Max(o, c) > h {
			incoherent++
		}
	}

	if negativePrices > 0 {
		subLog.Warn().Int("NumRows", negativePrices).Msg("series contains negative prices")
	}
	if negativeVolume > 0 {
		subLog.Warn().Int("NumRows", negativeVolume).Msg("series contains negative volume")
	}
	if incoherent > 0 {
		subLog.Warn().Int("NumRows", incoherent).Msg("series contains rows where OHLC bounds disagree")
	}

	subLog.Debug().Int("NumRows", ps.Len()).
		Float64("MinClose", floats.Min(closeCol)).
		Float64("MaxClose", floats.Max(closeCol)).
		Time("FirstRow", ps.Start()).Time("LastRow", ps.End()).
		Msg("validated series")

	return nil
}

// canonicalizeColumns renames case-insensitive matches of the required
// columns to their canonical spelling and returns the names still missing.
func canonicalizeColumns(ps *PriceSeries) []string {
	var missing []string
	for _, want := range RequiredColumns() {
		found := false
		for idx, have := range ps.ColNames {
			if strings.EqualFold(want, have) {
				ps.ColNames[idx] = want
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}
	return missing
}
