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

// Package provider defines the contract a market-data source implements
// and the registry the planner resolves providers from. Concrete providers
// live in sub-packages.
package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/series"
)

// DataProvider is a bounded-request market data source. Login and Logout
// are idempotent and no-ops for credential-less sources. MaxWindow and
// MinStart describe per-period capability limits; the second return is
// false when the provider is unbounded for that period.
type DataProvider interface {
	Name() string
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	SupportedPeriods() []instrument.Period
	DefaultPeriods() []instrument.Period
	MaxWindow(period instrument.Period) (time.Duration, bool)
	MinStart(period instrument.Period) (time.Time, bool)
	FetchBars(ctx context.Context, ins instrument.Instrument, period instrument.Period, start time.Time, end time.Time) (*series.PriceSeries, error)
}

// QuotaProvider is implemented by providers with a download allowance. The
// pre-flight check returns downloads used so far and the cap.
type QuotaProvider interface {
	DataProvider
	Allowance(ctx context.Context) (used int, limit int, err error)
}

// Supports reports whether the provider accepts the period.
func Supports(p DataProvider, period instrument.Period) bool {
	for _, supported := range p.SupportedPeriods() {
		if supported == period {
			return true
		}
	}
	return false
}

// ValidateRequest re-checks the planner's guarantees at the provider
// boundary: supported period, ordered range, window within MaxWindow, and
// start after MinStart.
func ValidateRequest(p DataProvider, ins instrument.Instrument, period instrument.Period, start time.Time, end time.Time) error {
	if !Supports(p, period) {
		return errs.New(errs.KindValidation, "fetch-bars",
			fmt.Sprintf("period %s is not supported by %s", period, p.Name())).
			WithProvider(p.Name()).WithInstrument(ins.ID()).WithPeriod(period.String())
	}
	if end.Before(start) {
		return errs.New(errs.KindValidation, "fetch-bars",
			fmt.Sprintf("inverted range: %s after %s", start.Format(time.RFC3339), end.Format(time.RFC3339))).
			WithProvider(p.Name()).WithInstrument(ins.ID()).WithPeriod(period.String())
	}
	if window, bounded := p.MaxWindow(period); bounded && end.Sub(start) > window {
		return errs.New(errs.KindValidation, "fetch-bars",
			fmt.Sprintf("window %s exceeds provider maximum %s", end.Sub(start), window)).
			WithProvider(p.Name()).WithInstrument(ins.ID()).WithPeriod(period.String())
	}
	if floor, bounded := p.MinStart(period); bounded && start.Before(floor) {
		return errs.New(errs.KindValidation, "fetch-bars",
			fmt.Sprintf("start %s before provider minimum %s", start.Format(time.RFC3339), floor.Format(time.RFC3339))).
			WithProvider(p.Name()).WithInstrument(ins.ID()).WithPeriod(period.String())
	}
	return nil
}
