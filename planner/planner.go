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

// Package planner expands the instrument catalog into bounded download
// jobs. Each job respects the owning provider's capability limits so the
// downloader can execute it without further slicing.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/observability/opentelemetry"
	"github.com/penny-vault/vortex/provider"
	"github.com/penny-vault/vortex/storage"
)

// LowDataThreshold is the smallest stretch of bars worth a download. Contract
// windows that overlap the planning window by less are skipped, and the
// updating downloader re-fetches this much history to stitch new bars onto
// old ones without a gap.
const LowDataThreshold = 3 * 24 * time.Hour

// Job is one bounded fetch request. Jobs are immutable after planning; the
// scheduler owns them until executed.
type Job struct {
	Provider      provider.DataProvider
	Storage       storage.Storage
	BackupStorage storage.Storage
	Instrument    instrument.Instrument
	Period        instrument.Period
	Start         time.Time
	End           time.Time
}

func (job *Job) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("Provider", job.Provider.Name()).
		Str("Instrument", job.Instrument.ID()).
		Str("Symbol", job.Instrument.Symbol()).
		Str("Period", job.Period.String()).
		Time("Start", job.Start).
		Time("End", job.End)
}

// Config wires a Planner. StartYear/EndYear bound the planning window as
// [startYear, endYear).
type Config struct {
	Catalog   *instrument.Catalog
	Providers *provider.Registry
	Storage   storage.Storage
	Backup    storage.Storage
	StartYear int
	EndYear   int
}

// Planner converts the catalog into an ordered list of jobs.
type Planner struct {
	catalog   *instrument.Catalog
	providers *provider.Registry
	storage   storage.Storage
	backup    storage.Storage
	startYear int
	endYear   int
}

// New validates the planning window and builds a Planner.
func New(cfg Config) (*Planner, error) {
	if cfg.Catalog == nil {
		return nil, errs.New(errs.KindConfig, "planner.New", "no instrument catalog configured").
			WithUserAction("load a catalog file before planning")
	}
	if cfg.Providers == nil {
		return nil, errs.New(errs.KindConfig, "planner.New", "no provider registry configured")
	}
	if cfg.Storage == nil {
		return nil, errs.New(errs.KindConfig, "planner.New", "no storage configured")
	}
	if cfg.StartYear >= cfg.EndYear {
		return nil, errs.New(errs.KindConfig, "planner.New",
			fmt.Sprintf("planning window [%d, %d) is empty", cfg.StartYear, cfg.EndYear)).
			WithUserAction("set dateRange.startYear below dateRange.endYear")
	}

	return &Planner{
		catalog:   cfg.Catalog,
		providers: cfg.Providers,
		storage:   cfg.Storage,
		backup:    cfg.Backup,
		startYear: cfg.StartYear,
		endYear:   cfg.EndYear,
	}, nil
}

// Plan walks the catalog in id order and emits jobs for every instrument,
// period and window slice that survives the capability filters.
func (p *Planner) Plan(ctx context.Context) ([]*Job, error) {
	_, span := otel.Tracer(opentelemetry.Name).Start(ctx, "planner.Plan")
	defer span.End()

	jobs := make([]*Job, 0, p.catalog.Len())
	for _, id := range p.catalog.IDs() {
		cfg, _ := p.catalog.Get(id)
		subLog := correlation.Logger(ctx).With().Str("Instrument", id).Logger()

		if cfg.Disabled() {
			subLog.Info().Msg("instrument is disabled in the catalog, skipping")
			continue
		}

		prov, err := p.providers.Get(cfg.Provider)
		if err != nil {
			return nil, err
		}

		winStart, winEnd := p.effectiveWindow(cfg)
		if !winStart.Before(winEnd) {
			subLog.Info().Time("Start", winStart).Time("End", winEnd).
				Msg("effective window is empty, skipping")
			continue
		}

		periods := cfg.Periods()
		if len(periods) == 0 {
			periods = prov.DefaultPeriods()
		}
		supported := make([]instrument.Period, 0, len(periods))
		for _, period := range periods {
			if !provider.Supports(prov, period) {
				subLog.Warn().Str("Period", period.String()).Str("Provider", prov.Name()).
					Msg("period is not supported by the provider, dropping")
				continue
			}
			supported = append(supported, period)
		}
		if len(supported) == 0 {
			subLog.Warn().Str("Provider", prov.Name()).
				Msg("no requested period is supported by the provider, skipping")
			continue
		}

		if cfg.AssetClass == instrument.AssetFuture {
			jobs = append(jobs, p.planContracts(cfg, prov, supported, winStart, winEnd, subLog)...)
		} else {
			undatedJobs, err := p.planUndated(cfg, prov, supported, winStart, winEnd, subLog)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, undatedJobs...)
		}
	}

	span.SetAttributes(attribute.KeyValue{Key: "NumJobs", Value: attribute.IntValue(len(jobs))})
	correlation.Logger(ctx).Info().Int("NumJobs", len(jobs)).Msg("planned download jobs")
	return jobs, nil
}

// effectiveWindow intersects the planning years with the instrument's own
// start date and the current time, in the instrument's exchange timezone.
func (p *Planner) effectiveWindow(cfg *instrument.InstrumentConfig) (time.Time, time.Time) {
	loc := cfg.Location()

	winStart := time.Date(p.startYear, time.January, 1, 0, 0, 0, 0, loc)
	winEnd := time.Date(p.endYear, time.January, 1, 0, 0, 0, 0, loc)

	if now := time.Now().In(loc); winEnd.After(now) {
		winEnd = now
	}
	if startDate := cfg.StartDate(); !startDate.IsZero() {
		if local := dateIn(startDate, loc); local.After(winStart) {
			winStart = local
		}
	}
	return winStart, winEnd
}

func (p *Planner) planUndated(cfg *instrument.InstrumentConfig, prov provider.DataProvider,
	periods []instrument.Period, winStart time.Time, winEnd time.Time, subLog zerolog.Logger) ([]*Job, error) {
	ins, err := cfg.Instrument()
	if err != nil {
		return nil, err
	}

	jobs := []*Job{}
	for _, period := range periods {
		start := winStart
		if floor, bounded := prov.MinStart(period); bounded {
			if floor.After(winEnd) {
				subLog.Info().Str("Period", period.String()).
					Msg("provider history begins after the window ends, dropping period")
				continue
			}
			if floor.After(start) {
				start = floor
			}
		}
		if period.Intraday() {
			if tickDate := cfg.TickDate(); !tickDate.IsZero() {
				if local := dateIn(tickDate, cfg.Location()); local.After(start) {
					start = local
				}
			}
		}
		if !start.Before(winEnd) {
			continue
		}

		window, bounded := prov.MaxWindow(period)
		if !bounded {
			jobs = append(jobs, p.job(prov, ins, period, start, winEnd))
			continue
		}
		for chunkStart := start; chunkStart.Before(winEnd); chunkStart = chunkStart.Add(window) {
			chunkEnd := chunkStart.Add(window)
			if chunkEnd.After(winEnd) {
				chunkEnd = winEnd
			}
			jobs = append(jobs, p.job(prov, ins, period, chunkStart, chunkEnd))
		}
	}
	return jobs, nil
}

// planContracts iterates delivery months across the window (extended by
// daysCount so contracts expiring just outside still contribute their
// trailing bars) and emits one job per surviving contract and period.
func (p *Planner) planContracts(cfg *instrument.InstrumentConfig, prov provider.DataProvider,
	periods []instrument.Period, winStart time.Time, winEnd time.Time, subLog zerolog.Logger) []*Job {
	loc := cfg.Location()
	horizon := winEnd.AddDate(0, 0, cfg.DaysCount)

	inCycle := make(map[byte]bool, len(cfg.Cycle()))
	for _, code := range cfg.Cycle() {
		inCycle[code] = true
	}

	jobs := []*Job{}
	for year := winStart.Year(); year <= horizon.Year(); year++ {
		for month := time.January; month <= time.December; month++ {
			monthStart := time.Date(year, month, 1, 0, 0, 0, 0, loc)
			if monthStart.Before(time.Date(winStart.Year(), winStart.Month(), 1, 0, 0, 0, 0, loc)) ||
				monthStart.After(horizon) {
				continue
			}

			code := instrument.CodeFromMonth(month)
			if !inCycle[code] {
				continue
			}

			fut, err := cfg.Contract(year, code)
			if err != nil {
				subLog.Warn().Err(err).Int("Year", year).Str("MonthCode", string(code)).
					Msg("cannot synthesize contract, skipping")
				continue
			}

			contractStart, contractEnd := fut.ContractWindow(loc)
			jobStart := maxTime(contractStart, winStart)
			jobEnd := minTime(contractEnd, winEnd)
			if jobEnd.Sub(jobStart) < LowDataThreshold {
				subLog.Debug().Str("Contract", fut.Symbol()).
					Msg("contract barely overlaps the window, skipping")
				continue
			}

			for _, period := range periods {
				if period.Intraday() {
					if tickDate := cfg.TickDate(); !tickDate.IsZero() &&
						contractStart.Before(dateIn(tickDate, loc)) {
						continue
					}
				}
				if floor, bounded := prov.MinStart(period); bounded && floor.After(contractStart) {
					continue
				}

				start, end := jobStart, jobEnd
				if window, bounded := prov.MaxWindow(period); bounded && end.Sub(start) > window {
					// keep the trailing slice; the bars near expiry carry the
					// volume for a dated contract
					start = end.Add(-window)
				}
				jobs = append(jobs, p.job(prov, fut, period, start, end))
			}
		}
	}
	return jobs
}

func (p *Planner) job(prov provider.DataProvider, ins instrument.Instrument,
	period instrument.Period, start time.Time, end time.Time) *Job {
	return &Job{
		Provider:      prov,
		Storage:       p.storage,
		BackupStorage: p.backup,
		Instrument:    ins,
		Period:        period,
		Start:         start,
		End:           end,
	}
}

// dateIn reinterprets a naive calendar date in the given timezone.
func dateIn(d time.Time, loc *time.Location) time.Time {
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, loc)
}

func maxTime(a time.Time, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a time.Time, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
