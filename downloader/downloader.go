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

// Package downloader executes planned download jobs. The updating variant
// loads whatever is already on disk, fetches only the missing slice, and
// merges so overlapping runs stay idempotent; the backfill variant fetches
// the full window and overwrites. Provider calls go through the retry
// manager and the per-provider circuit breaker.
package downloader

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/penny-vault/vortex/breaker"
	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/observability/opentelemetry"
	"github.com/penny-vault/vortex/planner"
	"github.com/penny-vault/vortex/retry"
	"github.com/penny-vault/vortex/series"
	"github.com/penny-vault/vortex/storage"
)

// A series whose last row sits this far before its requested end stopped
// producing bars; refetching it is pointless.
const expirationThreshold = 7 * 24 * time.Hour

// Result classifies the outcome of one job.
type Result int

const (
	// ResultNone means no data was persisted.
	ResultNone Result = iota
	// ResultOK means fresh bars were fetched and persisted.
	ResultOK
	// ResultExists means the stored series already covered the window.
	ResultExists
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultExists:
		return "exists"
	default:
		return "none"
	}
}

// Config wires a downloader. Zero-value retry settings fall back to the
// defaults; a nil breaker registry gets a private one. RetryOverrides
// replaces the retry settings for the named providers.
type Config struct {
	Breakers       *breaker.Registry
	Retry          retry.Settings
	RetryOverrides map[string]retry.Settings
	RandomSleepMax int
	ForceBackup    bool
}

// core holds the machinery shared by the updating and backfill variants.
type core struct {
	breakers       *breaker.Registry
	retrySettings  retry.Settings
	retryOverrides map[string]retry.Settings
	randomSleepMax int
	rng            *rand.Rand
}

func newCore(cfg Config) core {
	if cfg.Breakers == nil {
		cfg.Breakers = breaker.NewRegistry(breaker.DefaultSettings())
	}
	if cfg.Retry == (retry.Settings{}) {
		cfg.Retry = retry.DefaultSettings()
	}
	return core{
		breakers:       cfg.Breakers,
		retrySettings:  cfg.Retry,
		retryOverrides: cfg.RetryOverrides,
		randomSleepMax: cfg.RandomSleepMax,
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// sleep pauses a uniformly random 1..randomSleepMax seconds before a
// provider call to smooth the request rate. Cancellation interrupts it.
func (c *core) sleep(ctx context.Context) error {
	if c.randomSleepMax <= 0 {
		return nil
	}
	wait := time.Duration(1+c.rng.Intn(c.randomSleepMax)) * time.Second
	correlation.Logger(ctx).Debug().Dur("Wait", wait).Msg("pausing before provider call")
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// fetch runs the provider call through retry and the provider's breaker.
func (c *core) fetch(ctx context.Context, job *planner.Job, start time.Time, end time.Time) (*series.PriceSeries, error) {
	br := c.breakers.Get(job.Provider.Name())

	settings := c.retrySettings
	if override, ok := c.retryOverrides[job.Provider.Name()]; ok {
		settings = override
	}

	var fresh *series.PriceSeries
	err := retry.Do(ctx, "fetch-bars", settings, func() error {
		return br.Call(ctx, func() error {
			var fetchErr error
			fresh, fetchErr = job.Provider.FetchBars(ctx, job.Instrument, job.Period, start, end)
			return fetchErr
		})
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// persist writes to the primary storage and, when configured, the backup.
func (c *core) persist(ctx context.Context, ps *series.PriceSeries, job *planner.Job) error {
	if err := job.Storage.Persist(ctx, ps, job.Instrument, job.Period); err != nil {
		return err
	}
	if job.BackupStorage != nil {
		if err := job.BackupStorage.Persist(ctx, ps, job.Instrument, job.Period); err != nil {
			return err
		}
	}
	return nil
}

// Updating is the incremental downloader. Per job it loads the stored
// series, skips the fetch when coverage is already sufficient, otherwise
// narrows the request to the missing slice, merges new over old, and
// persists the result.
type Updating struct {
	core
	forceBackup bool
}

// NewUpdating creates the incremental downloader.
func NewUpdating(cfg Config) *Updating {
	return &Updating{
		core:        newCore(cfg),
		forceBackup: cfg.ForceBackup,
	}
}

// Run executes one job. ResultExists means the stored series already covers
// the window; ResultNone with a nil error means the provider had no data.
func (d *Updating) Run(ctx context.Context, job *planner.Job) (Result, error) {
	ctx, corrID := correlation.New(ctx)
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "downloader.Updating.Run")
	defer span.End()
	span.SetAttributes(
		attribute.KeyValue{Key: "Symbol", Value: attribute.StringValue(job.Instrument.Symbol())},
		attribute.KeyValue{Key: "Period", Value: attribute.StringValue(job.Period.String())},
		attribute.KeyValue{Key: "CorrelationID", Value: attribute.StringValue(corrID)},
	)

	subLog := correlation.Logger(ctx).With().Object("Job", job).Logger()

	existing, err := d.loadExisting(ctx, job, subLog)
	if err != nil {
		return ResultNone, err
	}

	start, end := job.Start, job.End
	if existing != nil && existing.Meta != nil {
		if sufficient(existing.Meta, job) {
			if d.forceBackup && job.BackupStorage != nil {
				if err := job.BackupStorage.Persist(ctx, existing, job.Instrument, job.Period); err != nil {
					return ResultNone, err
				}
			}
			subLog.Debug().Msg("stored series already covers the requested window")
			return ResultExists, nil
		}
		start, end = narrow(existing.Meta, start, end)
	}

	if err := d.sleep(ctx); err != nil {
		return ResultNone, err
	}

	fresh, err := d.fetch(ctx, job, start, end)
	if err != nil {
		return ResultNone, err
	}

	if err := series.Validate(ctx, fresh); err != nil {
		if errs.Is(err, errs.KindDataNotFound) {
			subLog.Info().Msg("provider returned no data for the requested window")
			return ResultNone, nil
		}
		return ResultNone, err
	}

	// metadata records the planned window, not the narrowed one, so the next
	// run's coverage check sees what this job was responsible for
	fresh.Meta = series.BuildMetadata(job.Instrument.Symbol(), job.Period.String(),
		job.Provider.Name(), job.Start, job.End, fresh)

	merged := fresh
	if existing != nil {
		merged = series.Merge(existing, fresh, job.Period.BarDuration())
	}

	if err := d.persist(ctx, merged, job); err != nil {
		return ResultNone, err
	}

	subLog.Info().Int("NumRows", merged.Len()).Msg("download complete")
	return ResultOK, nil
}

// loadExisting reads the stored series, treating not-found as empty. When
// the primary read fails for any other reason the backup is consulted, but
// the backup never papers over the primary failure: if it cannot serve the
// series either, the primary error surfaces.
func (d *Updating) loadExisting(ctx context.Context, job *planner.Job, subLog zerolog.Logger) (*series.PriceSeries, error) {
	existing, err := job.Storage.Load(ctx, job.Instrument, job.Period)
	if err == nil {
		return existing, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if job.BackupStorage == nil {
		return nil, err
	}

	subLog.Warn().Err(err).Msg("primary storage failed to load; trying backup")
	fromBackup, backupErr := job.BackupStorage.Load(ctx, job.Instrument, job.Period)
	if backupErr != nil {
		return nil, err
	}
	return fromBackup, nil
}

// sufficient reports whether the stored series makes the fetch unnecessary:
// either the series went quiet well before its requested end (an expired
// contract will never grow), or the stored window covers the job window to
// within one bar duration of slack on each side.
func sufficient(md *series.Metadata, job *planner.Job) bool {
	if md.RequestedEnd.Sub(md.LastRow) > expirationThreshold {
		return true
	}
	tolerance := job.Period.BarDuration()
	return !md.RequestedStart.Add(-tolerance).After(job.Start) &&
		!job.End.After(md.RequestedEnd.Add(tolerance))
}

// narrow shrinks the fetch window against the stored series. Extending
// forward starts a few days before the last stored row so the two ranges
// overlap; a job that ends before the stored window is stretched up to it
// so no hole opens between old and new data.
func narrow(md *series.Metadata, start time.Time, end time.Time) (time.Time, time.Time) {
	if !start.Before(md.RequestedStart) {
		start = md.LastRow.Add(-planner.LowDataThreshold)
	}
	if end.Before(md.RequestedStart) {
		end = md.RequestedStart
	}
	return start, end
}

// Backfill fetches the full job window and persists it without consulting
// what is already stored. Used for seeding and deliberate overwrites.
type Backfill struct {
	core
}

// NewBackfill creates the overwriting downloader.
func NewBackfill(cfg Config) *Backfill {
	return &Backfill{core: newCore(cfg)}
}

// Run executes one job, overwriting any stored series for the instrument
// and period.
func (d *Backfill) Run(ctx context.Context, job *planner.Job) (Result, error) {
	ctx, corrID := correlation.New(ctx)
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "downloader.Backfill.Run")
	defer span.End()
	span.SetAttributes(
		attribute.KeyValue{Key: "Symbol", Value: attribute.StringValue(job.Instrument.Symbol())},
		attribute.KeyValue{Key: "Period", Value: attribute.StringValue(job.Period.String())},
		attribute.KeyValue{Key: "CorrelationID", Value: attribute.StringValue(corrID)},
	)

	subLog := correlation.Logger(ctx).With().Object("Job", job).Logger()

	if err := d.sleep(ctx); err != nil {
		return ResultNone, err
	}

	fresh, err := d.fetch(ctx, job, job.Start, job.End)
	if err != nil {
		return ResultNone, err
	}

	if err := series.Validate(ctx, fresh); err != nil {
		if errs.Is(err, errs.KindDataNotFound) {
			subLog.Info().Msg("provider returned no data for the requested window")
			return ResultNone, nil
		}
		return ResultNone, err
	}

	fresh.Meta = series.BuildMetadata(job.Instrument.Symbol(), job.Period.String(),
		job.Provider.Name(), job.Start, job.End, fresh)

	if err := d.persist(ctx, fresh, job); err != nil {
		return ResultNone, err
	}

	subLog.Info().Int("NumRows", fresh.Len()).Msg("backfill complete")
	return ResultOK, nil
}
