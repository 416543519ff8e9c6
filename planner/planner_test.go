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

package planner_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/planner"
	"github.com/penny-vault/vortex/provider"
	"github.com/penny-vault/vortex/series"
	"github.com/penny-vault/vortex/storage"
)

type fakeProvider struct {
	name      string
	periods   []instrument.Period
	defaults  []instrument.Period
	maxWindow map[instrument.Period]time.Duration
	minStart  map[instrument.Period]time.Time
}

func (f *fakeProvider) Name() string                        { return f.name }
func (f *fakeProvider) Login(_ context.Context) error       { return nil }
func (f *fakeProvider) Logout(_ context.Context) error      { return nil }
func (f *fakeProvider) SupportedPeriods() []instrument.Period { return f.periods }

func (f *fakeProvider) DefaultPeriods() []instrument.Period {
	if len(f.defaults) > 0 {
		return f.defaults
	}
	return f.periods
}

func (f *fakeProvider) MaxWindow(period instrument.Period) (time.Duration, bool) {
	window, ok := f.maxWindow[period]
	return window, ok
}

func (f *fakeProvider) MinStart(period instrument.Period) (time.Time, bool) {
	floor, ok := f.minStart[period]
	return floor, ok
}

func (f *fakeProvider) FetchBars(_ context.Context, _ instrument.Instrument, _ instrument.Period, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
	return series.New(), nil
}

func strPtr(s string) *string {
	return &s
}

var _ = Describe("Planner", func() {
	var (
		ctx      context.Context
		store    storage.Storage
		fake     *fakeProvider
		registry *provider.Registry
	)

	newPlanner := func(entries map[string]*instrument.InstrumentConfig, startYear int, endYear int) *planner.Planner {
		catalog, err := instrument.NewCatalog(entries)
		Expect(err).NotTo(HaveOccurred())
		p, err := planner.New(planner.Config{
			Catalog:   catalog,
			Providers: registry,
			Storage:   store,
			StartYear: startYear,
			EndYear:   endYear,
		})
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()

		baseDir, err := os.MkdirTemp("", "vortex-planner-test")
		Expect(err).To(BeNil())
		DeferCleanup(os.RemoveAll, baseDir)

		store, err = storage.NewFileStorage(baseDir, storage.FormatCSV, false)
		Expect(err).NotTo(HaveOccurred())

		fake = &fakeProvider{
			name:      "fake",
			periods:   []instrument.Period{instrument.Period1Day, instrument.Period1Week, instrument.Period1Hour},
			defaults:  []instrument.Period{instrument.Period1Day},
			maxWindow: map[instrument.Period]time.Duration{},
			minStart:  map[instrument.Period]time.Time{},
		}
		registry = provider.NewRegistry()
		registry.Register(fake)
	})

	Describe("New", func() {
		It("rejects an empty planning window", func() {
			catalog, err := instrument.NewCatalog(map[string]*instrument.InstrumentConfig{})
			Expect(err).NotTo(HaveOccurred())
			_, err = planner.New(planner.Config{
				Catalog:   catalog,
				Providers: registry,
				Storage:   store,
				StartYear: 2023,
				EndYear:   2023,
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindConfig))
		})

		It("requires a catalog", func() {
			_, err := planner.New(planner.Config{
				Providers: registry,
				Storage:   store,
				StartYear: 2020,
				EndYear:   2023,
			})
			Expect(errs.KindOf(err)).To(Equal(errs.KindConfig))
		})
	})

	Describe("futures contracts", func() {
		It("emits one job per contract in the cycle and window, per period", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr("H"),
					DaysCount:   60,
					TZ:          "UTC",
					PeriodCodes: []string{"1d", "1w"},
				},
			}, 2020, 2023)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(6))

			symbols := map[string]int{}
			for _, job := range jobs {
				symbols[job.Instrument.Symbol()]++
				Expect(job.Instrument.Dated()).To(BeTrue())
			}
			Expect(symbols).To(Equal(map[string]int{"ESH20": 2, "ESH21": 2, "ESH22": 2}))
		})

		It("clips contract windows to the planning window", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr("H"),
					DaysCount:   60,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2023)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(3))

			first := jobs[0]
			Expect(first.Instrument.Symbol()).To(Equal("ESH20"))
			Expect(first.End).To(BeTemporally("==", time.Date(2020, 3, 31, 0, 0, 0, 0, time.UTC)))
			Expect(first.Start).To(BeTemporally("==", time.Date(2020, 1, 31, 0, 0, 0, 0, time.UTC)))
		})

		It("skips contracts that barely overlap the window", func() {
			// the March 2023 contract starts trading after the window ends
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr("H"),
					DaysCount:   60,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2023)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, job := range jobs {
				Expect(job.Instrument.Symbol()).NotTo(Equal("ESH23"))
			}
		})

		It("skips intraday periods for contracts that predate the tick date", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr("H"),
					DaysCount:   60,
					TZ:          "UTC",
					TickDateRaw: "2021-01-01",
					PeriodCodes: []string{"1d", "1h"},
				},
			}, 2020, 2023)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())

			byPeriod := map[instrument.Period][]string{}
			for _, job := range jobs {
				byPeriod[job.Period] = append(byPeriod[job.Period], job.Instrument.Symbol())
			}
			Expect(byPeriod[instrument.Period1Day]).To(Equal([]string{"ESH20", "ESH21", "ESH22"}))
			Expect(byPeriod[instrument.Period1Hour]).To(Equal([]string{"ESH21", "ESH22"}))
		})

		It("keeps the trailing slice when a contract exceeds the provider window", func() {
			fake.maxWindow[instrument.Period1Day] = 30 * 24 * time.Hour
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr("H"),
					DaysCount:   60,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2021)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].End.Sub(jobs[0].Start)).To(Equal(30 * 24 * time.Hour))
			Expect(jobs[0].End).To(BeTemporally("==", time.Date(2020, 3, 31, 0, 0, 0, 0, time.UTC)))
		})

		It("skips disabled entries", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"ES": {
					AssetClass:  instrument.AssetFuture,
					CycleCodes:  strPtr(""),
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2023)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})
	})

	Describe("stocks and forex", func() {
		It("emits a single job per period when the provider window is unbounded", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					PeriodCodes: []string{"1d", "1w"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))
			for _, job := range jobs {
				Expect(job.Start).To(BeTemporally("==", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
				Expect(job.End).To(BeTemporally("==", time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)))
			}
		})

		It("falls back to the provider's default periods", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {AssetClass: instrument.AssetStock, TZ: "UTC"},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Period).To(Equal(instrument.Period1Day))
		})

		It("chunks the window so no job exceeds the provider maximum", func() {
			window := 90 * 24 * time.Hour
			fake.maxWindow[instrument.Period1Day] = window
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(len(jobs)).To(BeNumerically(">", 1))

			winStart := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
			winEnd := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
			Expect(jobs[0].Start).To(BeTemporally("==", winStart))
			Expect(jobs[len(jobs)-1].End).To(BeTemporally("==", winEnd))
			for idx, job := range jobs {
				Expect(job.End.Sub(job.Start)).To(BeNumerically("<=", window))
				if idx > 0 {
					Expect(job.Start).To(BeTemporally("==", jobs[idx-1].End))
				}
			}
		})

		It("never plans before the provider's earliest start", func() {
			floor := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
			fake.minStart[instrument.Period1Day] = floor
			fake.maxWindow[instrument.Period1Day] = 30 * 24 * time.Hour
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).NotTo(BeEmpty())
			for _, job := range jobs {
				Expect(job.Start).To(BeTemporally(">=", floor))
			}
		})

		It("drops a period whose history begins after the window ends", func() {
			fake.minStart[instrument.Period1Day] = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("starts intraday requests no earlier than the tick date", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"EURUSD": {
					AssetClass:  instrument.AssetForex,
					TZ:          "UTC",
					TickDateRaw: "2021-03-01",
					PeriodCodes: []string{"1h", "1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(2))

			byPeriod := map[instrument.Period]time.Time{}
			for _, job := range jobs {
				byPeriod[job.Period] = job.Start
			}
			Expect(byPeriod[instrument.Period1Hour]).To(BeTemporally("==", time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC)))
			Expect(byPeriod[instrument.Period1Day]).To(BeTemporally("==", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
		})

		It("honors the instrument's own start date", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					StartRaw:    "2021-02-15",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Start).To(BeTemporally("==", time.Date(2021, 2, 15, 0, 0, 0, 0, time.UTC)))
		})

		It("drops periods the provider does not support", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					PeriodCodes: []string{"1m"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})
	})

	Describe("provider selection", func() {
		It("routes instruments to their configured provider", func() {
			other := &fakeProvider{
				name:    "other",
				periods: []instrument.Period{instrument.Period1Day},
			}
			registry.Register(other)

			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					Provider:    "other",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			jobs, err := p.Plan(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].Provider.Name()).To(Equal("other"))
		})

		It("fails when an entry names an unknown provider", func() {
			p := newPlanner(map[string]*instrument.InstrumentConfig{
				"AAPL": {
					AssetClass:  instrument.AssetStock,
					TZ:          "UTC",
					Provider:    "nope",
					PeriodCodes: []string{"1d"},
				},
			}, 2020, 2022)

			_, err := p.Plan(ctx)
			Expect(errs.KindOf(err)).To(Equal(errs.KindConfig))
		})
	})
})
