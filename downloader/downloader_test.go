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

package downloader_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/vortex/downloader"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/planner"
	"github.com/penny-vault/vortex/retry"
	"github.com/penny-vault/vortex/series"
	"github.com/penny-vault/vortex/storage"
)

func day(d int) time.Time {
	return time.Date(2024, time.January, d, 0, 0, 0, 0, time.UTC)
}

// bars builds daily rows for days first..last with Open = openBase at the
// first day and increasing by one per day.
func bars(first int, last int, openBase float64) *series.PriceSeries {
	ps := series.New()
	for d := first; d <= last; d++ {
		open := openBase + float64(d-first)
		ps.InsertRow(day(d), open, open+1, open-1, open+0.5, 1000)
	}
	return ps
}

type window struct {
	Start time.Time
	End   time.Time
}

// stubProvider records every fetch window and answers through fetchFn,
// which receives the zero-based call index.
type stubProvider struct {
	calls   []window
	fetchFn func(call int, start time.Time, end time.Time) (*series.PriceSeries, error)
}

func (s *stubProvider) Name() string                          { return "stub" }
func (s *stubProvider) Login(_ context.Context) error         { return nil }
func (s *stubProvider) Logout(_ context.Context) error        { return nil }
func (s *stubProvider) SupportedPeriods() []instrument.Period { return []instrument.Period{instrument.Period1Day} }
func (s *stubProvider) DefaultPeriods() []instrument.Period   { return []instrument.Period{instrument.Period1Day} }

func (s *stubProvider) MaxWindow(_ instrument.Period) (time.Duration, bool) {
	return 0, false
}

func (s *stubProvider) MinStart(_ instrument.Period) (time.Time, bool) {
	return time.Time{}, false
}

func (s *stubProvider) FetchBars(_ context.Context, _ instrument.Instrument, _ instrument.Period, start time.Time, end time.Time) (*series.PriceSeries, error) {
	s.calls = append(s.calls, window{Start: start, End: end})
	return s.fetchFn(len(s.calls)-1, start, end)
}

// stubStorage is an in-memory Storage with scriptable failures.
type stubStorage struct {
	stored     *series.PriceSeries
	loadErr    error
	persistErr error
	persisted  int
}

func (s *stubStorage) Load(_ context.Context, _ instrument.Instrument, _ instrument.Period) (*series.PriceSeries, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.stored == nil {
		return nil, storage.ErrNotFound
	}
	return s.stored, nil
}

func (s *stubStorage) Persist(_ context.Context, ps *series.PriceSeries, _ instrument.Instrument, _ instrument.Period) error {
	if s.persistErr != nil {
		return s.persistErr
	}
	s.stored = ps
	s.persisted++
	return nil
}

var _ = Describe("Updating", func() {
	var (
		ctx   context.Context
		aapl  *instrument.Stock
		prov  *stubProvider
		store *storage.FileStorage
	)

	fastRetry := retry.Settings{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}

	newJob := func(startDay int, endDay int) *planner.Job {
		return &planner.Job{
			Provider:   prov,
			Storage:    store,
			Instrument: aapl,
			Period:     instrument.Period1Day,
			Start:      day(startDay),
			End:        day(endDay),
		}
	}

	run := func(job *planner.Job) (downloader.Result, error) {
		return downloader.NewUpdating(downloader.Config{Retry: fastRetry}).Run(ctx, job)
	}

	BeforeEach(func() {
		ctx = context.Background()
		aapl = instrument.NewStock("AAPL", "AAPL")
		prov = &stubProvider{}

		baseDir, err := os.MkdirTemp("", "vortex-downloader-test")
		Expect(err).To(BeNil())
		DeferCleanup(os.RemoveAll, baseDir)

		store, err = storage.NewFileStorage(baseDir, storage.FormatCSV, false)
		Expect(err).To(BeNil())
	})

	Context("first download", func() {
		BeforeEach(func() {
			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				return bars(1, 10, 100), nil
			}
		})

		It("fetches the full job window and persists", func() {
			result, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))

			Expect(prov.calls).To(HaveLen(1))
			Expect(prov.calls[0]).To(Equal(window{Start: day(1), End: day(10)}))

			stored, err := store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Len()).To(Equal(10))
			Expect(stored.Meta.Provider).To(Equal("stub"))
			Expect(stored.Meta.RequestedStart).To(BeTemporally("==", day(1)))
			Expect(stored.Meta.RequestedEnd).To(BeTemporally("==", day(10)))
			Expect(stored.Meta.LastRow).To(BeTemporally("==", day(10)))
		})
	})

	Context("consecutive downloads", func() {
		BeforeEach(func() {
			prov.fetchFn = func(call int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				if call == 0 {
					return bars(1, 10, 100), nil
				}
				return bars(8, 15, 300), nil
			}

			result, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))
		})

		It("narrows the fetch to overlap the stored tail and merges new over old", func() {
			result, err := run(newJob(8, 15))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))

			// request starts 3 days before the last stored row
			Expect(prov.calls).To(HaveLen(2))
			Expect(prov.calls[1]).To(Equal(window{Start: day(7), End: day(15)}))

			stored, err := store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Len()).To(Equal(15))

			open5, ok := stored.ValueAt(series.ColOpen, day(5))
			Expect(ok).To(BeTrue())
			Expect(open5).To(Equal(104.0))

			open8, ok := stored.ValueAt(series.ColOpen, day(8))
			Expect(ok).To(BeTrue())
			Expect(open8).To(Equal(300.0))

			open12, ok := stored.ValueAt(series.ColOpen, day(12))
			Expect(ok).To(BeTrue())
			Expect(open12).To(Equal(304.0))

			Expect(stored.Meta.RequestedStart).To(BeTemporally("==", day(1)))
			Expect(stored.Meta.RequestedEnd).To(BeTemporally("==", day(15)))
		})

		It("reports exists on an identical second run without calling the provider", func() {
			result, err := run(newJob(8, 15))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))

			before, err := store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).NotTo(HaveOccurred())

			result, err = run(newJob(8, 15))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultExists))
			Expect(prov.calls).To(HaveLen(2))

			after, err := store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.Len()).To(Equal(before.Len()))
			Expect(after.Dates).To(Equal(before.Dates))
			Expect(after.Vals).To(Equal(before.Vals))
		})
	})

	Context("expired series", func() {
		BeforeEach(func() {
			// last row sits 15 days before the requested end: the prior run
			// already learned that no newer bars exist
			ps := bars(1, 5, 100)
			ps.Meta = series.BuildMetadata("AAPL", "1d", "stub", day(1), day(20), ps)
			Expect(store.Persist(ctx, ps, aapl, instrument.Period1Day)).To(Succeed())

			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				Fail("provider must not be called")
				return nil, nil
			}
		})

		It("short-circuits to exists regardless of the requested window", func() {
			result, err := run(newJob(18, 25))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultExists))
			Expect(prov.calls).To(BeEmpty())
		})
	})

	Context("invalid provider data", func() {
		BeforeEach(func() {
			prov.fetchFn = func(call int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				if call == 0 {
					return bars(1, 10, 100), nil
				}
				broken := series.New(series.ColOpen, series.ColHigh, series.ColLow, series.ColVolume)
				broken.InsertRow(day(11), 110, 111, 109, 1000)
				return broken, nil
			}

			_, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())
		})

		It("fails the job and leaves the stored series untouched", func() {
			result, err := run(newJob(8, 15))
			Expect(result).To(Equal(downloader.ResultNone))
			Expect(errs.KindOf(err)).To(Equal(errs.KindValidation))

			stored, err := store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Len()).To(Equal(10))
			open8, ok := stored.ValueAt(series.ColOpen, day(8))
			Expect(ok).To(BeTrue())
			Expect(open8).To(Equal(107.0))
		})
	})

	Context("empty provider response", func() {
		BeforeEach(func() {
			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				return series.New(), nil
			}
		})

		It("reports none without persisting", func() {
			result, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultNone))

			_, err = store.Load(ctx, aapl, instrument.Period1Day)
			Expect(err).To(MatchError(storage.ErrNotFound))
		})
	})

	Context("backup storage", func() {
		var backup *stubStorage

		BeforeEach(func() {
			backup = &stubStorage{}
			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				return bars(1, 10, 100), nil
			}
		})

		It("persists fresh data to primary and backup", func() {
			job := newJob(1, 10)
			job.BackupStorage = backup

			result, err := run(job)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))
			Expect(backup.persisted).To(Equal(1))
			Expect(backup.stored.Len()).To(Equal(10))
		})

		It("re-persists only to backup when coverage is sufficient and forceBackup is set", func() {
			_, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())

			job := newJob(1, 10)
			job.BackupStorage = backup

			result, err := downloader.NewUpdating(downloader.Config{
				Retry:       fastRetry,
				ForceBackup: true,
			}).Run(ctx, job)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultExists))
			Expect(prov.calls).To(HaveLen(1))
			Expect(backup.persisted).To(Equal(1))
			Expect(backup.stored.Len()).To(Equal(10))
		})

		It("falls back to the backup when the primary load fails", func() {
			seeded := bars(1, 10, 100)
			seeded.Meta = series.BuildMetadata("AAPL", "1d", "stub", day(1), day(10), seeded)
			backup.stored = seeded

			job := newJob(1, 10)
			job.Storage = &stubStorage{loadErr: errs.New(errs.KindStorage, "load", "corrupt bar file")}
			job.BackupStorage = backup

			result, err := run(job)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultExists))
			Expect(prov.calls).To(BeEmpty())
		})

		It("surfaces the primary error when the backup has nothing", func() {
			job := newJob(1, 10)
			job.Storage = &stubStorage{loadErr: errs.New(errs.KindStorage, "load", "corrupt bar file")}
			job.BackupStorage = backup

			result, err := run(job)
			Expect(result).To(Equal(downloader.ResultNone))
			Expect(errs.KindOf(err)).To(Equal(errs.KindStorage))
			Expect(prov.calls).To(BeEmpty())
		})
	})

	Context("transient provider failures", func() {
		It("retries until the provider succeeds", func() {
			prov.fetchFn = func(call int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				if call < 2 {
					return nil, errs.New(errs.KindConnection, "stub", "connection reset")
				}
				return bars(1, 10, 100), nil
			}

			result, err := run(newJob(1, 10))
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(downloader.ResultOK))
			Expect(prov.calls).To(HaveLen(3))
		})

		It("does not retry authentication failures", func() {
			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				return nil, errs.New(errs.KindAuthentication, "stub", "session rejected")
			}

			result, err := run(newJob(1, 10))
			Expect(result).To(Equal(downloader.ResultNone))
			Expect(errs.KindOf(err)).To(Equal(errs.KindAuthentication))
			Expect(prov.calls).To(HaveLen(1))
		})

		It("honors a per-provider retry override", func() {
			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				return nil, errs.New(errs.KindConnection, "stub", "connection reset")
			}

			single := fastRetry
			single.MaxAttempts = 1
			result, err := downloader.NewUpdating(downloader.Config{
				Retry:          fastRetry,
				RetryOverrides: map[string]retry.Settings{"stub": single},
			}).Run(ctx, newJob(1, 10))
			Expect(result).To(Equal(downloader.ResultNone))
			Expect(errs.KindOf(err)).To(Equal(errs.KindConnection))
			Expect(prov.calls).To(HaveLen(1))
		})
	})

	Context("cancellation", func() {
		It("stops at the rate-smoothing sleep", func() {
			cancelled, cancel := context.WithCancel(ctx)
			cancel()

			prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
				Fail("provider must not be called")
				return nil, nil
			}

			_, err := downloader.NewUpdating(downloader.Config{
				Retry:          fastRetry,
				RandomSleepMax: 5,
			}).Run(cancelled, newJob(1, 10))
			Expect(err).To(MatchError(context.Canceled))
			Expect(prov.calls).To(BeEmpty())
		})
	})
})

var _ = Describe("Backfill", func() {
	var (
		ctx   context.Context
		aapl  *instrument.Stock
		prov  *stubProvider
		store *storage.FileStorage
	)

	fastRetry := retry.Settings{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
	}

	newJob := func(startDay int, endDay int) *planner.Job {
		return &planner.Job{
			Provider:   prov,
			Storage:    store,
			Instrument: aapl,
			Period:     instrument.Period1Day,
			Start:      day(startDay),
			End:        day(endDay),
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		aapl = instrument.NewStock("AAPL", "AAPL")
		prov = &stubProvider{}

		baseDir, err := os.MkdirTemp("", "vortex-backfill-test")
		Expect(err).To(BeNil())
		DeferCleanup(os.RemoveAll, baseDir)

		store, err = storage.NewFileStorage(baseDir, storage.FormatCSV, false)
		Expect(err).To(BeNil())
	})

	It("overwrites the stored series without narrowing or merging", func() {
		seeded := bars(1, 10, 100)
		seeded.Meta = series.BuildMetadata("AAPL", "1d", "stub", day(1), day(10), seeded)
		Expect(store.Persist(ctx, seeded, aapl, instrument.Period1Day)).To(Succeed())

		prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
			return bars(3, 8, 300), nil
		}

		result, err := downloader.NewBackfill(downloader.Config{Retry: fastRetry}).Run(ctx, newJob(3, 8))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(downloader.ResultOK))

		Expect(prov.calls).To(HaveLen(1))
		Expect(prov.calls[0]).To(Equal(window{Start: day(3), End: day(8)}))

		stored, err := store.Load(ctx, aapl, instrument.Period1Day)
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.Len()).To(Equal(6))
		open3, ok := stored.ValueAt(series.ColOpen, day(3))
		Expect(ok).To(BeTrue())
		Expect(open3).To(Equal(300.0))
	})

	It("reports none when the provider has no data", func() {
		prov.fetchFn = func(_ int, _ time.Time, _ time.Time) (*series.PriceSeries, error) {
			return series.New(), nil
		}

		result, err := downloader.NewBackfill(downloader.Config{Retry: fastRetry}).Run(ctx, newJob(1, 10))
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(downloader.ResultNone))
	})
})
