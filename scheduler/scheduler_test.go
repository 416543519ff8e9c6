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

package scheduler_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/vortex/breaker"
	"github.com/penny-vault/vortex/downloader"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/planner"
	"github.com/penny-vault/vortex/scheduler"
)

// outcome scripts one runner call.
type outcome struct {
	result downloader.Result
	err    error
}

// stubRunner records execution order and answers from a script; calls past
// the script's end succeed.
type stubRunner struct {
	ran    []string
	script []outcome
	onCall func(call int)
}

func (s *stubRunner) Run(_ context.Context, job *planner.Job) (downloader.Result, error) {
	call := len(s.ran)
	s.ran = append(s.ran, job.Instrument.ID())
	if s.onCall != nil {
		s.onCall(call)
	}
	if call < len(s.script) {
		return s.script[call].result, s.script[call].err
	}
	return downloader.ResultOK, nil
}

func stockJob(id string, startDay int) *planner.Job {
	return &planner.Job{
		Instrument: instrument.NewStock(id, id),
		Period:     instrument.Period1Day,
		Start:      time.Date(2024, 1, startDay, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 2, startDay, 0, 0, 0, 0, time.UTC),
	}
}

func futureJob(root string, monthCode byte) *planner.Job {
	contract, err := instrument.NewFuture(root, root, 2024, monthCode, time.Time{}, 60)
	Expect(err).NotTo(HaveOccurred())
	return &planner.Job{
		Instrument: contract,
		Period:     instrument.Period1Day,
		Start:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func strPtr(s string) *string {
	return &s
}

var _ = Describe("Scheduler", func() {
	var (
		ctx    context.Context
		runner *stubRunner
	)

	newScheduler := func(cfg scheduler.Config) *scheduler.Scheduler {
		cfg.Runner = runner
		s, err := scheduler.New(cfg)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		runner = &stubRunner{}
	})

	It("requires a runner", func() {
		_, err := scheduler.New(scheduler.Config{})
		Expect(errs.KindOf(err)).To(Equal(errs.KindConfig))
	})

	It("round-robins across instruments one job at a time", func() {
		jobs := []*planner.Job{
			stockJob("A", 1), stockJob("A", 2), stockJob("A", 3),
			stockJob("B", 1), stockJob("B", 2),
			stockJob("C", 1),
		}

		report, err := newScheduler(scheduler.Config{}).Run(ctx, jobs)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.ran).To(Equal([]string{"A", "B", "C", "A", "B", "A"}))
		Expect(report.Planned).To(Equal(6))
		Expect(report.Downloaded).To(Equal(6))
		Expect(report.Skipped).To(BeZero())
	})

	It("drains more jobs per visit for futures with long cycles", func() {
		catalog, err := instrument.NewCatalog(map[string]*instrument.InstrumentConfig{
			"GC":   {AssetClass: instrument.AssetFuture, CycleCodes: strPtr("FGHJKMNQUVXZ"), TZ: "UTC"},
			"AAPL": {AssetClass: instrument.AssetStock, TZ: "UTC"},
		})
		Expect(err).NotTo(HaveOccurred())

		jobs := []*planner.Job{
			futureJob("GC", 'F'), futureJob("GC", 'G'), futureJob("GC", 'H'), futureJob("GC", 'J'),
			stockJob("AAPL", 1), stockJob("AAPL", 2),
		}

		_, err = newScheduler(scheduler.Config{Catalog: catalog}).Run(ctx, jobs)
		Expect(err).NotTo(HaveOccurred())
		Expect(runner.ran).To(Equal([]string{"GC", "GC", "GC", "AAPL", "GC", "AAPL"}))
	})

	It("classifies outcomes in the report", func() {
		jobs := []*planner.Job{
			stockJob("A", 1), stockJob("A", 2), stockJob("A", 3),
			stockJob("B", 1), stockJob("B", 2),
			stockJob("C", 1),
		}
		// execution order: A B C A B A
		runner.script = []outcome{
			{result: downloader.ResultOK},
			{result: downloader.ResultExists},
			{result: downloader.ResultNone},
			{result: downloader.ResultNone, err: errs.New(errs.KindDataNotFound, "stub", "no bars")},
			{result: downloader.ResultNone, err: errs.New(errs.KindLowData, "stub", "too few bars")},
			{result: downloader.ResultOK},
		}

		report, err := newScheduler(scheduler.Config{}).Run(ctx, jobs)
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Downloaded).To(Equal(2))
		Expect(report.Exists).To(Equal(1))
		Expect(report.NotFound).To(Equal(2))
		Expect(report.LowData).To(Equal(1))
		Expect(report.Skipped).To(BeZero())
	})

	It("stops gracefully when the daily allowance runs out", func() {
		jobs := []*planner.Job{
			stockJob("A", 1), stockJob("A", 2),
			stockJob("B", 1), stockJob("B", 2),
			stockJob("C", 1), stockJob("C", 2),
		}
		runner.script = []outcome{
			{result: downloader.ResultOK},
			{result: downloader.ResultOK},
			{result: downloader.ResultNone, err: errs.New(errs.KindAllowance, "stub", "allowance exhausted")},
		}

		report, err := newScheduler(scheduler.Config{}).Run(ctx, jobs)
		Expect(errs.KindOf(err)).To(Equal(errs.KindAllowance))
		Expect(runner.ran).To(HaveLen(3))
		Expect(report.Downloaded).To(Equal(2))
		Expect(report.Skipped).To(Equal(3))
	})

	It("aborts on unexpected errors", func() {
		jobs := []*planner.Job{
			stockJob("A", 1), stockJob("A", 2),
			stockJob("B", 1),
		}
		runner.script = []outcome{
			{result: downloader.ResultOK},
			{result: downloader.ResultNone, err: errs.New(errs.KindConnection, "stub", "connection refused")},
		}

		report, err := newScheduler(scheduler.Config{}).Run(ctx, jobs)
		Expect(errs.KindOf(err)).To(Equal(errs.KindConnection))
		Expect(runner.ran).To(HaveLen(2))
		Expect(report.Downloaded).To(Equal(1))
		Expect(report.Skipped).To(Equal(1))
	})

	It("starts no new jobs after cancellation", func() {
		cancelCtx, cancel := context.WithCancel(ctx)
		runner.onCall = func(int) { cancel() }

		jobs := []*planner.Job{
			stockJob("A", 1), stockJob("B", 1), stockJob("C", 1),
		}

		report, err := newScheduler(scheduler.Config{}).Run(cancelCtx, jobs)
		Expect(err).To(MatchError(context.Canceled))
		Expect(runner.ran).To(HaveLen(1))
		Expect(report.Skipped).To(Equal(2))
	})

	It("snapshots breaker stats into the report", func() {
		breakers := breaker.NewRegistry(breaker.DefaultSettings())
		breakers.Get("stub")

		report, err := newScheduler(scheduler.Config{Breakers: breakers}).Run(ctx, []*planner.Job{stockJob("A", 1)})
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Breakers).To(HaveLen(1))
		Expect(report.Breakers[0].Name).To(Equal("stub"))
	})
})
