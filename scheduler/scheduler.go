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

// Package scheduler drives planned jobs through a downloader. Jobs are
// grouped into per-instrument queues and drained round-robin so no single
// symbol hammers its provider while the rest starve. Execution is
// single-threaded; a provider's daily quota is a serial resource.
package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/penny-vault/vortex/breaker"
	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/downloader"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/observability/opentelemetry"
	"github.com/penny-vault/vortex/planner"
)

// maxDrainPerVisit caps how many jobs one instrument may run before the
// scheduler moves to the next queue.
const maxDrainPerVisit = 3

// Runner executes one planned job. Both downloader variants satisfy it.
type Runner interface {
	Run(ctx context.Context, job *planner.Job) (downloader.Result, error)
}

// Report summarizes a scheduler run.
type Report struct {
	Planned    int
	Downloaded int
	Exists     int
	NotFound   int
	LowData    int
	Skipped    int
	Breakers   []breaker.Stats
}

func (r *Report) MarshalZerologObject(ev *zerolog.Event) {
	ev.Int("Planned", r.Planned).
		Int("Downloaded", r.Downloaded).
		Int("Exists", r.Exists).
		Int("NotFound", r.NotFound).
		Int("LowData", r.LowData).
		Int("Skipped", r.Skipped)
}

// Table renders the report for terminal output.
func (r *Report) Table() string {
	s := &strings.Builder{}
	table := tablewriter.NewWriter(s)
	table.SetHeader([]string{"Outcome", "Jobs"})
	table.SetBorder(false)
	table.Append([]string{"Downloaded", fmt.Sprintf("%d", r.Downloaded)})
	table.Append([]string{"Exists", fmt.Sprintf("%d", r.Exists)})
	table.Append([]string{"Not Found", fmt.Sprintf("%d", r.NotFound)})
	table.Append([]string{"Low Data", fmt.Sprintf("%d", r.LowData)})
	table.Append([]string{"Skipped", fmt.Sprintf("%d", r.Skipped)})
	table.SetFooter([]string{"Planned", fmt.Sprintf("%d", r.Planned)})
	table.Render()
	return s.String()
}

// Config wires a Scheduler. The catalog is optional; without it every
// instrument drains one job per visit.
type Config struct {
	Runner   Runner
	Catalog  *instrument.Catalog
	Breakers *breaker.Registry
}

// Scheduler drains per-instrument job queues round-robin through a Runner.
type Scheduler struct {
	runner   Runner
	catalog  *instrument.Catalog
	breakers *breaker.Registry
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errs.New(errs.KindConfig, "scheduler.New", "no job runner configured")
	}
	return &Scheduler{
		runner:   cfg.Runner,
		catalog:  cfg.Catalog,
		breakers: cfg.Breakers,
	}, nil
}

// queue holds one instrument's pending jobs.
type queue struct {
	id   string
	jobs []*planner.Job
}

// Run executes the planned jobs. Jobs whose provider has no data and jobs
// that came back too thin are counted and skipped over; an exhausted daily
// allowance stops the run gracefully with the remaining jobs untouched. Any
// other failure aborts the run. The report is returned in every case.
func (s *Scheduler) Run(ctx context.Context, jobs []*planner.Job) (*Report, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "scheduler.Run")
	defer span.End()
	span.SetAttributes(attribute.KeyValue{Key: "NumJobs", Value: attribute.IntValue(len(jobs))})

	subLog := correlation.Logger(ctx)

	report := &Report{Planned: len(jobs)}
	queues := buildQueues(jobs)
	attempted := 0

	finish := func(err error) (*Report, error) {
		report.Skipped = report.Planned - attempted
		if s.breakers != nil {
			report.Breakers = s.breakers.Stats()
		}
		subLog.Info().Object("Report", report).Msg("scheduler run finished")
		return report, err
	}

	for len(queues) > 0 {
		remaining := make([]*queue, 0, len(queues))
		for _, q := range queues {
			for drained := 0; drained < s.drainCount(q.id) && len(q.jobs) > 0; drained++ {
				if err := ctx.Err(); err != nil {
					subLog.Warn().Int("NumPending", report.Planned-attempted).Msg("run cancelled; pending jobs not started")
					return finish(err)
				}

				job := q.jobs[0]
				q.jobs = q.jobs[1:]
				attempted++

				jobLog := subLog.With().Str("Symbol", job.Instrument.Symbol()).
					Str("Period", job.Period.String()).Logger()

				result, err := s.runner.Run(ctx, job)
				switch {
				case err == nil && result == downloader.ResultOK:
					report.Downloaded++
				case err == nil && result == downloader.ResultExists:
					report.Exists++
				case err == nil:
					report.NotFound++
				case errs.Is(err, errs.KindDataNotFound):
					report.NotFound++
					jobLog.Warn().Err(err).Msg("no data for job")
				case errs.Is(err, errs.KindLowData):
					report.LowData++
					jobLog.Warn().Err(err).Msg("provider returned too little data")
				case errs.Is(err, errs.KindAllowance):
					jobLog.Warn().Err(err).Int("NumPending", report.Planned-attempted).
						Msg("daily allowance exhausted; stopping run")
					return finish(err)
				default:
					jobLog.Error().Err(err).Msg("job failed")
					return finish(err)
				}
			}
			if len(q.jobs) > 0 {
				remaining = append(remaining, q)
			}
		}
		queues = remaining
	}

	return finish(nil)
}

// buildQueues groups jobs by instrument id, preserving planner emission
// order both across queues and within each queue. Futures contracts share
// their root's id and therefore its queue.
func buildQueues(jobs []*planner.Job) []*queue {
	index := make(map[string]*queue)
	queues := make([]*queue, 0)
	for _, job := range jobs {
		id := job.Instrument.ID()
		q, ok := index[id]
		if !ok {
			q = &queue{id: id}
			index[id] = q
			queues = append(queues, q)
		}
		q.jobs = append(q.jobs, job)
	}
	return queues
}

// drainCount decides how many jobs an instrument runs per round-robin
// visit. Futures roots with long delivery cycles get a little more so their
// many contracts don't stretch the run; everything else takes one.
func (s *Scheduler) drainCount(id string) int {
	if s.catalog == nil {
		return 1
	}
	cfg, ok := s.catalog.Get(id)
	if !ok || cfg.AssetClass != instrument.AssetFuture {
		return 1
	}
	k := len(cfg.Cycle()) / 4
	if k < 1 {
		return 1
	}
	if k > maxDrainPerVisit {
		return maxDrainPerVisit
	}
	return k
}
