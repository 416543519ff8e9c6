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

package cmd

import (
	"context"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/observability/opentelemetry"
)

func init() {
	viper.BindEnv("schedule.cron", "VORTEX_SCHEDULE_CRON")
	scheduleCmd.Flags().String("cron", "0 18 * * 1-5", "Cron expression controlling when download runs start")
	viper.BindPFlag("schedule.cron", scheduleCmd.Flags().Lookup("cron"))

	rootCmd.AddCommand(scheduleCmd)
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run downloads on a cron schedule",
	Long: `Schedule keeps the process alive and starts a download run whenever
the configured cron expression fires, evaluated in the exchange timezone.
Runs never overlap; a trigger that fires while the previous run is still
executing is skipped.`,
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()
		stopProfiling := startProfiling()
		defer stopProfiling()

		shutdown, err := opentelemetry.Setup()
		if err != nil {
			fail(err, "could not configure tracing")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Error().Err(err).Msg("could not flush traces")
			}
		}()

		ctx, cancel := newRunContext()
		defer cancel()

		cronSpec := viper.GetString("schedule.cron")
		sched := gocron.NewScheduler(common.GetTimezone())
		_, err = sched.Cron(cronSpec).SingletonMode().Do(func() {
			log.Info().Str("Cron", cronSpec).Msg("starting scheduled download run")
			if err := executeRun(ctx, false); err != nil {
				log.Error().Stack().Err(err).Msg("scheduled download run failed")
			}
		})
		if err != nil {
			fail(errs.Wrap(errs.KindConfig, "schedule", "invalid cron expression", err),
				"could not schedule downloads")
		}

		sched.StartAsync()
		log.Info().Str("Cron", cronSpec).Msg("waiting for scheduled runs")

		<-ctx.Done()
		sched.Stop()
	},
}
