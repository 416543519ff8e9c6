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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/observability/opentelemetry"
)

func init() {
	rootCmd.AddCommand(backfillCmd)
}

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Re-download full history for every catalog instrument",
	Long: `Backfill fetches every planned window in full, ignoring what is
already on disk. Fetched bars replace the stored series; use it to rebuild
the output tree or to repair files with known bad data.`,
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

		if err := executeRun(ctx, true); err != nil {
			fail(err, "backfill run failed")
		}
	},
}
