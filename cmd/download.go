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
	rootCmd.AddCommand(downloadCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download new bars for every catalog instrument",
	Long: `Download plans one job per instrument, period and provider window,
then executes the jobs round-robin across instruments. Series whose stored
coverage already spans their window are skipped; everything else is fetched,
merged into the existing file and persisted atomically.`,
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

		if err := executeRun(ctx, false); err != nil {
			fail(err, "download run failed")
		}
	},
}
