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
	"fmt"
	"os"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/errs"
)

var Profile bool
var Trace bool

func init() {
	// Output tree
	viper.BindEnv("general.output_directory", "VORTEX_OUTPUT_DIRECTORY")
	rootCmd.PersistentFlags().String("output-dir", "./data", "Root directory of the output tree")
	viper.BindPFlag("general.output_directory", rootCmd.PersistentFlags().Lookup("output-dir"))

	viper.BindEnv("general.backup_enabled", "VORTEX_BACKUP_ENABLED")
	rootCmd.PersistentFlags().Bool("backup", false, "Also persist every series to the backup tree")
	viper.BindPFlag("general.backup_enabled", rootCmd.PersistentFlags().Lookup("backup"))

	viper.BindEnv("general.backup_directory", "VORTEX_BACKUP_DIRECTORY")
	rootCmd.PersistentFlags().String("backup-dir", "", "Root directory of the backup tree")
	viper.BindPFlag("general.backup_directory", rootCmd.PersistentFlags().Lookup("backup-dir"))

	viper.BindEnv("general.force_backup", "VORTEX_FORCE_BACKUP")
	rootCmd.PersistentFlags().Bool("force-backup", false, "Re-persist to backup even when the existing series is sufficient")
	viper.BindPFlag("general.force_backup", rootCmd.PersistentFlags().Lookup("force-backup"))

	viper.BindEnv("general.dry_run", "VORTEX_DRY_RUN")
	rootCmd.PersistentFlags().BoolP("dry-run", "n", false, "Plan and log without writing any files")
	viper.BindPFlag("general.dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	viper.BindEnv("general.random_sleep_max", "VORTEX_RANDOM_SLEEP_MAX")
	rootCmd.PersistentFlags().Int("random-sleep-max", 10, "Upper bound in seconds of the pre-fetch sleep; 0 disables")
	viper.BindPFlag("general.random_sleep_max", rootCmd.PersistentFlags().Lookup("random-sleep-max"))

	viper.BindEnv("general.storage_format", "VORTEX_STORAGE_FORMAT")
	rootCmd.PersistentFlags().String("storage-format", "csv", "On-disk bar encoding, one of: csv, parquet")
	viper.BindPFlag("general.storage_format", rootCmd.PersistentFlags().Lookup("storage-format"))

	viper.BindEnv("general.catalog", "VORTEX_CATALOG")
	rootCmd.PersistentFlags().String("catalog", "instruments.toml", "Instrument catalog file (.toml or .json)")
	viper.BindPFlag("general.catalog", rootCmd.PersistentFlags().Lookup("catalog"))

	viper.BindEnv("general.default_provider", "VORTEX_DEFAULT_PROVIDER")
	rootCmd.PersistentFlags().String("default-provider", "stooq", "Provider used for catalog entries that do not name one")
	viper.BindPFlag("general.default_provider", rootCmd.PersistentFlags().Lookup("default-provider"))

	// Planning window; the end year is exclusive and the planner never
	// extends past today, so next year means "through today"
	viper.BindEnv("date_range.start_year", "VORTEX_START_YEAR")
	rootCmd.PersistentFlags().Int("start-year", 2000, "First year of the planning window")
	viper.BindPFlag("date_range.start_year", rootCmd.PersistentFlags().Lookup("start-year"))

	viper.BindEnv("date_range.end_year", "VORTEX_END_YEAR")
	rootCmd.PersistentFlags().Int("end-year", time.Now().Year()+1, "Year the planning window ends before")
	viper.BindPFlag("date_range.end_year", rootCmd.PersistentFlags().Lookup("end-year"))

	// Barchart
	viper.BindEnv("providers.barchart.username", "VORTEX_BARCHART_USERNAME")
	rootCmd.PersistentFlags().String("barchart-username", "", "barchart.com account name; barchart is registered when set")
	viper.BindPFlag("providers.barchart.username", rootCmd.PersistentFlags().Lookup("barchart-username"))

	viper.BindEnv("providers.barchart.password", "VORTEX_BARCHART_PASSWORD")
	rootCmd.PersistentFlags().String("barchart-password", "", "barchart.com account password")
	viper.BindPFlag("providers.barchart.password", rootCmd.PersistentFlags().Lookup("barchart-password"))

	viper.BindEnv("providers.barchart.daily_limit", "VORTEX_BARCHART_DAILY_LIMIT")
	viper.BindEnv("providers.barchart.base_url", "VORTEX_BARCHART_BASE_URL")

	// Stooq
	viper.BindEnv("providers.stooq.base_url", "VORTEX_STOOQ_BASE_URL")
	viper.BindEnv("providers.stooq.cache_size", "VORTEX_STOOQ_CACHE_SIZE")

	// Circuit breaker and retry tuning
	viper.BindEnv("breaker.failure_threshold", "VORTEX_BREAKER_FAILURE_THRESHOLD")
	viper.BindEnv("breaker.recovery_timeout", "VORTEX_BREAKER_RECOVERY_TIMEOUT")
	viper.BindEnv("breaker.half_open_probes", "VORTEX_BREAKER_HALF_OPEN_PROBES")
	viper.BindEnv("retry.max_attempts", "VORTEX_RETRY_MAX_ATTEMPTS")
	viper.BindEnv("retry.initial_interval", "VORTEX_RETRY_INITIAL_INTERVAL")
	viper.BindEnv("retry.max_interval", "VORTEX_RETRY_MAX_INTERVAL")

	// Logging configuration
	viper.BindEnv("log.level", "VORTEX_LOG_LEVEL")
	rootCmd.PersistentFlags().String("log-level", "warning", "Logging level")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.BindEnv("log.report_caller", "VORTEX_LOG_REPORT_CALLER")
	rootCmd.PersistentFlags().Bool("log-report-caller", false, "Log function name that called log statement")
	viper.BindPFlag("log.report_caller", rootCmd.PersistentFlags().Lookup("log-report-caller"))

	viper.BindEnv("log.output", "VORTEX_LOG_OUTPUT")
	rootCmd.PersistentFlags().String("log-output", "stdout", "Write logs to specified output one of: file path, `stdout`, or `stderr`")
	viper.BindPFlag("log.output", rootCmd.PersistentFlags().Lookup("log-output"))

	viper.BindEnv("log.pretty", "VORTEX_LOG_PRETTY")
	rootCmd.PersistentFlags().Bool("log-pretty", false, "Print colorized console logs instead of JSON")
	viper.BindPFlag("log.pretty", rootCmd.PersistentFlags().Lookup("log-pretty"))

	// Tracing
	viper.BindEnv("otlp.endpoint", "VORTEX_OTLP_ENDPOINT")
	rootCmd.PersistentFlags().String("otlp-endpoint", "", "OTLP collector to send traces to, if blank traces stay in-process")
	viper.BindPFlag("otlp.endpoint", rootCmd.PersistentFlags().Lookup("otlp-endpoint"))

	viper.BindEnv("otlp.http", "VORTEX_OTLP_HTTP")

	rootCmd.PersistentFlags().BoolVar(&Profile, "cpu-profile", false, "Run pprof and save in profile.out")
	rootCmd.PersistentFlags().BoolVar(&Trace, "trace", false, "Trace program execution and save in trace.out")
}

var rootCmd = &cobra.Command{
	Use:     "vortex",
	Version: common.CurrentVersion.String(),
	Short:   "Vortex downloads historical market data",
	Long: `Vortex orchestrates bulk downloads of historical OHLCV bars into a
local file tree, incrementally merging newly fetched bars into whatever
was downloaded before.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(9)
	}
}

// fail logs err and exits with the code its kind maps to.
func fail(err error, msg string) {
	log.Error().Stack().Err(err).Msg(msg)
	os.Exit(errs.ExitCode(err))
}

// startProfiling honors the --cpu-profile and --trace flags. The returned
// stop function flushes the capture files.
func startProfiling() func() {
	stops := []func(){}

	if Profile {
		f, err := os.Create("profile.out")
		if err != nil {
			log.Fatal().Err(err).Msg("could not create profile.out")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("could not start cpu profile")
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			if err := f.Close(); err != nil {
				log.Error().Err(err).Msg("could not close profile.out")
			}
		})
	}

	if Trace {
		f, err := os.Create("trace.out")
		if err != nil {
			log.Fatal().Err(err).Msg("could not create trace.out")
		}
		if err := trace.Start(f); err != nil {
			log.Fatal().Err(err).Msg("could not start trace")
		}
		stops = append(stops, func() {
			trace.Stop()
			if err := f.Close(); err != nil {
				log.Error().Err(err).Msg("could not close trace.out")
			}
		})
	}

	return func() {
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i]()
		}
	}
}
