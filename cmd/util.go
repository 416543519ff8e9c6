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
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/breaker"
	"github.com/penny-vault/vortex/downloader"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/planner"
	"github.com/penny-vault/vortex/provider"
	"github.com/penny-vault/vortex/provider/barchart"
	"github.com/penny-vault/vortex/provider/stooq"
	"github.com/penny-vault/vortex/retry"
	"github.com/penny-vault/vortex/scheduler"
	"github.com/penny-vault/vortex/storage"
)

// newRunContext returns a context cancelled on SIGINT or SIGTERM.
func newRunContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// buildProviders registers every configured provider. Stooq needs no
// credentials and is always present; barchart joins when an account is
// configured.
func buildProviders() (*provider.Registry, error) {
	registry := provider.NewRegistry()

	stq, err := stooq.New(stooq.Config{
		BaseURL:   viper.GetString("providers.stooq.base_url"),
		CacheSize: viper.GetInt("providers.stooq.cache_size"),
	})
	if err != nil {
		return nil, err
	}
	registry.Register(stq)

	if viper.GetString("providers.barchart.username") != "" {
		bc, err := barchart.New(barchart.Config{
			Username:   viper.GetString("providers.barchart.username"),
			Password:   viper.GetString("providers.barchart.password"),
			BaseURL:    viper.GetString("providers.barchart.base_url"),
			DailyLimit: viper.GetInt("providers.barchart.daily_limit"),
		})
		if err != nil {
			return nil, err
		}
		registry.Register(bc)
	}

	if name := viper.GetString("general.default_provider"); name != "" {
		if err := registry.SetDefault(name); err != nil {
			return nil, err
		}
	}

	return registry, nil
}

// logoutAll ends every provider session. A fresh short-lived context is
// used so sessions still close after the run context was cancelled.
func logoutAll(providers *provider.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	providers.Each(func(p provider.DataProvider) {
		if err := p.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("Provider", p.Name()).Msg("could not end provider session")
		}
	})
}

// buildStorage opens the primary output tree and, when backup is enabled,
// the backup tree. Both share the format and dry-run setting.
func buildStorage() (storage.Storage, storage.Storage, error) {
	format := storage.Format(viper.GetString("general.storage_format"))
	dryRun := viper.GetBool("general.dry_run")

	primary, err := storage.NewFileStorage(viper.GetString("general.output_directory"), format, dryRun)
	if err != nil {
		return nil, nil, err
	}

	if !viper.GetBool("general.backup_enabled") {
		return primary, nil, nil
	}

	backupDir := viper.GetString("general.backup_directory")
	if backupDir == "" {
		return nil, nil, errs.New(errs.KindConfig, "build-storage",
			"backup is enabled but general.backup_directory is not set").
			WithUserAction("set general.backup_directory (VORTEX_BACKUP_DIRECTORY) or disable backup")
	}

	backup, err := storage.NewFileStorage(backupDir, format, dryRun)
	if err != nil {
		return nil, nil, err
	}
	return primary, backup, nil
}

// buildBreakers creates the circuit-breaker registry from the global
// settings plus any per-provider `providers.<name>.circuit_*` overrides.
func buildBreakers(providers *provider.Registry) *breaker.Registry {
	defaults := breaker.DefaultSettings()
	if viper.IsSet("breaker.failure_threshold") {
		defaults.FailureThreshold = viper.GetInt("breaker.failure_threshold")
	}
	if viper.IsSet("breaker.recovery_timeout") {
		defaults.RecoveryTimeout = viper.GetDuration("breaker.recovery_timeout")
	}
	if viper.IsSet("breaker.half_open_probes") {
		defaults.HalfOpenProbes = viper.GetInt("breaker.half_open_probes")
	}

	registry := breaker.NewRegistry(defaults)

	providers.Each(func(p provider.DataProvider) {
		prefix := "providers." + p.Name() + "."
		settings := defaults
		override := false
		if key := prefix + "circuit_failure_threshold"; viper.IsSet(key) {
			settings.FailureThreshold = viper.GetInt(key)
			override = true
		}
		if key := prefix + "circuit_recovery_timeout"; viper.IsSet(key) {
			settings.RecoveryTimeout = viper.GetDuration(key)
			override = true
		}
		if key := prefix + "circuit_half_open_probes"; viper.IsSet(key) {
			settings.HalfOpenProbes = viper.GetInt(key)
			override = true
		}
		if override {
			registry.Configure(p.Name(), settings)
		}
	})

	return registry
}

func buildRetrySettings() retry.Settings {
	settings := retry.DefaultSettings()
	if viper.IsSet("retry.max_attempts") {
		settings.MaxAttempts = viper.GetInt("retry.max_attempts")
	}
	if viper.IsSet("retry.initial_interval") {
		settings.InitialInterval = viper.GetDuration("retry.initial_interval")
	}
	if viper.IsSet("retry.max_interval") {
		settings.MaxInterval = viper.GetDuration("retry.max_interval")
	}
	return settings
}

// buildRetryOverrides collects `providers.<name>.retry_*` settings for
// providers that tune their retry loop away from the global defaults.
func buildRetryOverrides(providers *provider.Registry, defaults retry.Settings) map[string]retry.Settings {
	overrides := make(map[string]retry.Settings)

	providers.Each(func(p provider.DataProvider) {
		prefix := "providers." + p.Name() + "."
		settings := defaults
		override := false
		if key := prefix + "retry_max_attempts"; viper.IsSet(key) {
			settings.MaxAttempts = viper.GetInt(key)
			override = true
		}
		if key := prefix + "retry_initial_interval"; viper.IsSet(key) {
			settings.InitialInterval = viper.GetDuration(key)
			override = true
		}
		if key := prefix + "retry_max_interval"; viper.IsSet(key) {
			settings.MaxInterval = viper.GetDuration(key)
			override = true
		}
		if override {
			overrides[p.Name()] = settings
		}
	})

	return overrides
}

// executeRun performs one full plan-schedule-download cycle and prints the
// resulting report. Backfill runs re-fetch whole windows instead of
// narrowing to what is missing.
func executeRun(ctx context.Context, backfill bool) error {
	catalog, err := instrument.LoadCatalog(viper.GetString("general.catalog"))
	if err != nil {
		return err
	}

	providers, err := buildProviders()
	if err != nil {
		return err
	}
	defer logoutAll(providers)

	primary, backup, err := buildStorage()
	if err != nil {
		return err
	}

	plnr, err := planner.New(planner.Config{
		Catalog:   catalog,
		Providers: providers,
		Storage:   primary,
		Backup:    backup,
		StartYear: viper.GetInt("date_range.start_year"),
		EndYear:   viper.GetInt("date_range.end_year"),
	})
	if err != nil {
		return err
	}
	jobs, err := plnr.Plan(ctx)
	if err != nil {
		return err
	}

	breakers := buildBreakers(providers)
	retrySettings := buildRetrySettings()
	cfg := downloader.Config{
		Breakers:       breakers,
		Retry:          retrySettings,
		RetryOverrides: buildRetryOverrides(providers, retrySettings),
		RandomSleepMax: viper.GetInt("general.random_sleep_max"),
		ForceBackup:    viper.GetBool("general.force_backup"),
	}

	var runner scheduler.Runner
	if backfill {
		runner = downloader.NewBackfill(cfg)
	} else {
		runner = downloader.NewUpdating(cfg)
	}

	sched, err := scheduler.New(scheduler.Config{
		Runner:   runner,
		Catalog:  catalog,
		Breakers: breakers,
	})
	if err != nil {
		return err
	}

	report, err := sched.Run(ctx, jobs)
	if report != nil {
		fmt.Println(report.Table())
	}
	return err
}
