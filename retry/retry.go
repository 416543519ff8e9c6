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

// Package retry re-attempts provider calls that failed with a transient
// error. Backoff grows exponentially with jitter; errors classified
// permanent by the taxonomy surface immediately. On exhaustion the last
// error is returned.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
)

// Settings tune the retry loop. MaxAttempts counts the first try.
type Settings struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultSettings allow 5 attempts with backoff starting at 500ms and
// capped at 30s.
func DefaultSettings() Settings {
	return Settings{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
	}
}

// Do runs fn until it succeeds, fails permanently, exhausts the attempt
// budget, or the context is cancelled. Every attempt emits one structured
// log record carrying the correlation id, attempt index, elapsed time and
// outcome.
func Do(ctx context.Context, op string, settings Settings, fn func() error) error {
	subLog := correlation.Logger(ctx)

	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = settings.InitialInterval
	expBackoff.MaxInterval = settings.MaxInterval
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(settings.MaxAttempts-1)), ctx)

	attempt := 0
	wrapped := func() error {
		attempt++
		attemptStart := time.Now()
		err := fn()
		elapsed := time.Since(attemptStart)

		if err == nil {
			subLog.Debug().Str("Operation", op).Int("Attempt", attempt).
				Dur("Elapsed", elapsed).Msg("attempt succeeded")
			return nil
		}

		if !errs.Retryable(err) {
			subLog.Debug().Err(err).Str("Operation", op).Int("Attempt", attempt).
				Dur("Elapsed", elapsed).Msg("permanent failure; not retrying")
			return backoff.Permanent(err)
		}

		subLog.Warn().Err(err).Str("Operation", op).Int("Attempt", attempt).
			Dur("Elapsed", elapsed).Msg("attempt failed")
		return err
	}

	notify := func(err error, wait time.Duration) {
		subLog.Debug().Str("Operation", op).Dur("Wait", wait).Msg("backing off before retry")
	}

	return backoff.RetryNotify(wrapped, policy, notify)
}
