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

package retry_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/retry"
)

var _ = Describe("Retry manager", func() {
	var (
		ctx      context.Context
		settings retry.Settings
		attempts int
	)

	BeforeEach(func() {
		ctx = context.Background()
		attempts = 0
		settings = retry.Settings{
			MaxAttempts:     5,
			InitialInterval: time.Millisecond,
			MaxInterval:     2 * time.Millisecond,
		}
	})

	It("attempts a data-not-found call exactly once", func() {
		err := retry.Do(ctx, "fetch", settings, func() error {
			attempts++
			return errs.New(errs.KindDataNotFound, "fetch", "no rows")
		})
		Expect(errs.KindOf(err)).To(Equal(errs.KindDataNotFound))
		Expect(attempts).To(Equal(1))
	})

	DescribeTable("never retries permanent kinds",
		func(kind errs.Kind) {
			count := 0
			err := retry.Do(ctx, "fetch", settings, func() error {
				count++
				return errs.New(kind, "fetch", "permanent")
			})
			Expect(errs.KindOf(err)).To(Equal(kind))
			Expect(count).To(Equal(1))
		},
		Entry("allowance exceeded", errs.KindAllowance),
		Entry("authentication", errs.KindAuthentication),
		Entry("validation", errs.KindValidation),
		Entry("circuit open", errs.KindCircuitOpen),
		Entry("low data", errs.KindLowData),
		Entry("storage", errs.KindStorage),
	)

	It("returns the success after transient failures", func() {
		err := retry.Do(ctx, "fetch", settings, func() error {
			attempts++
			if attempts < 5 {
				return errs.New(errs.KindConnection, "fetch", "timeout")
			}
			return nil
		})
		Expect(err).To(BeNil())
		Expect(attempts).To(Equal(5))
	})

	It("resurfaces the last error on exhaustion", func() {
		settings.MaxAttempts = 3
		err := retry.Do(ctx, "fetch", settings, func() error {
			attempts++
			return errs.New(errs.KindRateLimit, "fetch", "http 429")
		})
		Expect(errs.KindOf(err)).To(Equal(errs.KindRateLimit))
		Expect(attempts).To(Equal(3))
	})

	It("retries plain transport errors", func() {
		err := retry.Do(ctx, "fetch", settings, func() error {
			attempts++
			if attempts < 2 {
				return errors.New("dial tcp: connection refused")
			}
			return nil
		})
		Expect(err).To(BeNil())
		Expect(attempts).To(Equal(2))
	})

	It("stops when the context is cancelled", func() {
		cancelCtx, cancel := context.WithCancel(ctx)
		err := retry.Do(cancelCtx, "fetch", settings, func() error {
			attempts++
			cancel()
			return errs.New(errs.KindConnection, "fetch", "timeout")
		})
		Expect(err).ToNot(BeNil())
		Expect(attempts).To(Equal(1))
	})

	It("treats a non-positive attempt budget as one attempt", func() {
		settings.MaxAttempts = 0
		err := retry.Do(ctx, "fetch", settings, func() error {
			attempts++
			return errs.New(errs.KindConnection, "fetch", "timeout")
		})
		Expect(err).ToNot(BeNil())
		Expect(attempts).To(Equal(1))
	})
})
