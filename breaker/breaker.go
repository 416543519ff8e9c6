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

// Package breaker guards each provider with a circuit breaker. Repeated
// connection, rate-limit, or generic provider failures open the circuit;
// while open, calls are rejected without touching the provider, giving it
// time to recover. Errors that say nothing about provider health, such as
// authentication failures or empty results, never move the breaker.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Settings tune a breaker. The zero value is not usable; start from
// DefaultSettings.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenProbes   int
}

// DefaultSettings opens after 3 consecutive failures, probes again after
// 60s, and closes after 2 consecutive probe successes.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 3,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenProbes:   2,
	}
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	TotalCalls          int       `json:"totalCalls"`
	TotalFailures       int       `json:"totalFailures"`
	FailureRate         float64   `json:"failureRate"`
	OpenedCount         int       `json:"openedCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastFailure         time.Time `json:"lastFailure"`
}

func (s Stats) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("Name", s.Name).Str("State", s.State).
		Int("TotalCalls", s.TotalCalls).Int("TotalFailures", s.TotalFailures).
		Float64("FailureRate", s.FailureRate).Int("OpenedCount", s.OpenedCount)
	if !s.LastFailure.IsZero() {
		ev.Time("LastFailure", s.LastFailure)
	}
}

// Breaker is the per-provider state machine. All fields are guarded by the
// mutex; Call holds it only around state transitions, not around the
// provider call itself.
type Breaker struct {
	mutex sync.Mutex

	name     string
	settings Settings

	state               State
	consecutiveFailures int
	halfOpenSuccesses   int
	openedAt            time.Time
	lastFailure         time.Time
	openedCount         int
	totalCalls          int
	totalFailures       int
}

// New creates a closed breaker for the named provider.
func New(name string, settings Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings,
	}
}

// Call runs op through the breaker. While the circuit is open and the
// recovery timeout has not elapsed, op is not invoked and a circuit-open
// error is returned immediately.
func (cb *Breaker) Call(ctx context.Context, op func() error) error {
	cb.mutex.Lock()
	cb.totalCalls++
	if cb.state == StateOpen {
		if time.Since(cb.openedAt) < cb.settings.RecoveryTimeout {
			cb.mutex.Unlock()
			return errs.New(errs.KindCircuitOpen, "breaker",
				fmt.Sprintf("circuit for provider %s is open", cb.name)).
				WithProvider(cb.name).
				WithCorrelationID(correlation.FromContext(ctx)).
				WithUserAction("wait for the provider to recover or restart with a longer recovery timeout")
		}
		cb.state = StateHalfOpen
		cb.halfOpenSuccesses = 0
		log.Info().Str("Provider", cb.name).Msg("circuit transitioned to half-open")
	}
	cb.mutex.Unlock()

	err := op()

	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	if err == nil {
		cb.recordSuccess()
		return nil
	}

	if errs.Monitored(err) {
		cb.recordFailure(ctx)
	}
	return err
}

func (cb *Breaker) recordSuccess() {
	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.settings.HalfOpenProbes {
			cb.state = StateClosed
			cb.consecutiveFailures = 0
			log.Info().Str("Provider", cb.name).Msg("circuit closed")
		}
	default:
		cb.consecutiveFailures = 0
	}
}

func (cb *Breaker) recordFailure(ctx context.Context) {
	cb.totalFailures++
	cb.consecutiveFailures++
	cb.lastFailure = time.Now()

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.openedCount++
		correlation.Logger(ctx).Warn().Str("Provider", cb.name).Msg("half-open probe failed; circuit re-opened")
	case StateClosed:
		if cb.consecutiveFailures >= cb.settings.FailureThreshold {
			cb.state = StateOpen
			cb.openedAt = time.Now()
			cb.openedCount++
			correlation.Logger(ctx).Warn().Str("Provider", cb.name).
				Int("ConsecutiveFailures", cb.consecutiveFailures).
				Msg("failure threshold reached; circuit opened")
		}
	}
}

// State returns the current breaker position.
func (cb *Breaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats snapshots the breaker counters.
func (cb *Breaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	stats := Stats{
		Name:                cb.name,
		State:               cb.state.String(),
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		OpenedCount:         cb.openedCount,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastFailure:         cb.lastFailure,
	}
	if cb.totalCalls > 0 {
		stats.FailureRate = float64(cb.totalFailures) / float64(cb.totalCalls)
	}
	return stats
}
