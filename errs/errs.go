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

// Package errs defines the closed error taxonomy shared by the download
// pipeline. Every failure that crosses a package boundary is wrapped in an
// *Error carrying a Kind; the retry manager and circuit breaker dispatch on
// the kind rather than on string matching.
package errs

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Kind classifies an error for retry, breaker, and exit-code decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindConnection
	KindRateLimit
	KindAllowance
	KindDataNotFound
	KindLowData
	KindStorage
	KindConfig
	KindCircuitOpen
	KindProvider
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindConnection:
		return "connection"
	case KindRateLimit:
		return "rate-limit"
	case KindAllowance:
		return "allowance-exceeded"
	case KindDataNotFound:
		return "data-not-found"
	case KindLowData:
		return "low-data"
	case KindStorage:
		return "storage"
	case KindConfig:
		return "config"
	case KindCircuitOpen:
		return "circuit-open"
	case KindProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Transient reports whether the retry manager may re-attempt the operation.
func (k Kind) Transient() bool {
	switch k {
	case KindConnection, KindRateLimit, KindProvider:
		return true
	default:
		return false
	}
}

// Monitored reports whether the circuit breaker counts the error as a
// provider-health failure. Authentication, config, and not-found errors say
// nothing about provider health and are excluded.
func (k Kind) Monitored() bool {
	switch k {
	case KindConnection, KindRateLimit, KindProvider:
		return true
	default:
		return false
	}
}

// ExitCode maps the kind to the process exit code reported by the CLI.
func (k Kind) ExitCode() int {
	switch k {
	case KindAuthentication:
		return 2
	case KindConfig:
		return 3
	case KindConnection:
		return 4
	case KindRateLimit, KindAllowance:
		return 5
	case KindStorage:
		return 6
	case KindProvider, KindCircuitOpen:
		return 7
	case KindValidation:
		return 8
	case KindDataNotFound, KindLowData:
		return 10
	default:
		return 1
	}
}

// Error is the concrete error type passed between pipeline stages. Fields
// other than Kind and Message are optional context filled in as the error
// travels up the stack.
type Error struct {
	Kind          Kind
	Op            string
	Message       string
	UserAction    string
	CorrelationID string
	Provider      string
	Instrument    string
	Period        string
	Err           error
}

// New creates an Error of the given kind. Context fields are attached with
// the With* builders.
func New(kind Kind, op string, msg string) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: msg,
	}
}

// Wrap creates an Error of the given kind with an underlying cause.
func Wrap(kind Kind, op string, msg string, err error) *Error {
	return &Error{
		Kind:    kind,
		Op:      op,
		Message: msg,
		Err:     err,
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) WithCorrelationID(id string) *Error {
	e.CorrelationID = id
	return e
}

func (e *Error) WithProvider(name string) *Error {
	e.Provider = name
	return e
}

func (e *Error) WithInstrument(id string) *Error {
	e.Instrument = id
	return e
}

func (e *Error) WithPeriod(period string) *Error {
	e.Period = period
	return e
}

func (e *Error) WithUserAction(action string) *Error {
	e.UserAction = action
	return e
}

// MarshalZerologObject writes the error context as structured log fields.
func (e *Error) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("Kind", e.Kind.String()).Str("Operation", e.Op).Str("Message", e.Message)
	if e.CorrelationID != "" {
		ev.Str("CorrelationID", e.CorrelationID)
	}
	if e.Provider != "" {
		ev.Str("Provider", e.Provider)
	}
	if e.Instrument != "" {
		ev.Str("Instrument", e.Instrument)
	}
	if e.Period != "" {
		ev.Str("Period", e.Period)
	}
	if e.UserAction != "" {
		ev.Str("UserAction", e.UserAction)
	}
	if e.Err != nil {
		ev.AnErr("Cause", e.Err)
	}
}

// KindOf walks the wrap chain and returns the kind of the outermost *Error,
// or KindUnknown when the chain holds none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether the retry manager may re-attempt err. Errors
// outside the taxonomy are treated as transient so that plain transport
// errors from net/http remain retryable.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Transient()
	}
	return true
}

// Monitored reports whether the circuit breaker counts err against provider
// health. Errors outside the taxonomy count, matching Retryable's posture
// toward plain transport errors.
func Monitored(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Monitored()
	}
	return true
}

// ExitCode resolves the process exit code for err: taxonomy errors map
// through their kind, anything else is unexpected.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.ExitCode()
	}
	return 1
}
