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

// Package correlation tags every externally observable operation with a
// short opaque id carried in the context. Log records and errors produced
// while the operation runs all share the id, which makes a single download
// traceable across planner, scheduler, provider and storage log lines.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey int

const idKey contextKey = 0

// New returns a context carrying a correlation id and the id itself. An id
// already present on the context is inherited rather than replaced so that
// nested operations share their parent's id.
func New(ctx context.Context) (context.Context, string) {
	if id := FromContext(ctx); id != "" {
		return ctx, id
	}
	id := uuid.New().String()[:8]
	return context.WithValue(ctx, idKey, id), id
}

// WithID returns a context carrying the given id, replacing any inherited
// one. Used by tests and by operations resumed from a persisted id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey, id)
}

// FromContext returns the correlation id on ctx, or the empty string.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(idKey).(string); ok {
		return id
	}
	return ""
}

// Logger returns a sub-logger stamped with the context's correlation id.
func Logger(ctx context.Context) zerolog.Logger {
	if id := FromContext(ctx); id != "" {
		return log.With().Str("CorrelationID", id).Logger()
	}
	return log.Logger
}
