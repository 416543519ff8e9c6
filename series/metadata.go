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

package series

import (
	"time"

	"github.com/rs/zerolog"
)

// Metadata describes a persisted series: the window that was requested, the
// rows actually present, and which provider produced them. It is stored in
// the sidecar file next to the bar data; all timestamps serialize as
// ISO-8601 with an explicit zone.
type Metadata struct {
	Symbol         string     `json:"symbol"`
	Period         string     `json:"period"`
	RequestedStart time.Time  `json:"requestedStart"`
	RequestedEnd   time.Time  `json:"requestedEnd"`
	FirstRow       time.Time  `json:"firstRow"`
	LastRow        time.Time  `json:"lastRow"`
	Provider       string     `json:"provider"`
	Expiration     *time.Time `json:"expiration,omitempty"`
	Created        time.Time  `json:"created"`
}

// BuildMetadata derives metadata for a fetched series. Expiration is set
// exactly when the final bar traded no volume, which marks a dated contract
// past expiry.
func BuildMetadata(symbol string, period string, provider string, reqStart time.Time, reqEnd time.Time, ps *PriceSeries) *Metadata {
	md := &Metadata{
		Symbol:         symbol,
		Period:         period,
		RequestedStart: reqStart,
		RequestedEnd:   reqEnd,
		Provider:       provider,
		Created:        time.Now().UTC(),
	}
	if ps.Len() > 0 {
		md.FirstRow = ps.Start()
		md.LastRow = ps.End()
	}
	if vol, ok := ps.LastVolume(); ok && vol == 0 {
		expiration := ps.End()
		md.Expiration = &expiration
	}
	return md
}

// Expired reports whether the metadata marks the instrument as past expiry.
func (md *Metadata) Expired() bool {
	return md.Expiration != nil
}

func (md *Metadata) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("Symbol", md.Symbol).Str("Period", md.Period).Str("Provider", md.Provider).
		Time("RequestedStart", md.RequestedStart).Time("RequestedEnd", md.RequestedEnd).
		Time("FirstRow", md.FirstRow).Time("LastRow", md.LastRow)
	if md.Expiration != nil {
		ev.Time("Expiration", *md.Expiration)
	}
}
