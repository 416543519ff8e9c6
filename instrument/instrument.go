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

// Package instrument models downloadable instruments: stocks, forex pairs
// and dated futures contracts, plus the bar periods they trade at and the
// catalog file that configures them.
package instrument

import "github.com/rs/zerolog"

// AssetClass partitions instruments for path layout and catalog dispatch.
type AssetClass string

const (
	AssetStock  AssetClass = "stock"
	AssetFuture AssetClass = "future"
	AssetForex  AssetClass = "forex"
)

// Instrument is the closed set of downloadable instrument variants. ID is
// the catalog identifier, Code the provider's root symbol, and Symbol the
// tradable symbol; the three differ only for dated futures, where Symbol
// names a concrete contract.
type Instrument interface {
	ID() string
	Code() string
	Symbol() string
	Dated() bool
	AssetClass() AssetClass
}

// Stock is an undated equity instrument.
type Stock struct {
	id     string
	ticker string
}

func NewStock(id string, ticker string) *Stock {
	if ticker == "" {
		ticker = id
	}
	return &Stock{id: id, ticker: ticker}
}

func (s *Stock) ID() string             { return s.id }
func (s *Stock) Code() string           { return s.ticker }
func (s *Stock) Symbol() string         { return s.ticker }
func (s *Stock) Dated() bool            { return false }
func (s *Stock) AssetClass() AssetClass { return AssetStock }

func (s *Stock) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("ID", s.id).Str("Symbol", s.ticker).Str("AssetClass", string(AssetStock))
}

// Forex is an undated currency pair.
type Forex struct {
	id   string
	pair string
}

func NewForex(id string, pair string) *Forex {
	if pair == "" {
		pair = id
	}
	return &Forex{id: id, pair: pair}
}

func (f *Forex) ID() string             { return f.id }
func (f *Forex) Code() string           { return f.pair }
func (f *Forex) Symbol() string         { return f.pair }
func (f *Forex) Dated() bool            { return false }
func (f *Forex) AssetClass() AssetClass { return AssetForex }

func (f *Forex) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("ID", f.id).Str("Symbol", f.pair).Str("AssetClass", string(AssetForex))
}
