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

package instrument

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/penny-vault/vortex/errs"
)

const (
	defaultTimezone  = "America/New_York"
	defaultDaysCount = 120

	dateLayout = "2006-01-02"
)

// InstrumentConfig is one catalog entry. Raw fields come from the catalog
// file; the parsed forms are populated during catalog validation and read
// through the accessor methods.
type InstrumentConfig struct {
	ID          string     `toml:"-" json:"-"`
	Code        string     `toml:"code" json:"code"`
	AssetClass  AssetClass `toml:"asset_class" json:"assetClass"`
	Provider    string     `toml:"provider" json:"provider"`
	PeriodCodes []string   `toml:"periods" json:"periods"`
	CycleCodes  *string    `toml:"cycle" json:"cycle"`
	TickDateRaw string     `toml:"tick_date" json:"tickDate"`
	StartRaw    string     `toml:"start_date" json:"startDate"`
	DaysCount   int        `toml:"days_count" json:"daysCount"`
	TZ          string     `toml:"tz" json:"tz"`

	tickDate  time.Time
	startDate time.Time
	loc       *time.Location
	periods   []Period
	cycle     []byte
}

// TickDate is the first day intraday ticks exist for the instrument; zero
// when unset.
func (cfg *InstrumentConfig) TickDate() time.Time { return cfg.tickDate }

// StartDate is the earliest day worth requesting; zero when unset.
func (cfg *InstrumentConfig) StartDate() time.Time { return cfg.startDate }

// Location is the instrument's exchange timezone.
func (cfg *InstrumentConfig) Location() *time.Location { return cfg.loc }

// Periods is the catalog-specified period override, nil when the provider
// default applies.
func (cfg *InstrumentConfig) Periods() []Period { return cfg.periods }

// Cycle is the set of delivery month codes that produce contracts.
func (cfg *InstrumentConfig) Cycle() []byte { return cfg.cycle }

// Disabled reports whether the entry opted out of planning. A futures entry
// with an explicitly empty cycle is disabled without being an error.
func (cfg *InstrumentConfig) Disabled() bool {
	return cfg.AssetClass == AssetFuture && cfg.CycleCodes != nil && *cfg.CycleCodes == ""
}

// Instrument materializes the undated instrument for this entry. Futures
// roots have no single instrument; their contracts come from Contract.
func (cfg *InstrumentConfig) Instrument() (Instrument, error) {
	switch cfg.AssetClass {
	case AssetStock:
		return NewStock(cfg.ID, cfg.Code), nil
	case AssetForex:
		return NewForex(cfg.ID, cfg.Code), nil
	default:
		return nil, errs.New(errs.KindValidation, "catalog",
			fmt.Sprintf("%s: asset class %s has no undated instrument", cfg.ID, cfg.AssetClass)).
			WithInstrument(cfg.ID)
	}
}

// Contract synthesizes the futures contract for a delivery year and month
// code, carrying the root's tick date and trading window length.
func (cfg *InstrumentConfig) Contract(year int, monthCode byte) (*Future, error) {
	return NewFuture(cfg.ID, cfg.Code, year, monthCode, cfg.tickDate, cfg.DaysCount)
}

func (cfg *InstrumentConfig) validate() error {
	if cfg.Code == "" {
		cfg.Code = cfg.ID
	}

	switch cfg.AssetClass {
	case AssetStock, AssetForex:
	case AssetFuture:
		if cfg.CycleCodes == nil {
			return errs.New(errs.KindConfig, "catalog",
				fmt.Sprintf("%s: futures entry must declare a cycle", cfg.ID)).
				WithInstrument(cfg.ID).
				WithUserAction("add a cycle of delivery month codes, or set cycle = \"\" to disable the entry")
		}
		for i := 0; i < len(*cfg.CycleCodes); i++ {
			c := (*cfg.CycleCodes)[i]
			if _, err := MonthFromCode(c); err != nil {
				return errs.Wrap(errs.KindConfig, "catalog",
					fmt.Sprintf("%s: cycle code %q", cfg.ID, string(c)), err).
					WithInstrument(cfg.ID)
			}
			cfg.cycle = append(cfg.cycle, c)
		}
		if cfg.DaysCount <= 0 {
			cfg.DaysCount = defaultDaysCount
		}
	default:
		return errs.New(errs.KindConfig, "catalog",
			fmt.Sprintf("%s: unknown asset class %q", cfg.ID, string(cfg.AssetClass))).
			WithInstrument(cfg.ID).
			WithUserAction("set asset_class to stock, future, or forex")
	}

	for _, code := range cfg.PeriodCodes {
		p, err := ParsePeriod(code)
		if err != nil {
			return errs.Wrap(errs.KindConfig, "catalog",
				fmt.Sprintf("%s: period %q", cfg.ID, code), err).
				WithInstrument(cfg.ID)
		}
		cfg.periods = append(cfg.periods, p)
	}

	var err error
	if cfg.TickDateRaw != "" {
		if cfg.tickDate, err = time.Parse(dateLayout, cfg.TickDateRaw); err != nil {
			return errs.Wrap(errs.KindConfig, "catalog",
				fmt.Sprintf("%s: tick_date %q", cfg.ID, cfg.TickDateRaw), err).
				WithInstrument(cfg.ID)
		}
	}
	if cfg.StartRaw != "" {
		if cfg.startDate, err = time.Parse(dateLayout, cfg.StartRaw); err != nil {
			return errs.Wrap(errs.KindConfig, "catalog",
				fmt.Sprintf("%s: start_date %q", cfg.ID, cfg.StartRaw), err).
				WithInstrument(cfg.ID)
		}
	}

	tz := cfg.TZ
	if tz == "" {
		tz = defaultTimezone
	}
	if cfg.loc, err = time.LoadLocation(tz); err != nil {
		return errs.Wrap(errs.KindConfig, "catalog",
			fmt.Sprintf("%s: timezone %q", cfg.ID, tz), err).
			WithInstrument(cfg.ID)
	}

	return nil
}

// Catalog is the validated set of instrument entries for a run. Loaded once
// at startup and read-only afterwards.
type Catalog struct {
	entries map[string]*InstrumentConfig
}

// NewCatalog validates a set of entries and builds a catalog from them.
func NewCatalog(entries map[string]*InstrumentConfig) (*Catalog, error) {
	for id, cfg := range entries {
		cfg.ID = id
		if err := cfg.validate(); err != nil {
			return nil, err
		}
	}
	return &Catalog{entries: entries}, nil
}

// LoadCatalog reads and validates a catalog file. The encoding follows the
// file extension: .toml or .json.
func LoadCatalog(fn string) (*Catalog, error) {
	raw, err := os.ReadFile(fn)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "catalog", fmt.Sprintf("read %s", fn), err).
			WithUserAction("check that the catalog file exists and is readable")
	}

	entries := make(map[string]*InstrumentConfig)
	switch ext := strings.ToLower(filepath.Ext(fn)); ext {
	case ".toml":
		if err := toml.Unmarshal(raw, &entries); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "catalog", fmt.Sprintf("parse %s", fn), err)
		}
	case ".json":
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errs.Wrap(errs.KindConfig, "catalog", fmt.Sprintf("parse %s", fn), err)
		}
	default:
		return nil, errs.New(errs.KindConfig, "catalog",
			fmt.Sprintf("unsupported catalog format %q", ext)).
			WithUserAction("use a .toml or .json catalog file")
	}

	catalog, err := NewCatalog(entries)
	if err != nil {
		return nil, err
	}

	log.Info().Str("FileName", fn).Int("NumInstruments", catalog.Len()).Msg("loaded instrument catalog")
	return catalog, nil
}

// Get returns the entry for an instrument id.
func (c *Catalog) Get(id string) (*InstrumentConfig, bool) {
	cfg, ok := c.entries[id]
	return cfg, ok
}

// IDs returns the instrument ids in deterministic order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Catalog) Len() int {
	return len(c.entries)
}
