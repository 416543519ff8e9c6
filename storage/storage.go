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

// Package storage persists price series to a local file tree. Two backends
// share one skeleton: a row-oriented CSV format and a columnar Parquet
// format. Bars and a JSON metadata sidecar are written atomically via a
// temp file and rename; the path for an instrument and period is a pure
// function so repeated runs reach the same file.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/series"
)

// ErrNotFound signals that no persisted series exists for the requested
// instrument and period. Bars without a sidecar (or the reverse) count as
// not found.
var ErrNotFound = errors.New("no persisted series")

// Storage loads and persists price series.
type Storage interface {
	Persist(ctx context.Context, ps *series.PriceSeries, ins instrument.Instrument, period instrument.Period) error
	Load(ctx context.Context, ins instrument.Instrument, period instrument.Period) (*series.PriceSeries, error)
}

// Format selects the on-disk bar encoding.
type Format string

const (
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
)

type codec interface {
	ext() string
	write(fn string, ps *series.PriceSeries) error
	read(fn string) (*series.PriceSeries, error)
}

// FileStorage writes bars and metadata sidecars under a base directory.
type FileStorage struct {
	basePath string
	dryRun   bool
	codec    codec
}

// NewFileStorage creates file-backed storage rooted at basePath. With
// dryRun set, Persist logs the target path and writes nothing.
func NewFileStorage(basePath string, format Format, dryRun bool) (*FileStorage, error) {
	var c codec
	switch format {
	case FormatCSV:
		c = &csvCodec{}
	case FormatParquet:
		c = &parquetCodec{}
	default:
		return nil, errs.New(errs.KindConfig, "storage",
			fmt.Sprintf("unknown storage format %q", string(format))).
			WithUserAction("set general.storage_format to csv or parquet")
	}
	return &FileStorage{
		basePath: basePath,
		dryRun:   dryRun,
		codec:    c,
	}, nil
}

// BarPath returns the bar file path for an instrument and period. Futures
// contracts get one file per delivery month under the root's directory;
// undated instruments get one file per period.
func (fs *FileStorage) BarPath(ins instrument.Instrument, period instrument.Period) string {
	if future, ok := ins.(*instrument.Future); ok {
		fn := fmt.Sprintf("%s_%s00.%s", future.ID(), future.DeliveryTag(), fs.codec.ext())
		return filepath.Join(fs.basePath, "futures", period.String(), future.ID(), fn)
	}

	class := "stocks"
	if ins.AssetClass() == instrument.AssetForex {
		class = "forex"
	}
	return filepath.Join(fs.basePath, class, period.String(),
		fmt.Sprintf("%s.%s", ins.ID(), fs.codec.ext()))
}

// MetadataPath returns the sidecar path: the bar file's stem plus .json.
func (fs *FileStorage) MetadataPath(ins instrument.Instrument, period instrument.Period) string {
	barPath := fs.BarPath(ins, period)
	return strings.TrimSuffix(barPath, filepath.Ext(barPath)) + ".json"
}

// Persist writes bars and the metadata sidecar. Each file lands via a temp
// file in the target directory followed by a rename, so readers never see a
// half-written series and a crash leaves the prior file intact.
func (fs *FileStorage) Persist(ctx context.Context, ps *series.PriceSeries, ins instrument.Instrument, period instrument.Period) error {
	barPath := fs.BarPath(ins, period)
	subLog := correlation.Logger(ctx).With().Str("BarPath", barPath).Logger()

	if fs.dryRun {
		subLog.Info().Int("NumRows", ps.Len()).Msg("dry-run: skipping persist")
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(barPath), 0o755); err != nil {
		return errs.Wrap(errs.KindStorage, "persist", fmt.Sprintf("create %s", filepath.Dir(barPath)), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String()).
			WithUserAction("check permissions on the output directory")
	}

	md := ps.Meta
	if md == nil {
		md = series.BuildMetadata(ins.Symbol(), period.String(), "", ps.Start(), ps.End(), ps)
	}

	if err := fs.writeAtomic(barPath, func(fn string) error {
		return fs.codec.write(fn, ps)
	}); err != nil {
		return errs.Wrap(errs.KindStorage, "persist", fmt.Sprintf("write %s", barPath), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String())
	}

	mdPath := fs.MetadataPath(ins, period)
	if err := fs.writeAtomic(mdPath, func(fn string) error {
		raw, err := json.MarshalIndent(md, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(fn, raw, 0o644)
	}); err != nil {
		return errs.Wrap(errs.KindStorage, "persist", fmt.Sprintf("write %s", mdPath), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String())
	}

	subLog.Debug().Int("NumRows", ps.Len()).Msg("persisted series")
	return nil
}

// Load reads bars and the metadata sidecar. ErrNotFound is returned when
// either file is absent.
func (fs *FileStorage) Load(ctx context.Context, ins instrument.Instrument, period instrument.Period) (*series.PriceSeries, error) {
	barPath := fs.BarPath(ins, period)
	mdPath := fs.MetadataPath(ins, period)

	if _, err := os.Stat(barPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, barPath)
	}
	if _, err := os.Stat(mdPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, mdPath)
	}

	ps, err := fs.codec.read(barPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load", fmt.Sprintf("read %s", barPath), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String())
	}

	raw, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load", fmt.Sprintf("read %s", mdPath), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String())
	}

	md := &series.Metadata{}
	if err := json.Unmarshal(raw, md); err != nil {
		return nil, errs.Wrap(errs.KindStorage, "load", fmt.Sprintf("parse %s", mdPath), err).
			WithCorrelationID(correlation.FromContext(ctx)).
			WithInstrument(ins.ID()).WithPeriod(period.String())
	}
	ps.Meta = md

	log.Debug().Str("BarPath", barPath).Int("NumRows", ps.Len()).Msg("loaded series")
	return ps, nil
}

func (fs *FileStorage) writeAtomic(fn string, write func(string) error) error {
	tmpFn := fn + ".tmp"
	if err := write(tmpFn); err != nil {
		os.Remove(tmpFn)
		return err
	}
	if err := os.Rename(tmpFn, fn); err != nil {
		os.Remove(tmpFn)
		return err
	}
	return nil
}
