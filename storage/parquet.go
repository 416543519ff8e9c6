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

package storage

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/penny-vault/vortex/series"
)

// parquetBar is the columnar row schema. The codec persists the canonical
// OHLCV columns; provider specific extras are dropped with a warning.
type parquetBar struct {
	Date   int64   `parquet:"name=date, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open   float64 `parquet:"name=open, type=DOUBLE"`
	High   float64 `parquet:"name=high, type=DOUBLE"`
	Low    float64 `parquet:"name=low, type=DOUBLE"`
	Close  float64 `parquet:"name=close, type=DOUBLE"`
	Volume float64 `parquet:"name=volume, type=DOUBLE"`
}

type parquetCodec struct{}

func (c *parquetCodec) ext() string {
	return "parquet"
}

func (c *parquetCodec) write(fn string, ps *series.PriceSeries) error {
	if len(ps.ColNames) > len(series.RequiredColumns()) {
		log.Warn().Str("FileName", fn).Strs("Columns", ps.ColNames).
			Msg("parquet backend persists only the canonical OHLCV columns")
	}

	fw, err := local.NewLocalFileWriter(fn)
	if err != nil {
		return err
	}
	defer fw.Close()

	pw, err := writer.NewParquetWriter(fw, new(parquetBar), 4)
	if err != nil {
		return err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	open := ps.Column(series.ColOpen)
	high := ps.Column(series.ColHigh)
	low := ps.Column(series.ColLow)
	closeCol := ps.Column(series.ColClose)
	volume := ps.Column(series.ColVolume)

	for rowIdx, date := range ps.Dates {
		bar := parquetBar{Date: date.UTC().UnixMilli()}
		if open != nil {
			bar.Open = open[rowIdx]
		}
		if high != nil {
			bar.High = high[rowIdx]
		}
		if low != nil {
			bar.Low = low[rowIdx]
		}
		if closeCol != nil {
			bar.Close = closeCol[rowIdx]
		}
		if volume != nil {
			bar.Volume = volume[rowIdx]
		}
		if err := pw.Write(bar); err != nil {
			return err
		}
	}

	return pw.WriteStop()
}

func (c *parquetCodec) read(fn string) (*series.PriceSeries, error) {
	fr, err := local.NewLocalFileReader(fn)
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(parquetBar), 4)
	if err != nil {
		return nil, err
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	bars := make([]parquetBar, numRows)
	if err := pr.Read(&bars); err != nil {
		return nil, err
	}

	ps := series.New()
	for _, bar := range bars {
		ps.InsertRow(time.UnixMilli(bar.Date).UTC(),
			bar.Open, bar.High, bar.Low, bar.Close, bar.Volume)
	}
	return ps, nil
}
