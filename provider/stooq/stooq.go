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

package stooq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/observability/opentelemetry"
	"github.com/penny-vault/vortex/provider"
	"github.com/penny-vault/vortex/series"
)

const (
	// ProviderName identifies this provider in catalogs and reports.
	ProviderName = "stooq"

	defaultBaseURL   = "https://stooq.com"
	defaultCacheSize = 64
	downloadTimeout  = 60 * time.Second

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
)

// intervalCodes maps bar periods to stooq's interval query parameter.
var intervalCodes = map[instrument.Period]string{
	instrument.Period1Day:   "d",
	instrument.Period1Week:  "w",
	instrument.Period1Month: "m",
	instrument.Period3Month: "q",
}

// Config customizes a Stooq provider; zero values select defaults.
type Config struct {
	BaseURL   string
	Client    *http.Client
	CacheSize int
}

// Stooq downloads end-of-day bars from stooq.com. No account or session is
// required; responses are cached so repeated windows within a run do not
// re-hit the site.
type Stooq struct {
	baseURL string
	client  *http.Client
	cache   *lru.Cache
}

// New creates a Stooq provider.
func New(cfg Config) (*Stooq, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: downloadTimeout}
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}

	cache, err := lru.New(cfg.CacheSize)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, "stooq.New", "cannot build response cache", err)
	}

	return &Stooq{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.Client,
		cache:   cache,
	}, nil
}

func (s *Stooq) Name() string {
	return ProviderName
}

// Login is a no-op; stooq serves downloads without credentials.
func (s *Stooq) Login(_ context.Context) error {
	return nil
}

func (s *Stooq) Logout(_ context.Context) error {
	return nil
}

func (s *Stooq) SupportedPeriods() []instrument.Period {
	return []instrument.Period{
		instrument.Period1Day,
		instrument.Period1Week,
		instrument.Period1Month,
		instrument.Period3Month,
	}
}

func (s *Stooq) DefaultPeriods() []instrument.Period {
	return []instrument.Period{instrument.Period1Day}
}

// MaxWindow reports no window limit; stooq serves full histories in one
// response.
func (s *Stooq) MaxWindow(_ instrument.Period) (time.Duration, bool) {
	return 0, false
}

func (s *Stooq) MinStart(_ instrument.Period) (time.Time, bool) {
	return time.Time{}, false
}

// FetchBars downloads bars for the requested window. An empty series with a
// nil error means stooq has no data for the symbol.
func (s *Stooq) FetchBars(ctx context.Context, ins instrument.Instrument, period instrument.Period, start time.Time, end time.Time) (*series.PriceSeries, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "stooq.FetchBars")
	defer span.End()

	subLog := correlation.Logger(ctx).With().
		Str("Provider", ProviderName).
		Str("Instrument", ins.ID()).
		Str("Period", period.String()).Logger()

	if err := provider.ValidateRequest(s, ins, period, start, end); err != nil {
		return nil, s.decorate(ctx, err, ins, period)
	}

	symbol, err := s.symbolFor(ins)
	if err != nil {
		return nil, s.decorate(ctx, err, ins, period)
	}

	params := url.Values{}
	params.Add("s", symbol)
	params.Add("d1", start.Format("20060102"))
	params.Add("d2", end.Format("20060102"))
	params.Add("i", intervalCodes[period])
	reqURL := fmt.Sprintf("%s/q/d/l/?%s", s.baseURL, params.Encode())

	span.SetAttributes(
		attribute.KeyValue{Key: "Url", Value: attribute.StringValue(reqURL)},
		attribute.KeyValue{Key: "Symbol", Value: attribute.StringValue(symbol)},
	)

	var raw []byte
	if cached, ok := s.cache.Get(reqURL); ok {
		raw = cached.([]byte)
		subLog.Debug().Str("Url", reqURL).Msg("serving bars from response cache")
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindUnknown, "stooq.FetchBars", "cannot build request", err)
		}
		req.Header.Set("User-Agent", userAgent)

		resp, err := s.client.Do(req)
		if err != nil {
			wrapped := errs.Wrap(errs.KindConnection, "stooq.FetchBars", "cannot reach stooq", err).
				WithUserAction("check network connectivity and retry")
			span.RecordError(err)
			msg := "request to stooq failed"
			span.SetStatus(codes.Error, msg)
			subLog.Error().Err(err).Str("Url", reqURL).Msg(msg)
			return nil, s.decorate(ctx, wrapped, ins, period)
		}
		defer resp.Body.Close()

		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			wrapped := errs.Wrap(errs.KindConnection, "stooq.FetchBars", "cannot read stooq response", err)
			span.RecordError(err)
			msg := "reading stooq response failed"
			span.SetStatus(codes.Error, msg)
			subLog.Error().Err(err).Msg(msg)
			return nil, s.decorate(ctx, wrapped, ins, period)
		}

		if resp.StatusCode >= 400 {
			statusErr := statusError(resp.StatusCode)
			span.RecordError(statusErr)
			msg := "stooq returned an error status"
			span.SetStatus(codes.Error, msg)
			subLog.Error().Err(statusErr).Int("StatusCode", resp.StatusCode).Msg(msg)
			return nil, s.decorate(ctx, statusErr, ins, period)
		}
	}

	if isRateLimited(raw) {
		limitErr := errs.New(errs.KindRateLimit, "stooq.FetchBars", "stooq daily hit limit exceeded").
			WithUserAction("wait for the limit to reset or reduce the number of requested instruments")
		span.RecordError(limitErr)
		msg := "stooq reported its daily hit limit"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(limitErr).Msg(msg)
		return nil, s.decorate(ctx, limitErr, ins, period)
	}

	ps, err := provider.ParseBarCSV(raw, time.UTC)
	if err != nil {
		wrapped := errs.Wrap(errs.KindProvider, "stooq.FetchBars", "stooq returned an unreadable payload", err)
		span.RecordError(err)
		msg := "failed to parse stooq csv"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return nil, s.decorate(ctx, wrapped, ins, period)
	}

	if !ps.Empty() {
		// stooq serves forex histories without a volume column
		ps.EnsureColumn(series.ColVolume)
	}

	s.cache.Add(reqURL, raw)
	subLog.Debug().Int("NumBars", ps.Len()).Msg("downloaded bars from stooq")
	return ps, nil
}

// symbolFor maps an instrument to stooq's symbology. US stocks carry a .us
// suffix; forex pairs are used as-is. Futures are not available on stooq.
func (s *Stooq) symbolFor(ins instrument.Instrument) (string, error) {
	switch ins.AssetClass() {
	case instrument.AssetStock:
		return strings.ToLower(ins.Symbol()) + ".us", nil
	case instrument.AssetForex:
		return strings.ToLower(ins.Symbol()), nil
	default:
		return "", errs.New(errs.KindValidation, "stooq.FetchBars",
			fmt.Sprintf("%s instruments are not available on stooq", ins.AssetClass())).
			WithUserAction("assign this instrument to a provider that serves futures")
	}
}

func statusError(statusCode int) *errs.Error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errs.New(errs.KindAuthentication, "stooq.FetchBars",
			fmt.Sprintf("stooq rejected the request with status %d", statusCode))
	case statusCode == http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, "stooq.FetchBars",
			fmt.Sprintf("stooq throttled the request with status %d", statusCode)).
			WithUserAction("wait for the limit to reset before retrying")
	default:
		return errs.New(errs.KindProvider, "stooq.FetchBars",
			fmt.Sprintf("stooq returned status %d", statusCode))
	}
}

// decorate fills provider, instrument, period and correlation fields on
// taxonomy errors that lack them.
func (s *Stooq) decorate(ctx context.Context, err error, ins instrument.Instrument, period instrument.Period) error {
	var vErr *errs.Error
	if !errors.As(err, &vErr) {
		return err
	}
	if vErr.Provider == "" {
		vErr.Provider = ProviderName
	}
	if vErr.Instrument == "" {
		vErr.Instrument = ins.ID()
	}
	if vErr.Period == "" {
		vErr.Period = period.String()
	}
	if vErr.CorrelationID == "" {
		vErr.CorrelationID = correlation.FromContext(ctx)
	}
	return err
}

// isRateLimited detects stooq's plain-text throttle response.
func isRateLimited(raw []byte) bool {
	return strings.Contains(strings.ToLower(string(raw)), "exceeded the daily hits limit")
}
