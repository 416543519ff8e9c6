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

// Package barchart downloads bars from barchart.com using a cookie-backed
// browser session. Accounts carry a daily download allowance which is
// checked before each fetch.
package barchart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/correlation"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/observability/opentelemetry"
	"github.com/penny-vault/vortex/provider"
	"github.com/penny-vault/vortex/series"
)

const (
	// ProviderName identifies this provider in catalogs and reports.
	ProviderName = "barchart"

	defaultBaseURL    = "https://www.barchart.com"
	defaultDailyLimit = 150

	downloadTimeout = 60 * time.Second

	// maxBarsPerDownload caps a single intraday file.
	maxBarsPerDownload = 7500

	userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36"
)

// csrfTokenRe finds the session token embedded in barchart's login page.
var csrfTokenRe = regexp.MustCompile(`<meta\s+name="csrf-token"\s+content="([^"]+)"`)

// Config customizes a Barchart provider; BaseURL, Client and DailyLimit fall
// back to defaults when unset.
type Config struct {
	Username   string
	Password   string
	BaseURL    string
	Client     *http.Client
	DailyLimit int
}

// Barchart downloads intraday and end-of-day bars from barchart.com. A
// session is established on first use and re-established once when the site
// invalidates it mid-run.
type Barchart struct {
	username   string
	password   string
	baseURL    string
	client     *http.Client
	dailyLimit int

	csrfToken string
	loggedIn  bool
}

// usageResponse is the JSON body of an allowance check.
type usageResponse struct {
	Success bool `json:"success"`
	Count   int  `json:"count"`
}

// New creates a Barchart provider. Credentials are required; downloads are
// only served to authenticated sessions.
func New(cfg Config) (*Barchart, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errs.New(errs.KindConfig, "barchart.New", "barchart credentials are not configured").
			WithProvider(ProviderName).
			WithUserAction("set barchart.username and barchart.password (VORTEX_BARCHART_USERNAME / VORTEX_BARCHART_PASSWORD)")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.DailyLimit == 0 {
		cfg.DailyLimit = defaultDailyLimit
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: downloadTimeout}
	}
	if cfg.Client.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindUnknown, "barchart.New", "cannot build cookie jar", err)
		}
		cfg.Client.Jar = jar
	}

	return &Barchart{
		username:   cfg.Username,
		password:   cfg.Password,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		client:     cfg.Client,
		dailyLimit: cfg.DailyLimit,
	}, nil
}

func (b *Barchart) Name() string {
	return ProviderName
}

// Login fetches the login page, harvests the csrf token and posts the
// account credentials. The session cookie lives in the client's jar.
func (b *Barchart) Login(ctx context.Context) error {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "barchart.Login")
	defer span.End()

	subLog := correlation.Logger(ctx).With().Str("Provider", ProviderName).Logger()

	loginURL := fmt.Sprintf("%s/login", b.baseURL)
	span.SetAttributes(attribute.KeyValue{Key: "Url", Value: attribute.StringValue(loginURL)})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loginURL, nil)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "barchart.Login", "cannot build login request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		wrapped := errs.Wrap(errs.KindConnection, "barchart.Login", "cannot reach barchart", err).
			WithProvider(ProviderName).WithUserAction("check network connectivity and retry")
		span.RecordError(err)
		msg := "request for barchart login page failed"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return wrapped
	}
	defer resp.Body.Close()

	page, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "barchart.Login", "cannot read login page", err).
			WithProvider(ProviderName)
	}
	if resp.StatusCode >= 400 {
		return errs.New(errs.KindProvider, "barchart.Login",
			fmt.Sprintf("barchart login page returned status %d", resp.StatusCode)).
			WithProvider(ProviderName)
	}

	match := csrfTokenRe.FindSubmatch(page)
	if match == nil {
		err := errs.New(errs.KindAuthentication, "barchart.Login", "csrf token not found on login page").
			WithProvider(ProviderName).
			WithUserAction("barchart may have changed its login flow; update vortex")
		span.RecordError(err)
		msg := "barchart login page carried no csrf token"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return err
	}
	b.csrfToken = string(match[1])

	form := url.Values{}
	form.Add("email", b.username)
	form.Add("password", b.password)
	form.Add("_token", b.csrfToken)

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "barchart.Login", "cannot build login request", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err = b.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "barchart.Login", "cannot reach barchart", err).
			WithProvider(ProviderName).WithUserAction("check network connectivity and retry")
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		subLog.Warn().Err(err).Msg("draining login response failed")
	}

	if resp.StatusCode >= 400 {
		err := errs.New(errs.KindAuthentication, "barchart.Login",
			fmt.Sprintf("barchart rejected the credentials with status %d", resp.StatusCode)).
			WithProvider(ProviderName).
			WithUserAction("verify barchart.username and barchart.password")
		span.RecordError(err)
		msg := "barchart login failed"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return err
	}

	b.loggedIn = true
	subLog.Info().Msg("logged in to barchart")
	return nil
}

// Logout ends the session.
func (b *Barchart) Logout(ctx context.Context) error {
	if !b.loggedIn {
		return nil
	}
	b.loggedIn = false
	b.csrfToken = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/logout", b.baseURL), nil)
	if err != nil {
		return errs.Wrap(errs.KindUnknown, "barchart.Logout", "cannot build logout request", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := b.client.Do(req)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "barchart.Logout", "cannot reach barchart", err).
			WithProvider(ProviderName)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		correlation.Logger(ctx).Warn().Err(err).Msg("draining logout response failed")
	}
	return nil
}

func (b *Barchart) SupportedPeriods() []instrument.Period {
	return []instrument.Period{
		instrument.Period1Min,
		instrument.Period5Min,
		instrument.Period15Min,
		instrument.Period30Min,
		instrument.Period1Hour,
		instrument.Period1Day,
	}
}

func (b *Barchart) DefaultPeriods() []instrument.Period {
	return []instrument.Period{instrument.Period1Day, instrument.Period30Min}
}

// MaxWindow caps intraday requests at one download file's worth of bars.
// The walk step converts the bar count into wall clock time, accounting for
// sessions that only trade part of the week. End-of-day history is served in
// a single response.
func (b *Barchart) MaxWindow(period instrument.Period) (time.Duration, bool) {
	if !period.Intraday() {
		return 0, false
	}
	return time.Duration(maxBarsPerDownload) * period.WalkStep(), true
}

// MinStart reports how far back barchart keeps bars for each period.
func (b *Barchart) MinStart(period instrument.Period) (time.Time, bool) {
	switch period {
	case instrument.Period1Min, instrument.Period5Min, instrument.Period15Min, instrument.Period30Min:
		return time.Now().AddDate(-2, 0, 0), true
	case instrument.Period1Hour:
		return time.Now().AddDate(-5, 0, 0), true
	default:
		return time.Time{}, false
	}
}

// Allowance reports how many downloads the account used today against its
// daily cap. It performs a permission-only request; no download is counted.
func (b *Barchart) Allowance(ctx context.Context) (int, int, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "barchart.Allowance")
	defer span.End()

	if err := b.ensureLogin(ctx); err != nil {
		return 0, b.dailyLimit, err
	}

	form := url.Values{}
	form.Add("_token", b.csrfToken)
	form.Add("onlyCheckPermissions", "true")

	raw, statusCode, err := b.postForm(ctx, fmt.Sprintf("%s/my/download", b.baseURL), form)
	if err != nil {
		return 0, b.dailyLimit, errs.Wrap(errs.KindConnection, "barchart.Allowance", "cannot reach barchart", err).
			WithProvider(ProviderName)
	}
	if statusCode >= 400 {
		return 0, b.dailyLimit, statusError("barchart.Allowance", statusCode)
	}

	var usage usageResponse
	if err := json.Unmarshal(raw, &usage); err != nil {
		return 0, b.dailyLimit, errs.Wrap(errs.KindProvider, "barchart.Allowance", "unreadable allowance response", err).
			WithProvider(ProviderName)
	}
	if !usage.Success {
		return 0, b.dailyLimit, errs.New(errs.KindProvider, "barchart.Allowance", "barchart denied the allowance check").
			WithProvider(ProviderName)
	}

	span.SetAttributes(
		attribute.KeyValue{Key: "Used", Value: attribute.IntValue(usage.Count)},
		attribute.KeyValue{Key: "Limit", Value: attribute.IntValue(b.dailyLimit)},
	)
	return usage.Count, b.dailyLimit, nil
}

// FetchBars downloads bars for the requested window. The daily allowance is
// checked first so an exhausted account fails before burning a download.
func (b *Barchart) FetchBars(ctx context.Context, ins instrument.Instrument, period instrument.Period, start time.Time, end time.Time) (*series.PriceSeries, error) {
	ctx, span := otel.Tracer(opentelemetry.Name).Start(ctx, "barchart.FetchBars")
	defer span.End()

	subLog := correlation.Logger(ctx).With().
		Str("Provider", ProviderName).
		Str("Instrument", ins.ID()).
		Str("Period", period.String()).Logger()

	if err := provider.ValidateRequest(b, ins, period, start, end); err != nil {
		return nil, b.decorate(ctx, err, ins, period)
	}
	if err := b.ensureLogin(ctx); err != nil {
		return nil, b.decorate(ctx, err, ins, period)
	}

	used, limit, err := b.Allowance(ctx)
	if err != nil {
		return nil, b.decorate(ctx, err, ins, period)
	}
	if used >= limit {
		err := errs.New(errs.KindAllowance, "barchart.FetchBars",
			fmt.Sprintf("daily download allowance exhausted (%d of %d used)", used, limit)).
			WithUserAction("wait for the allowance to reset or raise barchart.daily_limit if your plan allows")
		span.RecordError(err)
		msg := "barchart download allowance exhausted"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Int("Used", used).Int("Limit", limit).Msg(msg)
		return nil, b.decorate(ctx, err, ins, period)
	}

	symbol := b.symbolFor(ins)
	span.SetAttributes(
		attribute.KeyValue{Key: "Symbol", Value: attribute.StringValue(symbol)},
		attribute.KeyValue{Key: "Period", Value: attribute.StringValue(period.String())},
	)

	form := b.downloadForm(symbol, period, start, end)
	raw, statusCode, err := b.postForm(ctx, fmt.Sprintf("%s/my/download", b.baseURL), form)
	if err != nil {
		wrapped := errs.Wrap(errs.KindConnection, "barchart.FetchBars", "cannot reach barchart", err).
			WithUserAction("check network connectivity and retry")
		span.RecordError(err)
		msg := "barchart download request failed"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return nil, b.decorate(ctx, wrapped, ins, period)
	}

	// a stale session answers with an auth status; re-login once
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		subLog.Info().Int("StatusCode", statusCode).Msg("barchart session expired, logging in again")
		b.loggedIn = false
		if err := b.Login(ctx); err != nil {
			return nil, b.decorate(ctx, err, ins, period)
		}
		form.Set("_token", b.csrfToken)
		raw, statusCode, err = b.postForm(ctx, fmt.Sprintf("%s/my/download", b.baseURL), form)
		if err != nil {
			return nil, b.decorate(ctx, errs.Wrap(errs.KindConnection, "barchart.FetchBars", "cannot reach barchart", err), ins, period)
		}
	}

	if statusCode >= 400 {
		statusErr := statusError("barchart.FetchBars", statusCode)
		span.RecordError(statusErr)
		msg := "barchart returned an error status"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(statusErr).Int("StatusCode", statusCode).Msg(msg)
		return nil, b.decorate(ctx, statusErr, ins, period)
	}

	ps, err := provider.ParseBarCSV(raw, common.GetTimezone())
	if err != nil {
		wrapped := errs.Wrap(errs.KindProvider, "barchart.FetchBars", "barchart returned an unreadable payload", err)
		span.RecordError(err)
		msg := "failed to parse barchart csv"
		span.SetStatus(codes.Error, msg)
		subLog.Error().Err(err).Msg(msg)
		return nil, b.decorate(ctx, wrapped, ins, period)
	}

	subLog.Debug().Int("NumBars", ps.Len()).Msg("downloaded bars from barchart")
	return ps, nil
}

func (b *Barchart) ensureLogin(ctx context.Context) error {
	if b.loggedIn {
		return nil
	}
	return b.Login(ctx)
}

// downloadForm builds the historical download request barchart's site
// issues from its download dialog.
func (b *Barchart) downloadForm(symbol string, period instrument.Period, start time.Time, end time.Time) url.Values {
	form := url.Values{}
	form.Add("_token", b.csrfToken)
	form.Add("fileName", fmt.Sprintf("%s_%s", symbol, period))
	form.Add("symbol", symbol)
	form.Add("fields", "tradeTime.format(Y-m-d),openPrice,highPrice,lowPrice,closePrice,volume")
	form.Add("startDate", start.Format("2006-01-02"))
	form.Add("endDate", end.Format("2006-01-02"))
	form.Add("orderBy", "tradeTime")
	form.Add("orderDir", "asc")
	form.Add("method", "historical")
	form.Add("limit", fmt.Sprintf("%d", maxBarsPerDownload))
	form.Add("customView", "true")

	if period.Intraday() {
		form.Add("type", "minutes")
		form.Add("interval", fmt.Sprintf("%d", int(period.BarDuration().Minutes())))
	} else {
		form.Add("type", "eod")
		form.Add("period", "daily")
	}
	return form
}

func (b *Barchart) postForm(ctx context.Context, reqURL string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-CSRF-TOKEN", b.csrfToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}

// symbolFor maps an instrument to barchart's symbology. Dated futures use
// the root + month code + two digit year form; forex pairs carry a ^
// prefix.
func (b *Barchart) symbolFor(ins instrument.Instrument) string {
	switch ins.AssetClass() {
	case instrument.AssetForex:
		return "^" + strings.ToUpper(ins.Symbol())
	default:
		return strings.ToUpper(ins.Symbol())
	}
}

func statusError(op string, statusCode int) *errs.Error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return errs.New(errs.KindAuthentication, op,
			fmt.Sprintf("barchart rejected the session with status %d", statusCode)).
			WithUserAction("verify barchart.username and barchart.password")
	case statusCode == http.StatusTooManyRequests:
		return errs.New(errs.KindRateLimit, op,
			fmt.Sprintf("barchart throttled the request with status %d", statusCode)).
			WithUserAction("reduce request frequency or raise the sleep between downloads")
	default:
		return errs.New(errs.KindProvider, op,
			fmt.Sprintf("barchart returned status %d", statusCode))
	}
}

// decorate fills provider, instrument, period and correlation fields on
// taxonomy errors that lack them.
func (b *Barchart) decorate(ctx context.Context, err error, ins instrument.Instrument, period instrument.Period) error {
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
