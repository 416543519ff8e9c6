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

package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/errs"
	"github.com/penny-vault/vortex/instrument"
	"github.com/penny-vault/vortex/storage"
)

var showYear int
var showMonthCode string

func init() {
	showCmd.Flags().IntVar(&showYear, "year", 0, "Delivery year when showing a futures contract")
	showCmd.Flags().StringVar(&showMonthCode, "month-code", "", "Delivery month code when showing a futures contract")
	rootCmd.AddCommand(showCmd)
}

var showCmd = &cobra.Command{
	Use:   "show <instrument-id> <period>",
	Short: "Print a stored price series",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		catalog, err := instrument.LoadCatalog(viper.GetString("general.catalog"))
		if err != nil {
			fail(err, "could not load catalog")
		}

		cfg, ok := catalog.Get(args[0])
		if !ok {
			fail(errs.New(errs.KindConfig, "show",
				fmt.Sprintf("instrument %q is not in the catalog", args[0])), "unknown instrument")
		}

		period, err := instrument.ParsePeriod(args[1])
		if err != nil {
			fail(err, "invalid period")
		}

		var ins instrument.Instrument
		if cfg.AssetClass == instrument.AssetFuture {
			if showYear == 0 || showMonthCode == "" {
				fail(errs.New(errs.KindValidation, "show",
					"futures need --year and --month-code to pick a contract"), "missing contract selector")
			}
			ins, err = cfg.Contract(showYear, showMonthCode[0])
			if err != nil {
				fail(err, "cannot build contract")
			}
		} else {
			ins, err = cfg.Instrument()
			if err != nil {
				fail(err, "cannot build instrument")
			}
		}

		store, _, err := buildStorage()
		if err != nil {
			fail(err, "could not open storage")
		}

		ps, err := store.Load(context.Background(), ins, period)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				fail(errs.New(errs.KindDataNotFound, "show",
					fmt.Sprintf("no stored series for %s %s", ins.Symbol(), period)), "series not on disk")
			}
			fail(err, "could not load series")
		}

		fmt.Println(ps.Table())
	},
}
