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
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/instrument"
)

func init() {
	rootCmd.AddCommand(catalogCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Print the instrument catalog",
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		catalog, err := instrument.LoadCatalog(viper.GetString("general.catalog"))
		if err != nil {
			fail(err, "could not load catalog")
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Code", "Class", "Provider", "Periods", "Cycle"})
		table.SetBorder(false)

		for _, id := range catalog.IDs() {
			cfg, _ := catalog.Get(id)

			periods := make([]string, 0, len(cfg.Periods()))
			for _, period := range cfg.Periods() {
				periods = append(periods, period.String())
			}

			prov := cfg.Provider
			if prov == "" {
				prov = viper.GetString("general.default_provider")
			}

			cycle := string(cfg.Cycle())
			if cfg.Disabled() {
				cycle = "(disabled)"
			}

			table.Append([]string{id, cfg.Code, string(cfg.AssetClass), prov,
				strings.Join(periods, ","), cycle})
		}

		table.SetFooter([]string{"", "", "", "", "Instruments", strconv.Itoa(catalog.Len())})
		table.Render()
	},
}
