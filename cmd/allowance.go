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
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/penny-vault/vortex/common"
	"github.com/penny-vault/vortex/provider"
)

func init() {
	rootCmd.AddCommand(allowanceCmd)
}

var allowanceCmd = &cobra.Command{
	Use:   "allowance",
	Short: "Print download quota usage for providers that meter downloads",
	Run: func(cmd *cobra.Command, args []string) {
		common.SetupLogging()

		ctx, cancel := newRunContext()
		defer cancel()

		providers, err := buildProviders()
		if err != nil {
			fail(err, "could not configure providers")
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Provider", "Used", "Limit"})
		table.SetBorder(false)

		metered := 0
		var quotaErr error
		providers.Each(func(p provider.DataProvider) {
			quota, ok := p.(provider.QuotaProvider)
			if !ok {
				return
			}
			metered++

			used, limit, err := quota.Allowance(ctx)
			if err != nil {
				quotaErr = err
				return
			}
			table.Append([]string{p.Name(), strconv.Itoa(used), strconv.Itoa(limit)})
		})
		logoutAll(providers)

		if quotaErr != nil {
			fail(quotaErr, "allowance check failed")
		}
		if metered == 0 {
			fmt.Println("no configured provider meters downloads")
			return
		}
		table.Render()
	},
}
