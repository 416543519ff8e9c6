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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/penny-vault/vortex/cmd"
)

func configureViper() {
	// read config file
	viper.SetConfigName("vortex")
	viper.SetConfigType("toml")
	viper.AddConfigPath("/etc/vortex/")
	viper.AddConfigPath("$HOME/.config/vortex")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		// the config file is optional; flags and environment variables
		// cover every setting
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}
		fmt.Fprintf(os.Stderr, "cannot read config file: %v\n", err)
		os.Exit(3)
	}
}

func main() {
	configureViper()
	cmd.Execute()
}
