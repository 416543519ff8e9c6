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

package common

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/viper"
)

// SetupLogging configures the global zerolog logger from the log.* settings.
// Unknown level strings fall back to warn.
func SetupLogging() {
	name := strings.ToLower(viper.GetString("log.level"))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if viper.GetBool("log.report_caller") {
		log.Logger = log.With().Caller().Logger()
	}

	log.Logger = log.Output(logDestination())

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// logDestination resolves log.output to a writer. Anything other than
// stdout or stderr is treated as a file path; the handle stays open for
// the life of the process.
func logDestination() io.Writer {
	var out io.Writer
	switch dest := viper.GetString("log.output"); dest {
	case "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		fh, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
		if err != nil {
			panic(err)
		}
		out = fh
	}

	if viper.GetBool("log.pretty") {
		return zerolog.ConsoleWriter{Out: out}
	}
	return out
}

var (
	nyOnce sync.Once
	nyLoc  *time.Location
)

// GetTimezone returns the America/New_York location. Naive exchange
// timestamps are interpreted there before normalization to UTC.
func GetTimezone() *time.Location {
	nyOnce.Do(func() {
		var err error
		nyLoc, err = time.LoadLocation("America/New_York")
		if err != nil {
			log.Panic().Err(err).Msg("could not load timezone")
		}
	})
	return nyLoc
}
