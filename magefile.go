//go:build mage

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
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binaryName  = "vortex"
	packageName = "."
)

var ldflags = "-X github.com/penny-vault/vortex/common.commitHash=$COMMIT_HASH " +
	"-X github.com/penny-vault/vortex/common.buildDate=$BUILD_DATE"

// allow user to override go executable by running as GOEXE=xxx mage ...
var goexe = "go"

func init() {
	if exe := os.Getenv("GOEXE"); exe != "" {
		goexe = exe
	}
}

var Default = Build

// Build compiles the vortex binary into the repository root.
func Build() error {
	fmt.Println("Building...")
	return sh.RunWith(flagEnv(), goexe, "build", "-o", binaryName, "-ldflags", ldflags, packageName)
}

// Install builds vortex and installs it under GOPATH/bin.
func Install() error {
	return sh.RunWith(flagEnv(), goexe, "install", "-ldflags", ldflags, packageName)
}

// Clean removes build and coverage artifacts.
func Clean() {
	fmt.Println("Cleaning...")
	os.RemoveAll(binaryName)
	os.RemoveAll("coverage.out")
}

// Check formats, vets and tests the module.
func Check() {
	mg.Deps(Fmt, Vet)
	mg.Deps(TestRace)
}

// Test runs all test suites.
func Test() error {
	fmt.Println("Go Test")
	return sh.RunV(goexe, "test", "./...")
}

// TestRace runs all test suites with the race detector.
func TestRace() error {
	fmt.Println("Go Test Race")
	return sh.RunV(goexe, "test", "-race", "./...")
}

// Fmt fails when any source file is not gofmt'ed.
func Fmt() error {
	fmt.Println("Go Format")

	pkgs, err := vortexPackages()
	if err != nil {
		return err
	}

	failed := false
	for _, pkg := range pkgs {
		files, err := filepath.Glob(filepath.Join(pkg, "*.go"))
		if err != nil {
			return err
		}
		if len(files) == 0 {
			continue
		}
		// gofmt exits zero even when files need formatting; any output
		// means failure
		s, err := sh.Output("gofmt", append([]string{"-l"}, files...)...)
		if err != nil {
			fmt.Printf("ERROR: running gofmt on %q: %v\n", pkg, err)
			failed = true
		}
		if s != "" {
			fmt.Println("The following files are not gofmt'ed:")
			fmt.Println(s)
			failed = true
		}
	}
	if failed {
		return errors.New("improperly formatted go files")
	}
	return nil
}

// Lint runs golint on every package. Findings are printed but only
// execution errors fail the target.
func Lint() error {
	fmt.Println("Go Lint")

	pkgs, err := vortexPackages()
	if err != nil {
		return err
	}
	failed := false
	for _, pkg := range pkgs {
		if _, err := sh.Exec(nil, os.Stderr, nil, "golint", pkg); err != nil {
			fmt.Printf("ERROR: running go lint on %q: %v\n", pkg, err)
			failed = true
		}
	}
	if failed {
		return errors.New("errors running golint")
	}
	return nil
}

// Vet runs go vet on the module.
func Vet() error {
	fmt.Println("Go Vet")

	if err := sh.Run(goexe, "vet", "./..."); err != nil {
		return fmt.Errorf("error running go vet: %v", err)
	}
	return nil
}

// TestCoverHTML opens an HTML coverage report across all packages.
func TestCoverHTML() error {
	fmt.Println("Generate Test Coverage HTML")

	if err := sh.Run(goexe, "test", "-coverprofile=coverage.out", "-covermode=count", "./..."); err != nil {
		return err
	}
	return sh.Run(goexe, "tool", "cover", "-html=coverage.out")
}

func flagEnv() map[string]string {
	hash, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	return map[string]string{
		"COMMIT_HASH": hash,
		"BUILD_DATE":  time.Now().Format("2006-01-02T15:04:05Z0700"),
	}
}

var (
	pkgPrefixLen = len("github.com/penny-vault/vortex")
	pkgs         []string
	pkgsInit     sync.Once
)

func vortexPackages() ([]string, error) {
	var err error
	pkgsInit.Do(func() {
		var s string
		s, err = sh.Output(goexe, "list", "./...")
		if err != nil {
			return
		}
		pkgs = strings.Split(s, "\n")
		for i := range pkgs {
			pkgs[i] = "." + pkgs[i][pkgPrefixLen:]
		}
	})
	return pkgs, err
}
