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

package provider

import (
	"fmt"
	"sort"

	"github.com/penny-vault/vortex/errs"
)

// Registry holds the providers available to a run. It is built at startup
// and read-only while the scheduler drives.
type Registry struct {
	providers   map[string]DataProvider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]DataProvider),
	}
}

// Register adds a provider. The first registered provider becomes the
// default until SetDefault overrides it.
func (r *Registry) Register(p DataProvider) {
	if len(r.providers) == 0 {
		r.defaultName = p.Name()
	}
	r.providers[p.Name()] = p
}

// SetDefault names the provider used by catalog entries that don't pick
// their own.
func (r *Registry) SetDefault(name string) error {
	if _, ok := r.providers[name]; !ok {
		return errs.New(errs.KindConfig, "providers",
			fmt.Sprintf("unknown default provider %q", name)).
			WithUserAction(fmt.Sprintf("set general.default_provider to one of: %v", r.Names()))
	}
	r.defaultName = name
	return nil
}

// Get resolves a provider by name; the empty string resolves the default.
func (r *Registry) Get(name string) (DataProvider, error) {
	if name == "" {
		name = r.defaultName
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, errs.New(errs.KindConfig, "providers",
			fmt.Sprintf("unknown provider %q", name)).
			WithProvider(name).
			WithUserAction(fmt.Sprintf("use one of: %v", r.Names()))
	}
	return p, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each visits every provider in name order.
func (r *Registry) Each(fn func(DataProvider)) {
	for _, name := range r.Names() {
		fn(r.providers[name])
	}
}
