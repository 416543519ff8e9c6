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

package breaker

import (
	"sort"
	"sync"
)

// Registry owns the process-wide set of breakers, one per provider. It is
// injected rather than global so tests run with isolated registries.
type Registry struct {
	mutex    sync.Mutex
	defaults Settings
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers start from the given
// default settings.
func NewRegistry(defaults Settings) *Registry {
	return &Registry{
		defaults: defaults,
		breakers: make(map[string]*Breaker),
	}
}

// Configure registers a breaker for the named provider with specific
// settings, replacing any existing breaker.
func (r *Registry) Configure(name string, settings Settings) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers[name] = New(name, settings)
}

// Get returns the breaker for the named provider, creating one with the
// registry defaults on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = New(name, r.defaults)
		r.breakers[name] = cb
	}
	return cb
}

// Stats snapshots every breaker, ordered by provider name.
func (r *Registry) Stats() []Stats {
	r.mutex.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.Unlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats
}
