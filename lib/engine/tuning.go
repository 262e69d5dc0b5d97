/*
Copyright 2022 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package engine

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Tuning holds the subset of component settings SPEC_FULL.md §3A calls
// out as worth overriding from an on-disk file rather than requiring a
// recompile: pool sizing, connection-pool top-N, transfer
// concurrency, and the latency probe interval. Anything left zero
// keeps the owning component's own CheckAndSetDefaults value, so a
// partial file only overrides what it names.
type Tuning struct {
	Mempool struct {
		CeilingBytes int `yaml:"ceiling_bytes"`
	} `yaml:"mempool"`
	ConnPool struct {
		TopN int `yaml:"top_n"`
	} `yaml:"conn_pool"`
	Backpressure struct {
		InitialCredit int `yaml:"initial_credit"`
		MaxCredit     int `yaml:"max_credit"`
	} `yaml:"backpressure"`
	Transfers struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"transfers"`
	Latency struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"latency"`
}

// LoadTuning reads a Tuning file at path. A missing file is not an
// error — it returns the zero value, which leaves every component's
// own defaults in force — since the tuning file is optional static
// config per SPEC_FULL.md §3A, not a required deployment artifact.
func LoadTuning(path string) (Tuning, error) {
	var t Tuning
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return t, trace.ConvertSystemError(err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, trace.Wrap(err, "parsing tuning file %q", path)
	}
	return t, nil
}

func (t Tuning) latencyInterval() time.Duration {
	if t.Latency.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(t.Latency.IntervalSeconds) * time.Second
}
