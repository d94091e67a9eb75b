/*
Copyright (c) Facebook, Inc. and its affiliates.

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

// Package config is the daemon's yaml-backed configuration, loaded once at startup
// and then selectively overridden by CLI flags (cmd/ptpslaved logs a warning on every
// override, the same idiom ptp/sptp/client's prepareConfig uses).
package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// BackoffConfig configures cmd/ptpslaved's supervised-restart backoff.
type BackoffConfig struct {
	Step     time.Duration `yaml:"step"`
	MaxValue time.Duration `yaml:"max_value"`
}

// Validate reports whether the backoff configuration is sane.
func (c *BackoffConfig) Validate() error {
	if c.Step <= 0 {
		return fmt.Errorf("backoff step must be positive")
	}
	if c.MaxValue <= 0 {
		return fmt.Errorf("backoff max_value must be positive")
	}
	if c.MaxValue < c.Step {
		return fmt.Errorf("backoff max_value must be >= step")
	}
	return nil
}

// Config is the daemon's full configuration.
type Config struct {
	Interfaces       []string      `yaml:"interfaces"`
	ClockID          string        `yaml:"clock_id"`
	MonitoringPort   int           `yaml:"monitoring_port"`
	MonitoringFormat string        `yaml:"monitoring_format"`
	PprofAddress     string        `yaml:"pprof_address"`
	PathDelayFilter  string        `yaml:"path_delay_filter"`
	RegressionWindow int           `yaml:"regression_window"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

// Path-delay filter modes a Config may name, mirroring pathdelay.Mode's two values
// without importing pathdelay here (config stays dependency-light; cmd/ptpslaved
// does the string-to-Mode translation).
const (
	FilterFiltered  = "filtered"
	FilterStrictIEEE = "strict_ieee"
)

// Monitoring formats a Config may name for the stats endpoint cmd/ptpslaved serves on
// MonitoringPort: the Prometheus /metrics exposition format, or the teacher's own
// plain-JSON StatsServer shape.
const (
	MonitoringFormatPrometheus = "prometheus"
	MonitoringFormatJSON       = "json"
)

// DefaultConfig returns a Config with the daemon's out-of-the-box defaults.
func DefaultConfig() *Config {
	return &Config{
		MonitoringPort:   4269,
		MonitoringFormat: MonitoringFormatPrometheus,
		PathDelayFilter:  FilterFiltered,
		RegressionWindow: 30,
		Backoff: BackoffConfig{
			Step:     time.Second,
			MaxValue: time.Minute,
		},
	}
}

// Validate reports whether the configuration is sane.
func (c *Config) Validate() error {
	if c.MonitoringPort <= 0 || c.MonitoringPort > 65535 {
		return fmt.Errorf("monitoring_port must be between 1 and 65535")
	}
	if c.MonitoringFormat != MonitoringFormatPrometheus && c.MonitoringFormat != MonitoringFormatJSON {
		return fmt.Errorf("monitoring_format must be either %q or %q", MonitoringFormatPrometheus, MonitoringFormatJSON)
	}
	if c.PathDelayFilter != FilterFiltered && c.PathDelayFilter != FilterStrictIEEE {
		return fmt.Errorf("path_delay_filter must be either %q or %q", FilterFiltered, FilterStrictIEEE)
	}
	if c.RegressionWindow < 2 {
		return fmt.Errorf("regression_window must be at least 2")
	}
	return c.Backoff.Validate()
}

// ReadConfig loads a Config from path, starting from DefaultConfig so any field the
// file omits keeps its default.
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, err
	}
	return c, nil
}
