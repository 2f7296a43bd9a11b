// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package cacheconfig holds the configuration keys named in the cache
// core's external interface: cache sizing, the ambient default
// filesystem, and per-descriptor overrides of the bridge's
// timeout/retry/backoff schedule.
package cacheconfig

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
	yamlv2 "gopkg.in/yaml.v2"
)

// Default bridge schedule, per spec: 20s initial timeout, 5 retries,
// 2s arithmetic-multiple backoff base.
const (
	DefaultTimeout    = 20 * time.Second
	DefaultRetries    = 5
	DefaultBackoff    = 2 * time.Second
	DefaultTimeslice  = time.Minute
	DefaultMemPercent = 80
)

// BridgeOverride holds a per-descriptor override of the retry
// schedule, keyed by "dfsType:host" in Config.FSOverrides.
type BridgeOverride struct {
	TimeoutMS  int64 `json:"fs_timeout_base_ms,omitempty"`
	Retries    int   `json:"fs_retries,omitempty"`
	BackoffMS  int64 `json:"fs_backoff_base_ms,omitempty"`
}

// Config is the root configuration document. It is usually loaded
// from a YAML file via Load, but every field can also be populated
// programmatically (e.g. from flags) before being passed to
// registry.New.
type Config struct {
	// CacheRoot is cache_root: the directory that backs the cache.
	// It must already exist and be writable.
	CacheRoot string `json:"cache_root"`

	// SizeHardLimitBytes is cache_size_hard_limit.
	SizeHardLimitBytes int64 `json:"cache_size_hard_limit"`

	// MemLimitPercent is cache_mem_limit_percent. It is stored (and
	// defaulted by WithDefaults) but nothing in this module reads it;
	// the cache is bounded by SizeHardLimitBytes alone.
	MemLimitPercent int `json:"cache_mem_limit_percent"`

	// EvictionTimeslice is cache_eviction_timeslice: the cadence of
	// the background sweep.
	EvictionTimeslice time.Duration `json:"cache_eviction_timeslice"`

	// DefaultFSName is fs_default_name: how "default"-host
	// descriptors are resolved.
	DefaultFSName string `json:"fs_default_name"`

	// TimeoutBaseMS, Retries, BackoffBaseMS are the bridge's default
	// schedule (fs_timeout_base_ms, fs_retries, fs_backoff_base_ms).
	TimeoutBaseMS int64 `json:"fs_timeout_base_ms"`
	Retries       int   `json:"fs_retries"`
	BackoffBaseMS int64 `json:"fs_backoff_base_ms"`

	// FSOverrides maps "dfsType:host" to a BridgeOverride of the
	// three fields above.
	FSOverrides map[string]BridgeOverride `json:"fs_overrides,omitempty"`
}

// WithDefaults returns a copy of c with zero-valued fields replaced
// by the package defaults.
func (c Config) WithDefaults() Config {
	if c.EvictionTimeslice == 0 {
		c.EvictionTimeslice = DefaultTimeslice
	}
	if c.MemLimitPercent == 0 {
		c.MemLimitPercent = DefaultMemPercent
	}
	if c.TimeoutBaseMS == 0 {
		c.TimeoutBaseMS = DefaultTimeout.Milliseconds()
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.BackoffBaseMS == 0 {
		c.BackoffBaseMS = DefaultBackoff.Milliseconds()
	}
	return c
}

// Schedule returns the effective (timeout, retries, backoff) for the
// given "dfsType:host" key, falling back to the document defaults.
func (c Config) Schedule(key string) (timeout time.Duration, retries int, backoff time.Duration) {
	timeout = time.Duration(c.TimeoutBaseMS) * time.Millisecond
	retries = c.Retries
	backoff = time.Duration(c.BackoffBaseMS) * time.Millisecond
	if o, ok := c.FSOverrides[key]; ok {
		if o.TimeoutMS != 0 {
			timeout = time.Duration(o.TimeoutMS) * time.Millisecond
		}
		if o.Retries != 0 {
			retries = o.Retries
		}
		if o.BackoffMS != 0 {
			backoff = time.Duration(o.BackoffMS) * time.Millisecond
		}
	}
	return
}

// Load reads and parses a YAML configuration document at path,
// applying package defaults to any field left unset.
func Load(path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cacheconfig: reading %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(buf, &c); err != nil {
		return Config{}, fmt.Errorf("cacheconfig: parsing %s: %w", path, err)
	}
	return c.WithDefaults(), nil
}

// legacyOverrides is the on-disk shape of an older, hand-edited
// per-descriptor override file that predates Config.FSOverrides;
// some deployments still ship one alongside the main config, keyed
// loosely (duration strings, relaxed types) rather than the strict
// JSON-tagged shape sigs.k8s.io/yaml enforces on Config.
type legacyOverrides map[string]struct {
	Timeout string `yaml:"timeout"`
	Retries int    `yaml:"retries"`
	Backoff string `yaml:"backoff"`
}

// LoadLegacyOverrides parses the older per-descriptor override
// format (loose YAML, not JSON-tag-strict) and merges it into c,
// giving c's own FSOverrides precedence over any duplicate key.
func LoadLegacyOverrides(c Config, path string) (Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("cacheconfig: reading legacy overrides %s: %w", path, err)
	}
	var raw legacyOverrides
	if err := yamlv2.Unmarshal(buf, &raw); err != nil {
		return c, fmt.Errorf("cacheconfig: parsing legacy overrides %s: %w", path, err)
	}
	if c.FSOverrides == nil {
		c.FSOverrides = make(map[string]BridgeOverride, len(raw))
	}
	for key, v := range raw {
		if _, exists := c.FSOverrides[key]; exists {
			continue
		}
		o := BridgeOverride{Retries: v.Retries}
		if d, err := time.ParseDuration(v.Timeout); err == nil {
			o.TimeoutMS = d.Milliseconds()
		}
		if d, err := time.ParseDuration(v.Backoff); err == nil {
			o.BackoffMS = d.Milliseconds()
		}
		c.FSOverrides[key] = o
	}
	return c, nil
}
