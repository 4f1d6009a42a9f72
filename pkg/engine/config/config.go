/*
Copyright 2025 The Kubernetes Authors.

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

// Package config loads and validates the engine's YAML configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Duration wraps time.Duration so YAML values can be written as "250ms" or
// "1m30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Pool configures the actor pool.
type Pool struct {
	PartitionCount     int      `json:"partitionCount"`
	ActorsPerPartition int      `json:"actorsPerPartition"`
	MailboxSize        int      `json:"mailboxSize,omitempty"`
	ActivateTimeout    Duration `json:"activateTimeout,omitempty"`
	RestartBudget      int      `json:"restartBudget,omitempty"`
	RestartWindow      Duration `json:"restartWindow,omitempty"`
	RestartBackoff     Duration `json:"restartBackoff,omitempty"`
}

// Cache configures the bounded score cache.
type Cache struct {
	Capacity      int      `json:"capacity"`
	TTL           Duration `json:"ttl,omitempty"`
	SweepInterval Duration `json:"sweepInterval,omitempty"`
}

// Pipeline configures the staged pipeline.
type Pipeline struct {
	BufferCap       int      `json:"bufferCap,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
	FanOut          int      `json:"fanOut,omitempty"`
	ScoreThreshold  float64  `json:"scoreThreshold,omitempty"`
	MaxBatchSize    int      `json:"maxBatchSize,omitempty"`
	MaxBatchLatency Duration `json:"maxBatchLatency,omitempty"`
	SinkRetries     int      `json:"sinkRetries,omitempty"`
	SinkBackoff     Duration `json:"sinkBackoff,omitempty"`
	GracePeriod     Duration `json:"gracePeriod,omitempty"`
}

// Logging configures verbosity.
type Logging struct {
	// Level enables logger.V(v) for all v <= Level. It may be raised or
	// lowered at runtime via config reload.
	Level int `json:"level,omitempty"`
}

// Config is the root engine configuration.
type Config struct {
	Pool     Pool     `json:"pool"`
	Cache    Cache    `json:"cache"`
	Pipeline Pipeline `json:"pipeline"`
	Logging  Logging  `json:"logging,omitempty"`
}

// Load reads, parses, and validates the configuration. Either from supplied
// text or from a file.
func Load(configText []byte, fileName string) (*Config, error) {
	var err error
	if len(configText) == 0 {
		configText, err = os.ReadFile(fileName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := yaml.UnmarshalStrict(configText, cfg); err != nil {
		return nil, fmt.Errorf("the configuration is invalid: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("the configuration is invalid: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Pool.PartitionCount <= 0 {
		return fmt.Errorf("pool.partitionCount must be positive, got %d", c.Pool.PartitionCount)
	}
	if c.Pool.ActorsPerPartition <= 0 {
		return fmt.Errorf("pool.actorsPerPartition must be positive, got %d", c.Pool.ActorsPerPartition)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Pipeline.ScoreThreshold < 0 || c.Pipeline.ScoreThreshold > 1 {
		return fmt.Errorf("pipeline.scoreThreshold must be in [0, 1], got %v", c.Pipeline.ScoreThreshold)
	}
	if c.Logging.Level < 0 {
		return fmt.Errorf("logging.level must not be negative, got %d", c.Logging.Level)
	}
	return nil
}
