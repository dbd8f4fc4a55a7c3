// Package config loads the dispatch core's own configuration,
// grounded on ChuLiYu-raft-recovery/internal/cli/cli.go's Config
// struct / loadConfig function (YAML file, yaml struct tags, a
// handful of nested sections).
// SPDX-License-Identifier: Apache-2.0 OR GPL-2.0-or-later
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipeline-foundation/azure-pipelines-agent/internal/workerchannel"
)

// ChannelTimeoutEnvVar is the environment variable that overrides the
// default IPC channel timeout (§6).
const ChannelTimeoutEnvVar = "VSTS_AGENT_CHANNEL_TIMEOUT"

// Config is the dispatch core's own configuration.
type Config struct {
	Pool struct {
		Name    string `yaml:"name"`
		Address string `yaml:"address"`
	} `yaml:"pool"`

	Worker struct {
		BinDir         string        `yaml:"bin_dir"`
		ChannelTimeout time.Duration `yaml:"channel_timeout"`
	} `yaml:"worker"`

	Lease struct {
		RenewInterval time.Duration `yaml:"renew_interval"`
	} `yaml:"lease"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Features map[string]bool `yaml:"features"`
}

// Default returns a Config with the documented defaults (§4.A, §4.B).
func Default() *Config {
	cfg := &Config{}
	cfg.Worker.ChannelTimeout = workerchannel.DefaultChannelTimeout
	cfg.Lease.RenewInterval = 60 * time.Second
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads and parses a YAML config file at path, then applies the
// VSTS_AGENT_CHANNEL_TIMEOUT environment override (§6, §8 boundary
// behaviours: 5 -> clamped to 30; 1000 -> clamped to 300).
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.Worker.ChannelTimeout = workerchannel.ClampTimeout(cfg.Worker.ChannelTimeout)
	applyChannelTimeoutEnvOverride(cfg)

	return cfg, nil
}

func applyChannelTimeoutEnvOverride(cfg *Config) {
	raw, ok := os.LookupEnv(ChannelTimeoutEnvVar)
	if !ok || raw == "" {
		return
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return
	}
	cfg.Worker.ChannelTimeout = workerchannel.ClampTimeout(time.Duration(secs) * time.Second)
}
