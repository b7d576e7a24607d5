package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/gosmm/smmsync/simplat"
	"github.com/gosmm/smmsync/smmcpu"
)

// simConfig is the YAML machine description.
type simConfig struct {
	Cpus           int      `yaml:"cpus"`
	CpusPerPackage int      `yaml:"cpus_per_package"`
	SyncMode       string   `yaml:"sync_mode"`
	TokenCount     uint32   `yaml:"token_count_per_chunk"`
	BspElection    *bool    `yaml:"bsp_election"`
	BlockStartup   bool     `yaml:"block_startup_this_ap"`
	ConfigureMtrrs bool     `yaml:"configure_mtrrs"`
	TimerBudget    uint64   `yaml:"timer_budget"`
	PerfLogging    bool     `yaml:"perf_logging"`
	MachineCheck   bool     `yaml:"machine_check"`
	HotPlugSupport bool     `yaml:"hot_plug_support"`
	TimeoutSupport bool     `yaml:"timeout_support"`
	Scenario       []string `yaml:"scenario"`
}

func loadConfig(path string) (*simConfig, error) {
	cfg := &simConfig{
		Cpus:       4,
		TokenCount: 8,
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.UnmarshalStrict(raw, cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.Cpus <= 0 {
		return nil, fmt.Errorf("%s: cpus must be positive", path)
	}
	if cfg.TokenCount == 0 {
		return nil, fmt.Errorf("%s: token_count_per_chunk must be nonzero", path)
	}
	return cfg, nil
}

func (c *simConfig) platformConfig() simplat.Config {
	return simplat.Config{
		Cpus:                  c.Cpus,
		CpusPerPackage:        c.CpusPerPackage,
		TimerBudget:           c.TimerBudget,
		NeedConfigureMtrrs:    c.ConfigureMtrrs,
		MachineCheckSupported: c.MachineCheck,
	}
}

func (c *simConfig) coreConfig(logf func(string, ...interface{})) (smmcpu.Config, error) {
	mode := smmcpu.SyncModeTraditional
	switch c.SyncMode {
	case "", "traditional":
	case "relaxed":
		mode = smmcpu.SyncModeRelaxed
	default:
		return smmcpu.Config{}, fmt.Errorf("unknown sync_mode %q", c.SyncMode)
	}

	election := true
	if c.BspElection != nil {
		election = *c.BspElection
	}

	return smmcpu.Config{
		EnableBspElection:  election,
		BlockStartupThisAp: c.BlockStartup,
		SyncMode:           mode,
		TokenCountPerChunk: c.TokenCount,
		HotPlugSupport:     c.HotPlugSupport,
		TimeoutSupported:   c.TimeoutSupport,
		PerfLogging:        c.PerfLogging,
		Logf:               logf,
	}, nil
}
