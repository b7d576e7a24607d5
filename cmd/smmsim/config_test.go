package main

import (
	"testing"

	"github.com/gosmm/smmsync/smmcpu"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("testdata/blocked.yaml")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Cpus != 4 || cfg.CpusPerPackage != 2 {
		t.Errorf("topology %d/%d, want 4/2", cfg.Cpus, cfg.CpusPerPackage)
	}
	if len(cfg.Scenario) != 6 {
		t.Errorf("%d scenario steps, want 6", len(cfg.Scenario))
	}

	core, err := cfg.coreConfig(nil)
	if err != nil {
		t.Fatalf("coreConfig: %v", err)
	}
	if core.SyncMode != smmcpu.SyncModeTraditional {
		t.Errorf("sync mode %v, want traditional", core.SyncMode)
	}
	if !core.EnableBspElection {
		t.Error("election not defaulted on")
	}
	if core.TokenCountPerChunk != 8 {
		t.Errorf("token chunk %d, want 8", core.TokenCountPerChunk)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Cpus != 4 || cfg.TokenCount == 0 {
		t.Errorf("defaults cpus=%d tokens=%d", cfg.Cpus, cfg.TokenCount)
	}
}

func TestCoreConfigRejectsBadSyncMode(t *testing.T) {
	cfg := &simConfig{Cpus: 2, TokenCount: 4, SyncMode: "sideways"}
	if _, err := cfg.coreConfig(nil); err == nil {
		t.Error("bad sync_mode accepted")
	}
}
