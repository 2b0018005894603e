package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/domscout/snapshot"
)

// Config is the domscout.yaml file. Zero values fall back to the
// defaults below, so a minimal file only names the selectors dir.
type Config struct {
	SelectorsDir string `yaml:"selectors_dir"`
	SnapshotsDir string `yaml:"snapshots_dir"`
	StateDir     string `yaml:"state_dir"`
	StateDB      string `yaml:"state_db"`
	EventsDB     string `yaml:"events_db"`
	Listen       string `yaml:"listen"`

	MaxSessions    int     `yaml:"max_sessions"`
	MemoryBudgetMB float64 `yaml:"memory_budget_mb"`
	MonitorEvery   string  `yaml:"monitor_interval"`

	Headful  bool `yaml:"headful"`
	Stealth  bool `yaml:"stealth"`
	TestMode bool `yaml:"test_mode"`

	Gates []GateConfig `yaml:"gates"`
}

// GateConfig is one page-type gating entry (§ readiness waits before
// screenshots).
type GateConfig struct {
	Pattern   string `yaml:"pattern"`
	Readiness string `yaml:"readiness"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func defaultConfig() Config {
	return Config{
		SelectorsDir: "selectors",
		SnapshotsDir: "snapshots",
		StateDir:     "state",
		EventsDB:     "domscout_events.db",
		Listen:       ":8791",
		Stealth:      true,
	}
}

func loadConfigFile(path string) (Config, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) monitorInterval() (time.Duration, error) {
	if c.MonitorEvery == "" {
		return 0, nil
	}
	return time.ParseDuration(c.MonitorEvery)
}

func (c Config) snapshotGates() []snapshot.Gate {
	gates := make([]snapshot.Gate, 0, len(c.Gates))
	for _, g := range c.Gates {
		gates = append(gates, snapshot.Gate{
			Pattern:   g.Pattern,
			Readiness: g.Readiness,
			Timeout:   time.Duration(g.TimeoutMS) * time.Millisecond,
		})
	}
	return gates
}
