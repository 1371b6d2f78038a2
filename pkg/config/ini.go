package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// LoadINI reads a Config from an INI file shaped like:
//
//	[node]
//	id = 5
//
//	[sdo]
//	timeout_ms = 1000
//
//	[sync]
//	enabled = true
//	interval_ms = 10
//	counter_mode = false
//
// Every key is optional except node.id, and sync.interval_ms when
// sync.enabled is true; missing optional keys fall back to Default's
// values. Grounded on the teacher's own ini.v1-based EDS
// parser (od_parser.go), generalized from object-dictionary sections to
// this package's flat key layout.
func LoadINI(path string) (Config, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
	}

	nodeSection := file.Section("node")
	nodeID, err := nodeSection.Key("id").Uint()
	if err != nil {
		return Config{}, fmt.Errorf("config: node.id: %w", err)
	}
	if nodeID < 1 || nodeID > 127 {
		return Config{}, fmt.Errorf("config: node.id %d out of range [1,127]", nodeID)
	}

	cfg := Default(uint8(nodeID))

	if key := file.Section("sdo").Key("timeout_ms"); key.String() != "" {
		ms, err := key.Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: sdo.timeout_ms: %w", err)
		}
		cfg.SDOTimeout = time.Duration(ms) * time.Millisecond
	}

	syncSection := file.Section("sync")
	cfg.SyncEnabled = syncSection.Key("enabled").MustBool(false)
	if cfg.SyncEnabled {
		ms, err := syncSection.Key("interval_ms").Int()
		if err != nil {
			return Config{}, fmt.Errorf("config: sync.interval_ms: %w", err)
		}
		cfg.SyncInterval = time.Duration(ms) * time.Millisecond
		cfg.SyncCounterMode = syncSection.Key("counter_mode").MustBool(false)
	}

	return cfg, nil
}
