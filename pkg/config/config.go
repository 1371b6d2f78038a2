// Package config provides the small, dependency-free struct used to
// construct a device facade (pkg/node), plus an optional loader that
// reads the same shape from an INI file.
package config

import "time"

// Config holds everything needed to construct a pkg/node.Node via
// node.NewFromConfig.
type Config struct {
	NodeID uint8

	SDOTimeout time.Duration

	SyncEnabled     bool
	SyncInterval    time.Duration
	SyncCounterMode bool
}

// DefaultSDOTimeout mirrors sdo.DefaultTimeout without importing pkg/sdo,
// keeping this package free of a dependency on the protocol packages.
const DefaultSDOTimeout = time.Second

// Default returns a Config for nodeID with every interval at its spec.md
// §5 default and SYNC disabled.
func Default(nodeID uint8) Config {
	return Config{
		NodeID:     nodeID,
		SDOTimeout: DefaultSDOTimeout,
	}
}
