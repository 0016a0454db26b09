package config

import (
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// global holds the process-wide configuration.
	global atomic.Pointer[Config]

	initMu sync.Mutex
)

// Initialize loads configuration from path (with environment overrides) and
// stores it as the process-wide configuration. Once a configuration has
// been stored, later calls are no-ops.
func Initialize(path string) error {
	initMu.Lock()
	defer initMu.Unlock()

	if global.Load() != nil {
		return nil
	}
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}
	global.Store(cfg)
	return nil
}

// GetConfig returns the process-wide configuration, or nil before Initialize.
//
// Components should receive their configuration explicitly; this accessor
// exists for the command layer.
func GetConfig() *Config {
	return global.Load()
}

// SetConfig replaces the process-wide configuration. Passing nil resets it,
// which tests use between cases.
func SetConfig(cfg *Config) {
	global.Store(cfg)
}

// ReloadConfig reloads the configuration from path. The stored configuration
// is only replaced when loading and validation succeed.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	global.Store(cfg)
	return nil
}

// MustGetConfig returns the process-wide configuration and panics if it has
// not been initialized.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}
