// Package config loads the TOML configuration files for the three
// processes in this system; defaults are filled in after decode
// rather than required in every TOML file.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// SchedulerConfig is the "scheduler.*" section of a process's TOML file.
type SchedulerConfig struct {
	Addr                          string `toml:"addr"`
	AdminAddr                     string `toml:"admin_addr"`
	AdminGRPCAddr                 string `toml:"admin_grpc_addr"`
	MaxConnection                 int    `toml:"max_connection"`
	SequencerPoolSize             int    `toml:"sequencer_pool_size"`
	DispatcherQueueSize           int    `toml:"dispatcher_queue_size"`
	TransceiverQueueSize          int    `toml:"transceiver_queue_size"`
	DisableEarlyRelease           bool   `toml:"disable_early_release"`
	DisableSingleReadOptimization bool   `toml:"disable_single_read_optimization"`
	PerfLogDir                    string `toml:"perf_log_dir"`
}

// SequencerConfig is the "sequencer.*" section.
type SequencerConfig struct {
	Addr          string `toml:"addr"`
	MaxConnection int    `toml:"max_connection"`
}

// DbProxyConfig is one element of "dbproxy[]".
type DbProxyConfig struct {
	Addr    string `toml:"addr"`
	SQLAddr string `toml:"sql_addr"`
}

// Config is the top-level decode target for a scheduler's TOML file.
type Config struct {
	Scheduler SchedulerConfig `toml:"scheduler"`
	Sequencer SequencerConfig `toml:"sequencer"`
	DbProxy   []DbProxyConfig `toml:"dbproxy"`
}

// applyDefaults fills in sane values for anything the TOML file left
// unset.
func (c *Config) applyDefaults() {
	if c.Scheduler.Addr == "" {
		c.Scheduler.Addr = "127.0.0.1:9876"
	}
	if c.Scheduler.MaxConnection <= 0 {
		c.Scheduler.MaxConnection = 100
	}
	if c.Scheduler.SequencerPoolSize <= 0 {
		c.Scheduler.SequencerPoolSize = 4
	}
	if c.Scheduler.DispatcherQueueSize <= 0 {
		c.Scheduler.DispatcherQueueSize = 256
	}
	if c.Scheduler.TransceiverQueueSize <= 0 {
		c.Scheduler.TransceiverQueueSize = 256
	}
	if c.Scheduler.PerfLogDir == "" {
		c.Scheduler.PerfLogDir = "./perf_log"
	}
	if c.Sequencer.Addr == "" {
		c.Sequencer.Addr = "127.0.0.1:9877"
	}
	if c.Sequencer.MaxConnection <= 0 {
		c.Sequencer.MaxConnection = 100
	}
}

// Load decodes a TOML config file at path and fills in defaults.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.applyDefaults()
	if len(c.DbProxy) == 0 {
		return Config{}, fmt.Errorf("config: %s declares no [[dbproxy]] replicas", path)
	}
	return c, nil
}

// TransceiverBackoff is the reconnect backoff schedule: initial 100ms,
// doubling, capped at 5s.
var (
	TransceiverInitialBackoff = 100 * time.Millisecond
	TransceiverMaxBackoff     = 5 * time.Second
)
