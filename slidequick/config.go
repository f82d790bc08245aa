// Package slidequick assembles the collaboration server: the SQLite store,
// the room manager, and the HTTP relay, behind one config.
package slidequick

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	DBPath  string        `yaml:"db_path"`
	Addr    string        `yaml:"addr"`
	Collab  CollabConfig  `yaml:"collab"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CollabConfig controls room lifecycle and connection buffering.
type CollabConfig struct {
	// SaveDebounce is how long a room stays dirty before its snapshot is
	// written. Edits arriving inside the window collapse into one save.
	SaveDebounce time.Duration `yaml:"save_debounce"`
	// EvictionGrace is how long an empty room stays resident before its
	// memory is reclaimed.
	EvictionGrace time.Duration `yaml:"eviction_grace"`
	// SendQueue is the per-connection outbound frame buffer.
	SendQueue int `yaml:"send_queue"`
	// InboxSize is the per-room actor mailbox depth.
	InboxSize int `yaml:"inbox_size"`
}

// MetricsConfig controls the SQLite-native metrics recorder.
type MetricsConfig struct {
	Disabled bool `yaml:"disabled"`
	// DBPath is the metrics database. Defaults to "<db_path>.metrics".
	DBPath        string        `yaml:"db_path"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "slidequick.db"
	}
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.Collab.SaveDebounce <= 0 {
		c.Collab.SaveDebounce = 2 * time.Second
	}
	if c.Collab.EvictionGrace <= 0 {
		c.Collab.EvictionGrace = 30 * time.Second
	}
	if c.Collab.SendQueue <= 0 {
		c.Collab.SendQueue = 64
	}
	if c.Collab.InboxSize <= 0 {
		c.Collab.InboxSize = 256
	}
	if c.Metrics.DBPath == "" {
		c.Metrics.DBPath = c.DBPath + ".metrics"
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
