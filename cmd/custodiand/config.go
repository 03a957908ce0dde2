package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nbd-wtf/custodian"
)

type Config struct {
	Listen string `yaml:"listen"`

	Identity struct {
		// Key is the secret key, as nsec or hex. Empty means the daemon
		// runs logged out and answers everything with "no private key
		// found" until configured.
		Key string `yaml:"key"`
	} `yaml:"identity"`

	Storage struct {
		Dir string `yaml:"dir"`
	} `yaml:"storage"`

	Relays map[string]custodian.RelayReadWrite `yaml:"relays"`

	History       bool `yaml:"history"`
	Notifications bool `yaml:"notifications"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Listen = "127.0.0.1:7656"
	cfg.History = true
	cfg.Notifications = true

	home, err := os.UserHomeDir()
	if err == nil {
		cfg.Storage.Dir = filepath.Join(home, ".config", "custodian")
	} else {
		cfg.Storage.Dir = "custodian-data"
	}
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, fmt.Errorf("failed to read config at %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("invalid config at %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg Config) badgerPath() string { return filepath.Join(cfg.Storage.Dir, "badger") }
func (cfg Config) sqlitePath() string { return filepath.Join(cfg.Storage.Dir, "history.db") }
