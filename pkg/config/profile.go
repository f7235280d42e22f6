package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a YAML overlay applied on top of the environment-derived
// config. Profiles live in the directory named by GATE_PROFILE_DIR
// (default "profiles") as profile_<name>.yaml. Only the fields present in
// the file override the base config.
type Profile struct {
	Name   string `yaml:"name"`
	Sync   *syncOverlay
	Outbox *outboxOverlay
}

type syncOverlay struct {
	BatchSize            *int    `yaml:"batch_size"`
	ForwardWindowSeconds *int    `yaml:"forward_window_seconds"`
	OverlapSeconds       *int    `yaml:"overlap_seconds"`
	Strict               *bool   `yaml:"strict"`
	DiffMode             *string `yaml:"diff_mode"`
}

type outboxOverlay struct {
	BatchSize  *int `yaml:"batch_size"`
	MaxRetries *int `yaml:"max_retries"`
}

func applyProfile(cfg *Config, name string) error {
	dir := os.Getenv("GATE_PROFILE_DIR")
	if dir == "" {
		dir = "profiles"
	}
	name = strings.ToLower(strings.TrimSpace(name))
	path := filepath.Join(dir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path) //nolint:gosec // profile name is operator-supplied
	if err != nil {
		return fmt.Errorf("gate profile %q: %w", name, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("gate profile %q: %w", name, err)
	}

	if p.Sync != nil {
		if p.Sync.BatchSize != nil {
			cfg.Sync.BatchSize = *p.Sync.BatchSize
		}
		if p.Sync.ForwardWindowSeconds != nil {
			cfg.Sync.ForwardWindowSeconds = *p.Sync.ForwardWindowSeconds
		}
		if p.Sync.OverlapSeconds != nil {
			cfg.Sync.OverlapSeconds = *p.Sync.OverlapSeconds
		}
		if p.Sync.Strict != nil {
			cfg.Sync.Strict = *p.Sync.Strict
		}
		if p.Sync.DiffMode != nil {
			cfg.Sync.DiffMode = *p.Sync.DiffMode
		}
	}
	if p.Outbox != nil {
		if p.Outbox.BatchSize != nil {
			cfg.Outbox.BatchSize = *p.Outbox.BatchSize
		}
		if p.Outbox.MaxRetries != nil {
			cfg.Outbox.MaxRetries = *p.Outbox.MaxRetries
		}
	}
	return nil
}
