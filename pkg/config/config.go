// Package config loads and validates the squadron configuration directory:
// squadron.yaml for system settings and pipelines/*.yaml for pipeline
// definitions.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// CustomCheckConfig names a gate check implementation loaded at startup from
// a Go plugin. The exported symbol must implement the gate check interface.
type CustomCheckConfig struct {
	Name   string `yaml:"name"`
	Plugin string `yaml:"plugin"` // path to the .so file
	Symbol string `yaml:"symbol"`
}

// Config is the aggregate loaded configuration.
type Config struct {
	System       SystemConfig
	Pipelines    map[string]*PipelineDefinition
	CustomChecks []CustomCheckConfig
}

// systemFile mirrors the top-level squadron.yaml structure.
type systemFile struct {
	System       *SystemConfig       `yaml:"system"`
	CustomChecks []CustomCheckConfig `yaml:"custom_checks"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// knownChecks is the set of gate check names registered before load (built-in
// plus custom); unknown check references fail validation.
func Initialize(configDir string, knownChecks map[string]bool) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := NewValidator(cfg, knownChecks).ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	triggered := 0
	for _, def := range cfg.Pipelines {
		if !def.IsSubPipeline() {
			triggered++
		}
	}
	log.Info("Configuration initialized",
		"pipelines", len(cfg.Pipelines),
		"triggered", triggered,
		"sub_pipelines", len(cfg.Pipelines)-triggered)
	return cfg, nil
}

// Load reads the configuration directory without validating cross-references.
func Load(configDir string) (*Config, error) {
	cfg := &Config{
		System:    DefaultSystemConfig(),
		Pipelines: make(map[string]*PipelineDefinition),
	}

	sysPath := filepath.Join(configDir, "squadron.yaml")
	data, err := os.ReadFile(sysPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", sysPath, err)
		}
		slog.Warn("No squadron.yaml found, using defaults", "path", sysPath)
	} else {
		var sf systemFile
		if err := yaml.Unmarshal(ExpandEnv(data), &sf); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, sysPath, err)
		}
		if sf.System != nil {
			mergeSystem(&cfg.System, sf.System)
		}
		cfg.CustomChecks = sf.CustomChecks
	}

	defs, err := LoadPipelineDir(filepath.Join(configDir, "pipelines"))
	if err != nil {
		return nil, err
	}
	cfg.Pipelines = defs
	return cfg, nil
}

// LoadPipelineDir parses every *.yaml / *.yml file in dir, one pipeline
// definition per file.
func LoadPipelineDir(dir string) (map[string]*PipelineDefinition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*PipelineDefinition{}, nil
		}
		return nil, fmt.Errorf("reading pipeline dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := filepath.Ext(e.Name()); ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	defs := make(map[string]*PipelineDefinition, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		var def PipelineDefinition
		if err := yaml.Unmarshal(ExpandEnv(data), &def); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidYAML, path, err)
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if _, dup := defs[def.Name]; dup {
			return nil, NewValidationError("pipeline", def.Name, "", fmt.Errorf("defined in more than one file"))
		}
		defs[def.Name] = &def
	}
	return defs, nil
}

// mergeSystem overlays non-zero fields of src onto dst.
func mergeSystem(dst, src *SystemConfig) {
	if src.BotIdentity != "" {
		dst.BotIdentity = src.BotIdentity
	}
	if src.EscalationLabel != "" {
		dst.EscalationLabel = src.EscalationLabel
	}
	if src.MaintainersGroup != "" {
		dst.MaintainersGroup = src.MaintainersGroup
	}
	if len(src.Maintainers) > 0 {
		dst.Maintainers = src.Maintainers
	}
	if src.WorktreeRoot != "" {
		dst.WorktreeRoot = src.WorktreeRoot
	}
	if src.DashboardToken != "" {
		dst.DashboardToken = src.DashboardToken
	}
	if src.Retention > 0 {
		dst.Retention = src.Retention
	}
	if src.ReconcileInterval > 0 {
		dst.ReconcileInterval = src.ReconcileInterval
	}
	if src.Router.QueueSize > 0 {
		dst.Router.QueueSize = src.Router.QueueSize
	}
	if src.Router.Lanes > 0 {
		dst.Router.Lanes = src.Router.Lanes
	}
	if src.Forge.BaseURL != "" {
		dst.Forge.BaseURL = src.Forge.BaseURL
	}
	if src.Forge.TokenEnv != "" {
		dst.Forge.TokenEnv = src.Forge.TokenEnv
	}
	if src.Forge.Retry.InitialInterval > 0 {
		dst.Forge.Retry.InitialInterval = src.Forge.Retry.InitialInterval
	}
	if src.Forge.Retry.MaxInterval > 0 {
		dst.Forge.Retry.MaxInterval = src.Forge.Retry.MaxInterval
	}
	if src.Forge.Retry.MaxElapsedTime > 0 {
		dst.Forge.Retry.MaxElapsedTime = src.Forge.Retry.MaxElapsedTime
	}
	if src.Agents.MaxActive > 0 {
		dst.Agents.MaxActive = src.Agents.MaxActive
	}
	if src.Agents.GracePeriod > 0 {
		dst.Agents.GracePeriod = src.Agents.GracePeriod
	}
	if src.Agents.Roles != nil {
		dst.Agents.Roles = src.Agents.Roles
	}
}
