package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DefinitionStore holds the live set of pipeline definitions. New runs
// resolve definitions here; in-flight runs never do (they carry a snapshot),
// so a reload only affects runs started after it.
type DefinitionStore struct {
	mu          sync.RWMutex
	defs        map[string]*PipelineDefinition
	pipelineDir string
	knownChecks map[string]bool
}

// NewDefinitionStore creates a store seeded from cfg.
func NewDefinitionStore(cfg *Config, pipelineDir string, knownChecks map[string]bool) *DefinitionStore {
	return &DefinitionStore{
		defs:        cfg.Pipelines,
		pipelineDir: pipelineDir,
		knownChecks: knownChecks,
	}
}

// Get returns the definition with the given name.
func (s *DefinitionStore) Get(name string) (*PipelineDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPipelineNotFound, name)
	}
	return def, nil
}

// All returns every loaded definition.
func (s *DefinitionStore) All() []*PipelineDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PipelineDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d)
	}
	return out
}

// Triggered returns the definitions that have a trigger.
func (s *DefinitionStore) Triggered() []*PipelineDefinition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PipelineDefinition, 0, len(s.defs))
	for _, d := range s.defs {
		if !d.IsSubPipeline() {
			out = append(out, d)
		}
	}
	return out
}

// Reload re-reads the pipeline directory and atomically swaps the definition
// set. A reload that fails validation is rejected and the previous set stays
// live.
func (s *DefinitionStore) Reload() error {
	defs, err := LoadPipelineDir(s.pipelineDir)
	if err != nil {
		return err
	}
	candidate := &Config{System: DefaultSystemConfig(), Pipelines: defs}
	if err := NewValidator(candidate, s.knownChecks).ValidateAll(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	s.mu.Lock()
	s.defs = defs
	s.mu.Unlock()
	slog.Info("Pipeline definitions reloaded", "count", len(defs))
	return nil
}

// Watch reloads definitions when files in the pipeline directory change.
// Blocks until ctx is cancelled.
func (s *DefinitionStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(s.pipelineDir); err != nil {
		return fmt.Errorf("watching %s: %w", s.pipelineDir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				slog.Error("Pipeline reload rejected, keeping previous definitions",
					"trigger", ev.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Config watcher error", "error", err)
		}
	}
}
