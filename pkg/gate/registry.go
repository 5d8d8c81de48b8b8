package gate

import (
	"fmt"
	"plugin"
	"sort"

	"github.com/squadron-hq/squadron/pkg/config"
	"github.com/squadron-hq/squadron/pkg/models"
)

// Registry holds the known check types. Built once at startup, read-only
// afterwards.
type Registry struct {
	checks map[string]Check
}

// NewRegistry creates a registry seeded with the built-in checks.
func NewRegistry() *Registry {
	r := &Registry{checks: make(map[string]Check)}
	for _, c := range builtinChecks() {
		// Built-ins have unique names; a collision is a programming error.
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
	return r
}

// Register adds a check type. Duplicate names are a configuration error
// caught at startup.
func (r *Registry) Register(c Check) error {
	if _, exists := r.checks[c.Name()]; exists {
		return fmt.Errorf("duplicate gate check type %q", c.Name())
	}
	r.checks[c.Name()] = c
	return nil
}

// Get returns the check for a condition type.
func (r *Registry) Get(name string) (Check, bool) {
	c, ok := r.checks[name]
	return c, ok
}

// KnownTypes returns the set of registered names, in the shape the pipeline
// validator consumes.
func (r *Registry) KnownTypes() map[string]bool {
	out := make(map[string]bool, len(r.checks))
	for name := range r.checks {
		out[name] = true
	}
	return out
}

// Names returns the registered check names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.checks))
	for name := range r.checks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ReactiveEventIndex maps each event type to the check names it can affect,
// so the router knows which events warrant gate re-evaluation.
func (r *Registry) ReactiveEventIndex() map[models.EventType][]string {
	idx := make(map[models.EventType][]string)
	for name, c := range r.checks {
		for _, ev := range c.ReactiveEvents() {
			idx[ev] = append(idx[ev], name)
		}
	}
	return idx
}

// LoadPlugins opens each configured plugin and registers the Check it
// exports. The plugin's Symbol must be a variable or function of type Check.
func (r *Registry) LoadPlugins(plugins []config.CustomCheckConfig) error {
	for _, pc := range plugins {
		p, err := plugin.Open(pc.Plugin)
		if err != nil {
			return fmt.Errorf("failed to open check plugin %q: %w", pc.Name, err)
		}
		sym, err := p.Lookup(pc.Symbol)
		if err != nil {
			return fmt.Errorf("failed to find symbol %q in plugin %q: %w", pc.Symbol, pc.Name, err)
		}

		var check Check
		switch v := sym.(type) {
		case Check:
			check = v
		case *Check:
			check = *v
		case func() Check:
			check = v()
		default:
			return fmt.Errorf("plugin %q symbol %q is %T, not a gate check", pc.Name, pc.Symbol, sym)
		}
		if check.Name() != pc.Name {
			return fmt.Errorf("plugin %q exports check named %q", pc.Name, check.Name())
		}
		if err := r.Register(check); err != nil {
			return err
		}
	}
	return nil
}
