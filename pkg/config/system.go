package config

import "time"

// SystemConfig groups process-wide settings from squadron.yaml.
type SystemConfig struct {
	// BotIdentity is the forge login of the orchestrator itself. Events
	// sent by this identity are dropped by the router.
	BotIdentity string `yaml:"bot_identity"`

	// EscalationLabel is added to the PR/issue when a run escalates.
	EscalationLabel string `yaml:"escalation_label"`

	// MaintainersGroup is notified on escalation.
	MaintainersGroup string `yaml:"maintainers_group"`

	// Maintainers are the forge logins whose approvals, commands, and
	// comments carry maintainer weight in human stages and command checks.
	Maintainers []string `yaml:"maintainers"`

	// WorktreeRoot holds one working-copy subdirectory per active
	// persistent agent.
	WorktreeRoot string `yaml:"worktree_root"`

	// DashboardToken guards the dashboard API. Empty means open endpoints.
	DashboardToken string `yaml:"dashboard_token"`

	Router RouterConfig `yaml:"router"`
	Forge  ForgeConfig  `yaml:"forge"`
	Agents AgentsConfig `yaml:"agents"`

	// Retention is how long transient activity rows of terminal runs are
	// kept before the reconciler purges them.
	Retention Duration `yaml:"retention"`

	// ReconcileInterval is the periodic reconciliation sweep interval.
	ReconcileInterval Duration `yaml:"reconcile_interval"`
}

// RouterConfig controls the event router's queue and lane fan-out.
type RouterConfig struct {
	// QueueSize bounds the inbound event queue per lane. Emit returns a
	// retryable error when a lane is full.
	QueueSize int `yaml:"queue_size"`

	// Lanes is the number of ordered worker lanes. Events sharing an
	// ordering key always hash to the same lane.
	Lanes int `yaml:"lanes"`
}

// ForgeConfig carries forge client settings, including the retry curve for
// transient API failures (bounded exponential with jitter).
type ForgeConfig struct {
	BaseURL  string `yaml:"base_url"`
	TokenEnv string `yaml:"token_env,omitempty"` // defaults to FORGE_TOKEN

	Retry ForgeRetryConfig `yaml:"retry"`
}

// ForgeRetryConfig exposes the backoff parameters in configuration.
type ForgeRetryConfig struct {
	InitialInterval Duration `yaml:"initial_interval"`
	MaxInterval     Duration `yaml:"max_interval"`
	MaxElapsedTime  Duration `yaml:"max_elapsed_time"`
}

// AgentsConfig groups lifecycle-manager settings.
type AgentsConfig struct {
	// MaxActive caps concurrently ACTIVE agents process-wide.
	MaxActive int `yaml:"max_active"`

	// GracePeriod is how long a cancelled agent gets for cooperative
	// shutdown before it is forcibly terminated.
	GracePeriod Duration `yaml:"grace_period"`

	// Roles maps role name to its circuit-breaker limit set.
	Roles map[string]RoleConfig `yaml:"roles"`
}

// AgentLifecycle tags an agent role as ephemeral or persistent.
type AgentLifecycle string

// Agent lifecycles.
const (
	LifecycleEphemeral  AgentLifecycle = "ephemeral"
	LifecyclePersistent AgentLifecycle = "persistent"
)

// RoleConfig is the per-role circuit-breaker limit set.
type RoleConfig struct {
	MaxActiveDuration Duration       `yaml:"max_active_duration"`
	MaxIterations     int            `yaml:"max_iterations"`
	MaxToolCalls      int            `yaml:"max_tool_calls"`
	MaxTurns          int            `yaml:"max_turns"`
	Singleton         bool           `yaml:"singleton"`
	Lifecycle         AgentLifecycle `yaml:"lifecycle"`
}

// DefaultSystemConfig returns the built-in defaults, overridden by YAML.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		EscalationLabel:   "needs-human",
		MaintainersGroup:  "maintainers",
		WorktreeRoot:      "./worktrees",
		Retention:         Duration(24 * time.Hour),
		ReconcileInterval: Duration(5 * time.Minute),
		Router: RouterConfig{
			QueueSize: 256,
			Lanes:     8,
		},
		Forge: ForgeConfig{
			TokenEnv: "FORGE_TOKEN",
			Retry: ForgeRetryConfig{
				InitialInterval: Duration(500 * time.Millisecond),
				MaxInterval:     Duration(30 * time.Second),
				MaxElapsedTime:  Duration(2 * time.Minute),
			},
		},
		Agents: AgentsConfig{
			MaxActive:   5,
			GracePeriod: Duration(30 * time.Second),
		},
	}
}

// DefaultRoleConfig is applied for roles not declared in configuration.
func DefaultRoleConfig() RoleConfig {
	return RoleConfig{
		MaxActiveDuration: Duration(30 * time.Minute),
		MaxIterations:     10,
		MaxToolCalls:      200,
		MaxTurns:          100,
		Lifecycle:         LifecyclePersistent,
	}
}

// Role returns the configured limits for role, falling back to defaults.
func (a AgentsConfig) Role(role string) RoleConfig {
	if rc, ok := a.Roles[role]; ok {
		if rc.Lifecycle == "" {
			rc.Lifecycle = LifecyclePersistent
		}
		return rc
	}
	return DefaultRoleConfig()
}
