package schema

import "time"

// ResourceLimits bounds one container run of an agent.
type ResourceLimits struct {
	MemoryMB       int     `json:"memory_mb,omitempty" yaml:"memory_mb,omitempty"`
	CPUs           float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Network        string  `json:"network,omitempty" yaml:"network,omitempty"` // docker network; "none" disables networking
}

// Timeout returns the agent-declared run timeout, zero when unset.
func (r ResourceLimits) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Agent is a catalog record: a containerized unit of work and its I/O contract.
type Agent struct {
	AgentID        string         `json:"agent_id" yaml:"agent_id"`
	DisplayName    string         `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Version        string         `json:"version,omitempty" yaml:"version,omitempty"`
	DockerImage    string         `json:"docker_image" yaml:"docker_image"`
	HealthEndpoint string         `json:"health_endpoint,omitempty" yaml:"health_endpoint,omitempty"`
	InputSchema    Value          `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	OutputSchema   Value          `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	ResourceLimits ResourceLimits `json:"resource_limits,omitempty" yaml:"resource_limits,omitempty"`
	Secrets        []string       `json:"secrets,omitempty" yaml:"secrets,omitempty"`
	Metadata       Value          `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at,omitzero" yaml:"-"`
	UpdatedAt      time.Time      `json:"updated_at,omitzero" yaml:"-"`
}
