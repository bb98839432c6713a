package catalog

import (
	"context"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/agentpipe/pkg/schema"
)

// StaticCatalog serves a fixed set of agents, typically loaded from a file.
type StaticCatalog struct {
	mu     sync.RWMutex
	agents map[string]*schema.Agent
}

// NewStaticCatalog creates a catalog holding agents. Later duplicates win.
func NewStaticCatalog(agents ...*schema.Agent) *StaticCatalog {
	c := &StaticCatalog{agents: make(map[string]*schema.Agent, len(agents))}
	for _, a := range agents {
		if a != nil {
			c.agents[a.AgentID] = a
		}
	}
	return c
}

// catalogFile is the on-disk layout: either a bare list or {agents: [...]}.
type catalogFile struct {
	Agents []*schema.Agent `yaml:"agents"`
}

// LoadStaticCatalog reads a YAML or JSON catalog file and validates every agent.
func LoadStaticCatalog(path string) (*StaticCatalog, error) {
	agents, err := LoadAgents(path)
	if err != nil {
		return nil, err
	}
	return NewStaticCatalog(agents...), nil
}

// LoadAgents reads agent records from a YAML or JSON file holding either a
// list or {agents: [...]}, and validates each one.
func LoadAgents(path string) ([]*schema.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read catalog file: %s", err.Error()).WithCause(err)
	}
	agents, err := parseCatalog(data)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if err := ValidateAgent(a, nil); err != nil {
			return nil, err
		}
	}
	return agents, nil
}

func parseCatalog(data []byte) ([]*schema.Agent, error) {
	var list []*schema.Agent
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse catalog file: %s", err.Error()).WithCause(err)
	}
	return file.Agents, nil
}

func (c *StaticCatalog) GetAgent(_ context.Context, agentID string) (*schema.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.agents[agentID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent %q not found", agentID)
	}
	cp := *a
	return &cp, nil
}

// Put adds or replaces an agent.
func (c *StaticCatalog) Put(agent *schema.Agent) {
	c.mu.Lock()
	c.agents[agent.AgentID] = agent
	c.mu.Unlock()
}
