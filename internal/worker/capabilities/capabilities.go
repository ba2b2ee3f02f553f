// Package capabilities holds the worker's executable services. Each
// capability wraps an external compute agent behind an opaque
// execute(input) -> output call; the registry is declared in a yaml file
// so operators can reprice or repoint agents without a rebuild.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Descriptor is a capability's advertised identity and price.
type Descriptor struct {
	ServiceID   string `json:"service_id" yaml:"service_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	PriceWei    string `json:"price_wei" yaml:"price_wei"`
}

// Capability executes one service.
type Capability interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// Registry is the worker's named capability set.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: make(map[string]Capability)}
}

// Register adds a capability, replacing any previous one with the same
// service id.
func (r *Registry) Register(cap Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[cap.Descriptor().ServiceID] = cap
}

// Get returns the capability for a service id.
func (r *Registry) Get(serviceID string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cap, ok := r.caps[serviceID]
	return cap, ok
}

// Descriptors lists all registered capabilities, sorted by service id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.caps))
	for _, cap := range r.caps {
		out = append(out, cap.Descriptor())
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].ServiceID < out[b].ServiceID
	})
	return out
}

// AgentClient posts an input document to a compute agent.
type AgentClient interface {
	PostJSON(ctx context.Context, url string, payload interface{}, out interface{}) error
}

// agentCapability forwards execution to an external compute agent.
type agentCapability struct {
	descriptor Descriptor
	agentURL   string
	client     AgentClient
}

func (c *agentCapability) Descriptor() Descriptor {
	return c.descriptor
}

func (c *agentCapability) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var output json.RawMessage
	if err := c.client.PostJSON(ctx, c.agentURL, input, &output); err != nil {
		return nil, fmt.Errorf("agent call failed for %s: %w", c.descriptor.ServiceID, err)
	}
	return output, nil
}

// NewAgentCapability wraps an external compute agent endpoint.
func NewAgentCapability(descriptor Descriptor, agentURL string, client AgentClient) Capability {
	return &agentCapability{
		descriptor: descriptor,
		agentURL:   agentURL,
		client:     client,
	}
}

// registryFile is the yaml shape of the capability declaration.
type registryFile struct {
	Services []struct {
		Descriptor `yaml:",inline"`
		AgentURL   string `yaml:"agent_url"`
	} `yaml:"services"`
}

// LoadRegistry builds a registry from a yaml declaration file.
func LoadRegistry(path string, client AgentClient) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read capabilities file: %w", err)
	}

	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse capabilities file: %w", err)
	}
	if len(file.Services) == 0 {
		return nil, fmt.Errorf("capabilities file declares no services")
	}

	registry := NewRegistry()
	for _, entry := range file.Services {
		if entry.ServiceID == "" || entry.AgentURL == "" {
			return nil, fmt.Errorf("capability entry missing service_id or agent_url")
		}
		registry.Register(NewAgentCapability(entry.Descriptor, entry.AgentURL, client))
	}
	return registry, nil
}
