// Package catalog holds the immutable model registry. Profiles are loaded
// once at startup; after New returns, the catalog is never mutated, so all
// reads are safe without synchronization.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/infergate/infergate/internal/domain"
)

type Catalog struct {
	profiles map[string]domain.ModelProfile
	order    []string
}

// New builds a catalog from the given profiles. The first profile becomes
// the default model. Duplicate or empty ids are a startup error.
func New(profiles []domain.ModelProfile) (*Catalog, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("catalog: no model profiles")
	}

	c := &Catalog{
		profiles: make(map[string]domain.ModelProfile, len(profiles)),
		order:    make([]string, 0, len(profiles)),
	}

	for _, p := range profiles {
		if p.ID == "" {
			return nil, fmt.Errorf("catalog: profile with empty id")
		}
		if p.Provider == "" {
			return nil, fmt.Errorf("catalog: profile %s has no provider", p.ID)
		}
		if _, exists := c.profiles[p.ID]; exists {
			return nil, fmt.Errorf("catalog: duplicate profile id %s", p.ID)
		}
		c.profiles[p.ID] = p
		c.order = append(c.order, p.ID)
	}

	return c, nil
}

// LoadFile reads model profiles from a JSON file.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var profiles []domain.ModelProfile
	if err := json.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}

	return New(profiles)
}

// Get returns the profile for id, or false when the id is unknown.
func (c *Catalog) Get(id string) (domain.ModelProfile, bool) {
	p, ok := c.profiles[id]
	return p, ok
}

// List returns all profiles in registration order.
func (c *Catalog) List() []domain.ModelProfile {
	out := make([]domain.ModelProfile, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.profiles[id])
	}
	return out
}

// Default returns the first registered profile.
func (c *Catalog) Default() domain.ModelProfile {
	return c.profiles[c.order[0]]
}

// Defaults is the built-in model set used when no catalog file is
// configured. Prices are USD per million tokens.
func Defaults() []domain.ModelProfile {
	return []domain.ModelProfile{
		{
			ID:               "llama-3.3-70b",
			Provider:         "groq",
			BackendModelName: "llama-3.3-70b-versatile",
			Pricing:          domain.Pricing{InputPerMillion: 0.59, OutputPerMillion: 0.79},
			Features:         domain.Features{Streaming: true, FunctionCalling: true},
			LatencyClass:     "fast",
			ContextWindow:    131072,
		},
		{
			ID:               "llama-3.1-8b",
			Provider:         "groq",
			BackendModelName: "llama-3.1-8b-instant",
			Pricing:          domain.Pricing{InputPerMillion: 0.05, OutputPerMillion: 0.08},
			Features:         domain.Features{Streaming: true, FunctionCalling: true},
			LatencyClass:     "fast",
			ContextWindow:    131072,
		},
		{
			ID:               "qwen-72b",
			Provider:         "together",
			BackendModelName: "Qwen/Qwen2.5-72B-Instruct-Turbo",
			Pricing:          domain.Pricing{InputPerMillion: 1.20, OutputPerMillion: 1.20},
			Features:         domain.Features{Streaming: true},
			LatencyClass:     "standard",
			ContextWindow:    32768,
		},
		{
			ID:               "deepseek-v3",
			Provider:         "together",
			BackendModelName: "deepseek-ai/DeepSeek-V3",
			Pricing:          domain.Pricing{InputPerMillion: 1.25, OutputPerMillion: 1.25},
			Features:         domain.Features{Streaming: true},
			LatencyClass:     "standard",
			ContextWindow:    131072,
		},
		{
			ID:               "claude-sonnet",
			Provider:         "bedrock",
			BackendModelName: "anthropic.claude-3-5-sonnet-20241022-v2:0",
			Pricing:          domain.Pricing{InputPerMillion: 3.00, OutputPerMillion: 15.00},
			Features:         domain.Features{Streaming: true, FunctionCalling: true, Vision: true},
			LatencyClass:     "premium",
			ContextWindow:    200000,
		},
		{
			ID:               "claude-haiku",
			Provider:         "bedrock",
			BackendModelName: "anthropic.claude-3-5-haiku-20241022-v1:0",
			Pricing:          domain.Pricing{InputPerMillion: 0.80, OutputPerMillion: 4.00},
			Features:         domain.Features{Streaming: true, FunctionCalling: true},
			LatencyClass:     "premium",
			ContextWindow:    200000,
		},
		{
			ID:               "local-llama",
			Provider:         "ollama",
			BackendModelName: "llama3.1",
			Pricing:          domain.Pricing{},
			Features:         domain.Features{Streaming: true},
			LatencyClass:     "local",
			ContextWindow:    8192,
		},
	}
}
