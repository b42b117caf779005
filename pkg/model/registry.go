// Copyright 2025 The Nestor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"fmt"
	"strings"

	"github.com/nestor-ai/nestor/pkg/registry"
)

// Factory builds an LLM for a model name. Providers register one per
// provider family.
type Factory func(modelName string) (LLM, error)

// Registry resolves model names to LLM clients. Explicit registrations
// win; otherwise the provider is detected from the model name prefix and
// its factory is used.
type Registry struct {
	models    *registry.BaseRegistry[LLM]
	factories *registry.BaseRegistry[Factory]
}

// NewRegistry creates an empty model registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    registry.NewBaseRegistry[LLM](),
		factories: registry.NewBaseRegistry[Factory](),
	}
}

// Register adds a concrete LLM under its model name.
func (r *Registry) Register(llm LLM) error {
	if llm == nil {
		return fmt.Errorf("llm cannot be nil")
	}
	return r.models.Register(llm.Name(), llm)
}

// RegisterFactory adds a provider factory.
func (r *Registry) RegisterFactory(provider Provider, factory Factory) error {
	if factory == nil {
		return fmt.Errorf("factory cannot be nil")
	}
	return r.factories.Register(string(provider), factory)
}

// Resolve finds or builds an LLM for the model name.
func (r *Registry) Resolve(modelName string) (LLM, error) {
	if modelName == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}
	if llm, ok := r.models.Get(modelName); ok {
		return llm, nil
	}

	provider := DetectProvider(modelName)
	factory, ok := r.factories.Get(string(provider))
	if !ok {
		return nil, fmt.Errorf("no provider registered for model '%s' (detected %s)", modelName, provider)
	}

	llm, err := factory(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to create model '%s': %w", modelName, err)
	}
	// Best effort cache; a concurrent Resolve may have won the race.
	_ = r.models.Register(modelName, llm)
	return llm, nil
}

// DetectProvider infers the provider family from a model name.
func DetectProvider(modelName string) Provider {
	name := strings.ToLower(modelName)
	switch {
	case strings.HasPrefix(name, "gpt-"),
		strings.HasPrefix(name, "o1"),
		strings.HasPrefix(name, "o3"),
		strings.HasPrefix(name, "o4"),
		strings.HasPrefix(name, "text-embedding"):
		return ProviderOpenAI
	case strings.HasPrefix(name, "claude-"):
		return ProviderAnthropic
	case strings.HasPrefix(name, "gemini-"), strings.HasPrefix(name, "models/gemini"):
		return ProviderGemini
	default:
		return ProviderOllama
	}
}
