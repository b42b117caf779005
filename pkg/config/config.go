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

// Package config loads the runtime configuration from YAML and builds
// the wired runtime from it.
//
// Values support `${VAR}` and `${VAR:-default}` environment expansion;
// `.env` files are loaded first. Provider-specific option maps are
// decoded with mapstructure so each backend keeps its own config shape.
package config

import (
	"fmt"
	"time"

	"github.com/nestor-ai/nestor/pkg/observability"
)

// Config is the root configuration document.
type Config struct {
	// AppName scopes sessions, artifacts and memory.
	AppName string `yaml:"app_name"`

	Logger LoggerConfig `yaml:"logger"`

	// LLMs maps a handle to a model client definition. Agents reference
	// handles, not model names.
	LLMs map[string]*LLMConfig `yaml:"llms"`

	// Embedders maps a handle to an embedder definition.
	Embedders map[string]*EmbedderConfig `yaml:"embedders"`

	VectorStore *VectorStoreConfig `yaml:"vector_store"`
	Sessions    SessionConfig      `yaml:"sessions"`
	Artifacts   ArtifactConfig     `yaml:"artifacts"`
	Memory      *MemoryConfig      `yaml:"memory"`
	Compaction  *CompactionConfig  `yaml:"compaction"`

	Observability ObservabilityConfig `yaml:"observability"`

	// Agents declares the tree; RootAgent names its root.
	Agents    []*AgentConfig `yaml:"agents"`
	RootAgent string         `yaml:"root_agent"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LoggerConfig configures the slog setup.
type LoggerConfig struct {
	// Level is debug, info, warn or error. Default info.
	Level string `yaml:"level"`

	// Format is "simple" or "verbose".
	Format string `yaml:"format"`
}

// LLMConfig defines one model client.
type LLMConfig struct {
	// Provider is openai, anthropic, gemini or ollama. Empty detects
	// from the model name.
	Provider string `yaml:"provider"`

	Model   string `yaml:"model"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`

	Timeout time.Duration `yaml:"timeout"`

	// MaxTokens is the anthropic max_tokens cap.
	MaxTokens int `yaml:"max_tokens"`
}

// EmbedderConfig defines one embedder.
type EmbedderConfig struct {
	// Provider is openai or ollama.
	Provider string `yaml:"provider"`

	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
}

// VectorStoreConfig selects a vector provider. Options hold the
// provider-specific settings and are decoded per backend.
type VectorStoreConfig struct {
	// Provider is memory, chromem, qdrant or pinecone.
	Provider string `yaml:"provider"`

	Options map[string]any `yaml:"options"`
}

// SessionConfig selects the session backend.
type SessionConfig struct {
	// Backend is "memory" (default) or "sql".
	Backend string `yaml:"backend"`

	// DSN for the sql backend, e.g. "sqlite://nestor.db",
	// "postgres://...", "mysql://...".
	DSN string `yaml:"dsn"`
}

// ArtifactConfig selects the artifact backend.
type ArtifactConfig struct {
	// Backend is "memory" (default) or "filesystem".
	Backend string `yaml:"backend"`

	// Dir is the filesystem backend's root directory.
	Dir string `yaml:"dir"`
}

// MemoryConfig configures cross-session memory.
type MemoryConfig struct {
	Enabled bool `yaml:"enabled"`

	// Mode is vector, keyword or hybrid.
	Mode string `yaml:"mode"`

	Collection string `yaml:"collection"`

	// Embedder and LLM are handles into the top-level maps. LLM powers
	// the capture summarizer; empty stores per-event records.
	Embedder string `yaml:"embedder"`
	LLM      string `yaml:"llm"`

	// TriggerEveryN captures every N conversational events.
	TriggerEveryN int `yaml:"trigger_every_n"`
}

// CompactionConfig configures history compaction.
type CompactionConfig struct {
	Enabled bool `yaml:"enabled"`

	Interval int `yaml:"interval"`
	Overlap  int `yaml:"overlap"`

	// LLM is the summarizer model handle (required when enabled).
	LLM string `yaml:"llm"`

	MaxInputTokens int    `yaml:"max_input_tokens"`
	Encoding       string `yaml:"encoding"`
}

// ObservabilityConfig groups tracing and metrics.
type ObservabilityConfig struct {
	Tracing observability.TracerConfig  `yaml:"tracing"`
	Metrics observability.MetricsConfig `yaml:"metrics"`
}

// AgentConfig declares one agent in the tree.
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Type is llm (default), sequential, parallel or loop.
	Type string `yaml:"type"`

	// LLM is a handle into the llms map (llm agents only).
	LLM string `yaml:"llm"`

	Instruction       string `yaml:"instruction"`
	GlobalInstruction string `yaml:"global_instruction"`

	OutputKey string `yaml:"output_key"`

	// OutputSchema enforces structured JSON output.
	OutputSchema map[string]any `yaml:"output_schema"`

	// Tools names built-in tools: exit_loop, escalate, transfer_to_agent,
	// recall_memory, preload_memory, list_artifacts, load_artifact,
	// session_details.
	Tools []string `yaml:"tools"`

	// SubAgents are names of other declared agents.
	SubAgents []string `yaml:"sub_agents"`

	DisallowTransferToParent bool `yaml:"disallow_transfer_to_parent"`
	DisallowTransferToPeers  bool `yaml:"disallow_transfer_to_peers"`

	MaxIterations int           `yaml:"max_iterations"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	Streaming     bool          `yaml:"streaming"`

	// OnError is the parallel agent's failure policy: cancel or continue.
	OnError string `yaml:"on_error"`

	// MaxLoops caps loop agent iterations.
	MaxLoops int `yaml:"max_loops"`
}

// SchedulerConfig declares recurring jobs.
type SchedulerConfig struct {
	Jobs []JobConfig `yaml:"jobs"`
}

// JobConfig declares one recurring invocation.
type JobConfig struct {
	ID            string        `yaml:"id"`
	Interval      time.Duration `yaml:"interval"`
	UserID        string        `yaml:"user_id"`
	SessionID     string        `yaml:"session_id"`
	Input         string        `yaml:"input"`
	MaxExecutions int           `yaml:"max_executions"`
	Enabled       bool          `yaml:"enabled"`
}

// Validate checks cross-references and required fields.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("config: app_name is required")
	}
	if len(c.Agents) == 0 {
		return fmt.Errorf("config: at least one agent is required")
	}

	names := make(map[string]*AgentConfig, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("config: agent without a name")
		}
		if _, dup := names[a.Name]; dup {
			return fmt.Errorf("config: duplicate agent name '%s'", a.Name)
		}
		names[a.Name] = a
	}

	root := c.RootAgent
	if root == "" && len(c.Agents) == 1 {
		root = c.Agents[0].Name
	}
	if _, ok := names[root]; !ok {
		return fmt.Errorf("config: root_agent '%s' is not a declared agent", c.RootAgent)
	}

	for _, a := range c.Agents {
		switch a.Type {
		case "", "llm":
			if a.LLM == "" {
				return fmt.Errorf("config: agent '%s' needs an llm handle", a.Name)
			}
			if _, ok := c.LLMs[a.LLM]; !ok {
				return fmt.Errorf("config: agent '%s' references unknown llm '%s'", a.Name, a.LLM)
			}
		case "sequential", "parallel", "loop":
			if len(a.SubAgents) == 0 {
				return fmt.Errorf("config: %s agent '%s' needs sub_agents", a.Type, a.Name)
			}
		default:
			return fmt.Errorf("config: agent '%s' has unknown type '%s'", a.Name, a.Type)
		}
		for _, sub := range a.SubAgents {
			if _, ok := names[sub]; !ok {
				return fmt.Errorf("config: agent '%s' references unknown sub-agent '%s'", a.Name, sub)
			}
		}
	}

	if c.Memory != nil && c.Memory.Enabled {
		if c.Memory.Mode != "keyword" {
			if c.Memory.Embedder == "" {
				return fmt.Errorf("config: memory in mode '%s' needs an embedder", c.Memory.Mode)
			}
			if _, ok := c.Embedders[c.Memory.Embedder]; !ok {
				return fmt.Errorf("config: memory references unknown embedder '%s'", c.Memory.Embedder)
			}
			if c.VectorStore == nil {
				return fmt.Errorf("config: memory in mode '%s' needs a vector_store", c.Memory.Mode)
			}
		}
		if c.Memory.LLM != "" {
			if _, ok := c.LLMs[c.Memory.LLM]; !ok {
				return fmt.Errorf("config: memory references unknown llm '%s'", c.Memory.LLM)
			}
		}
	}
	if c.Compaction != nil && c.Compaction.Enabled {
		if c.Compaction.LLM == "" {
			return fmt.Errorf("config: compaction needs an llm handle")
		}
		if _, ok := c.LLMs[c.Compaction.LLM]; !ok {
			return fmt.Errorf("config: compaction references unknown llm '%s'", c.Compaction.LLM)
		}
	}

	for _, job := range c.Scheduler.Jobs {
		if job.ID == "" {
			return fmt.Errorf("config: scheduler job without an id")
		}
		if job.Interval <= 0 {
			return fmt.Errorf("config: scheduler job '%s' needs a positive interval", job.ID)
		}
	}
	return nil
}

// setDefaults fills unset fields after decoding.
func (c *Config) setDefaults() {
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "simple"
	}
	if c.Sessions.Backend == "" {
		c.Sessions.Backend = "memory"
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "memory"
	}
	if c.RootAgent == "" && len(c.Agents) == 1 {
		c.RootAgent = c.Agents[0].Name
	}
	if c.Memory != nil && c.Memory.Mode == "" {
		c.Memory.Mode = "vector"
	}
}
