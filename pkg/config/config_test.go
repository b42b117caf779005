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

package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
)

const minimalYAML = `
app_name: demo
llms:
  main:
    provider: openai
    model: gpt-4o
agents:
  - name: assistant
    llm: main
    instruction: You are helpful.
`

func TestParseMinimalConfig(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.AppName)
	require.Contains(t, cfg.LLMs, "main")
	assert.Equal(t, "gpt-4o", cfg.LLMs["main"].Model)
	require.Len(t, cfg.Agents, 1)
	assert.Equal(t, "You are helpful.", cfg.Agents[0].Instruction)
}

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := config.Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, "simple", cfg.Logger.Format)
	assert.Equal(t, "memory", cfg.Sessions.Backend)
	assert.Equal(t, "memory", cfg.Artifacts.Backend)
	assert.Equal(t, "assistant", cfg.RootAgent,
		"a single agent becomes the root implicitly")
}

func TestParseDurationStrings(t *testing.T) {
	cfg, err := config.Parse([]byte(`
app_name: demo
llms:
  main:
    model: gpt-4o
    timeout: 90s
agents:
  - name: assistant
    llm: main
    tool_timeout: 2m
scheduler:
  jobs:
    - id: nightly
      interval: 12h
      input: run the report
`))
	require.NoError(t, err)

	assert.Equal(t, 90*time.Second, cfg.LLMs["main"].Timeout)
	assert.Equal(t, 2*time.Minute, cfg.Agents[0].ToolTimeout)
	require.Len(t, cfg.Scheduler.Jobs, 1)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.Jobs[0].Interval)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("NESTOR_TEST_KEY", "sk-secret")
	t.Setenv("NESTOR_TEST_MODEL", "gpt-4o-mini")

	cfg, err := config.Parse([]byte(`
app_name: ${NESTOR_TEST_APP:-demo}
llms:
  main:
    model: $NESTOR_TEST_MODEL
    api_key: ${NESTOR_TEST_KEY}
    base_url: ${NESTOR_TEST_URL:-https://api.openai.com/v1}
agents:
  - name: assistant
    llm: main
`))
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.AppName, "unset var falls back to the default")
	assert.Equal(t, "gpt-4o-mini", cfg.LLMs["main"].Model)
	assert.Equal(t, "sk-secret", cfg.LLMs["main"].APIKey)
	assert.Equal(t, "https://api.openai.com/v1", cfg.LLMs["main"].BaseURL)
}

func TestParseAgentTree(t *testing.T) {
	cfg, err := config.Parse([]byte(`
app_name: demo
root_agent: pipeline
llms:
  main:
    model: gpt-4o
agents:
  - name: pipeline
    type: sequential
    sub_agents: [research, write]
  - name: research
    llm: main
  - name: write
    llm: main
    output_key: draft
`))
	require.NoError(t, err)

	assert.Equal(t, "pipeline", cfg.RootAgent)
	assert.Equal(t, []string{"research", "write"}, cfg.Agents[0].SubAgents)
	assert.Equal(t, "draft", cfg.Agents[2].OutputKey)
}

func TestParseRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing app name",
			yaml:    "llms: {main: {model: gpt-4o}}\nagents: [{name: a, llm: main}]",
			wantErr: "app_name is required",
		},
		{
			name:    "no agents",
			yaml:    "app_name: demo",
			wantErr: "at least one agent",
		},
		{
			name: "duplicate agent names",
			yaml: `
app_name: demo
llms: {main: {model: gpt-4o}}
agents:
  - {name: a, llm: main}
  - {name: a, llm: main}
`,
			wantErr: "duplicate agent name 'a'",
		},
		{
			name: "unknown root agent",
			yaml: `
app_name: demo
root_agent: ghost
llms: {main: {model: gpt-4o}}
agents:
  - {name: a, llm: main}
  - {name: b, llm: main}
`,
			wantErr: "root_agent 'ghost'",
		},
		{
			name:    "llm agent without handle",
			yaml:    "app_name: demo\nagents: [{name: a}]",
			wantErr: "needs an llm handle",
		},
		{
			name:    "unknown llm handle",
			yaml:    "app_name: demo\nagents: [{name: a, llm: ghost}]",
			wantErr: "unknown llm 'ghost'",
		},
		{
			name:    "workflow agent without sub-agents",
			yaml:    "app_name: demo\nagents: [{name: a, type: sequential}]",
			wantErr: "needs sub_agents",
		},
		{
			name:    "unknown agent type",
			yaml:    "app_name: demo\nagents: [{name: a, type: recursive}]",
			wantErr: "unknown type 'recursive'",
		},
		{
			name: "unknown sub-agent",
			yaml: `
app_name: demo
agents:
  - {name: a, type: loop, sub_agents: [ghost]}
`,
			wantErr: "unknown sub-agent 'ghost'",
		},
		{
			name: "vector memory without embedder",
			yaml: `
app_name: demo
llms: {main: {model: gpt-4o}}
agents: [{name: a, llm: main}]
memory:
  enabled: true
  mode: vector
`,
			wantErr: "needs an embedder",
		},
		{
			name: "compaction without llm",
			yaml: `
app_name: demo
llms: {main: {model: gpt-4o}}
agents: [{name: a, llm: main}]
compaction:
  enabled: true
  interval: 20
`,
			wantErr: "compaction needs an llm handle",
		},
		{
			name: "scheduler job without interval",
			yaml: `
app_name: demo
llms: {main: {model: gpt-4o}}
agents: [{name: a, llm: main}]
scheduler:
  jobs:
    - id: nightly
      input: go
`,
			wantErr: "positive interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseKeywordMemoryNeedsNoEmbedder(t *testing.T) {
	cfg, err := config.Parse([]byte(`
app_name: demo
llms: {main: {model: gpt-4o}}
agents: [{name: a, llm: main}]
memory:
  enabled: true
  mode: keyword
  trigger_every_n: 10
`))
	require.NoError(t, err)
	require.NotNil(t, cfg.Memory)
	assert.Equal(t, 10, cfg.Memory.TriggerEveryN)
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := config.Parse([]byte("app_name: [unclosed"))
	require.Error(t, err)
}
