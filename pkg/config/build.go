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

package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/agent/llmagent"
	"github.com/nestor-ai/nestor/pkg/agent/workflowagent"
	"github.com/nestor-ai/nestor/pkg/artifact"
	"github.com/nestor-ai/nestor/pkg/compaction"
	"github.com/nestor-ai/nestor/pkg/embedder"
	"github.com/nestor-ai/nestor/pkg/logger"
	"github.com/nestor-ai/nestor/pkg/memory"
	"github.com/nestor-ai/nestor/pkg/model"
	"github.com/nestor-ai/nestor/pkg/model/providers"
	"github.com/nestor-ai/nestor/pkg/observability"
	"github.com/nestor-ai/nestor/pkg/plugin"
	"github.com/nestor-ai/nestor/pkg/runner"
	"github.com/nestor-ai/nestor/pkg/scheduler"
	"github.com/nestor-ai/nestor/pkg/session"
	"github.com/nestor-ai/nestor/pkg/tool"
	"github.com/nestor-ai/nestor/pkg/tool/artifacttool"
	"github.com/nestor-ai/nestor/pkg/tool/controltool"
	"github.com/nestor-ai/nestor/pkg/tool/memorytool"
	"github.com/nestor-ai/nestor/pkg/tool/sessiontool"
	"github.com/nestor-ai/nestor/pkg/vector"
)

// Runtime is the fully wired system built from one Config.
type Runtime struct {
	Config    *Config
	Runner    *runner.Runner
	Sessions  session.Service
	Artifacts artifact.Service
	Memory    *memory.Service
	Compactor *compaction.Engine
	Scheduler *scheduler.Scheduler
	Models    *model.Registry
	Recorder  *observability.Recorder

	shutdownTracer func(context.Context) error
}

// Build wires the runtime: logger, telemetry, models, storage, memory,
// compaction, the agent tree, the runner and scheduled jobs.
func Build(ctx context.Context, cfg *Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Init(parseLevel(cfg.Logger.Level), os.Stderr, cfg.Logger.Format)

	rt := &Runtime{Config: cfg}

	rt.Recorder = observability.NewRecorder(0)
	_, shutdownTracer, err := observability.InitTracer(ctx, cfg.Observability.Tracing, rt.Recorder)
	if err != nil {
		return nil, err
	}
	rt.shutdownTracer = shutdownTracer
	metrics, err := observability.InitMetrics(ctx, cfg.Observability.Metrics)
	if err != nil {
		return nil, err
	}
	observability.SetGlobalMetrics(metrics)

	llms, err := buildLLMs(cfg)
	if err != nil {
		return nil, err
	}
	rt.Models = model.NewRegistry()
	for _, llm := range llms {
		if err := rt.Models.Register(llm); err != nil {
			slog.Debug("model already registered", "model", llm.Name())
		}
	}

	embedders, err := buildEmbedders(cfg)
	if err != nil {
		return nil, err
	}

	var vectorStore vector.Provider
	if cfg.VectorStore != nil {
		vectorStore, err = buildVectorStore(cfg.VectorStore)
		if err != nil {
			return nil, err
		}
	}

	rt.Sessions, err = buildSessions(cfg.Sessions)
	if err != nil {
		return nil, err
	}
	rt.Artifacts, err = buildArtifacts(cfg.Artifacts)
	if err != nil {
		return nil, err
	}

	if cfg.Memory != nil && cfg.Memory.Enabled {
		rt.Memory, err = buildMemory(cfg, llms, embedders, vectorStore)
		if err != nil {
			return nil, err
		}
		rt.Memory.AttachTo(rt.Sessions)
	}

	if cfg.Compaction != nil && cfg.Compaction.Enabled {
		rt.Compactor, err = buildCompaction(cfg.Compaction, llms)
		if err != nil {
			return nil, err
		}
		rt.Compactor.AttachTo(rt.Sessions)
	}

	pipeline, err := plugin.NewPipeline()
	if err != nil {
		return nil, err
	}

	root, err := buildAgentTree(cfg, llms, pipeline, rt.Sessions)
	if err != nil {
		return nil, err
	}

	var memoryFactory func(appName, userID string) agent.Memory
	if rt.Memory != nil {
		svc := rt.Memory
		memoryFactory = func(appName, userID string) agent.Memory {
			return memory.Bound(svc, appName, userID)
		}
	}

	rt.Runner, err = runner.New(runner.Config{
		AppName:         cfg.AppName,
		Agent:           root,
		SessionService:  rt.Sessions,
		ArtifactService: rt.Artifacts,
		MemoryFactory:   memoryFactory,
		Plugins:         pipeline,
	})
	if err != nil {
		return nil, err
	}

	rt.Scheduler = scheduler.New(rt.Runner)
	for _, job := range cfg.Scheduler.Jobs {
		if err := rt.Scheduler.Schedule(scheduler.JobConfig{
			ID:            job.ID,
			Interval:      job.Interval,
			UserID:        job.UserID,
			SessionID:     job.SessionID,
			Input:         job.Input,
			MaxExecutions: job.MaxExecutions,
			Enabled:       job.Enabled,
		}); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

// Close stops the scheduler and flushes telemetry.
func (rt *Runtime) Close(ctx context.Context) error {
	var firstErr error
	if rt.Scheduler != nil {
		if err := rt.Scheduler.Stop(ctx); err != nil {
			firstErr = err
		}
	}
	if rt.shutdownTracer != nil {
		if err := rt.shutdownTracer(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildLLMs(cfg *Config) (map[string]model.LLM, error) {
	llms := make(map[string]model.LLM, len(cfg.LLMs))
	for handle, lc := range cfg.LLMs {
		llm, err := buildLLM(lc)
		if err != nil {
			return nil, fmt.Errorf("config: llm '%s': %w", handle, err)
		}
		llms[handle] = llm
	}
	return llms, nil
}

func buildLLM(lc *LLMConfig) (model.LLM, error) {
	provider := model.Provider(lc.Provider)
	if lc.Provider == "" {
		provider = model.DetectProvider(lc.Model)
	}
	switch provider {
	case model.ProviderOpenAI:
		return providers.NewOpenAI(providers.OpenAIConfig{
			Model:   lc.Model,
			APIKey:  apiKeyOr(lc.APIKey, "OPENAI_API_KEY"),
			BaseURL: lc.BaseURL,
			Timeout: lc.Timeout,
		})
	case model.ProviderAnthropic:
		return providers.NewAnthropic(providers.AnthropicConfig{
			Model:     lc.Model,
			APIKey:    apiKeyOr(lc.APIKey, "ANTHROPIC_API_KEY"),
			BaseURL:   lc.BaseURL,
			Timeout:   lc.Timeout,
			MaxTokens: lc.MaxTokens,
		})
	case model.ProviderGemini:
		return providers.NewGemini(providers.GeminiConfig{
			Model:  lc.Model,
			APIKey: apiKeyOr(lc.APIKey, "GEMINI_API_KEY"),
		})
	case model.ProviderOllama:
		return providers.NewOllama(providers.OllamaConfig{
			Model:   lc.Model,
			BaseURL: lc.BaseURL,
			Timeout: lc.Timeout,
		})
	default:
		return nil, fmt.Errorf("unknown provider '%s'", lc.Provider)
	}
}

func apiKeyOr(key, envVar string) string {
	if key != "" {
		return key
	}
	return os.Getenv(envVar)
}

func buildEmbedders(cfg *Config) (map[string]embedder.Embedder, error) {
	embedders := make(map[string]embedder.Embedder, len(cfg.Embedders))
	for handle, ec := range cfg.Embedders {
		switch ec.Provider {
		case "", "openai":
			emb, err := embedder.NewOpenAI(embedder.OpenAIConfig{
				Model:     ec.Model,
				APIKey:    apiKeyOr(ec.APIKey, "OPENAI_API_KEY"),
				BaseURL:   ec.BaseURL,
				Dimension: ec.Dimension,
				Timeout:   ec.Timeout,
			})
			if err != nil {
				return nil, fmt.Errorf("config: embedder '%s': %w", handle, err)
			}
			embedders[handle] = emb
		case "ollama":
			embedders[handle] = embedder.NewOllama(embedder.OllamaConfig{
				Model:     ec.Model,
				BaseURL:   ec.BaseURL,
				Dimension: ec.Dimension,
				Timeout:   ec.Timeout,
			})
		default:
			return nil, fmt.Errorf("config: embedder '%s': unknown provider '%s'", handle, ec.Provider)
		}
	}
	return embedders, nil
}

// buildVectorStore decodes the provider-specific options map onto the
// backend's own config struct.
func buildVectorStore(vc *VectorStoreConfig) (vector.Provider, error) {
	switch vc.Provider {
	case "", "memory":
		return vector.NewInMemory(), nil
	case "chromem":
		var cc vector.ChromemConfig
		if err := decode(vc.Options, &cc); err != nil {
			return nil, fmt.Errorf("config: chromem options: %w", err)
		}
		return vector.NewChromem(cc)
	case "qdrant":
		var qc vector.QdrantConfig
		if err := decode(vc.Options, &qc); err != nil {
			return nil, fmt.Errorf("config: qdrant options: %w", err)
		}
		return vector.NewQdrant(qc)
	case "pinecone":
		var pc vector.PineconeConfig
		if err := decode(vc.Options, &pc); err != nil {
			return nil, fmt.Errorf("config: pinecone options: %w", err)
		}
		return vector.NewPinecone(pc)
	default:
		return nil, fmt.Errorf("config: unknown vector store provider '%s'", vc.Provider)
	}
}

func buildSessions(sc SessionConfig) (session.Service, error) {
	switch sc.Backend {
	case "", "memory":
		return session.InMemoryService(), nil
	case "sql":
		if sc.DSN == "" {
			return nil, fmt.Errorf("config: sessions backend 'sql' needs a dsn")
		}
		return session.NewSQLService(sc.DSN)
	default:
		return nil, fmt.Errorf("config: unknown sessions backend '%s'", sc.Backend)
	}
}

func buildArtifacts(ac ArtifactConfig) (artifact.Service, error) {
	switch ac.Backend {
	case "", "memory":
		return artifact.InMemoryService(), nil
	case "filesystem":
		if ac.Dir == "" {
			return nil, fmt.Errorf("config: artifacts backend 'filesystem' needs a dir")
		}
		return artifact.NewFilesystemService(ac.Dir)
	default:
		return nil, fmt.Errorf("config: unknown artifacts backend '%s'", ac.Backend)
	}
}

func buildMemory(cfg *Config, llms map[string]model.LLM, embedders map[string]embedder.Embedder, vectorStore vector.Provider) (*memory.Service, error) {
	mc := cfg.Memory

	var summarizer *memory.Summarizer
	if mc.LLM != "" {
		var err error
		summarizer, err = memory.NewSummarizer(memory.SummarizerConfig{LLM: llms[mc.LLM]})
		if err != nil {
			return nil, err
		}
	}

	memCfg := memory.Config{
		Vector:        vectorStore,
		Collection:    mc.Collection,
		Summarizer:    summarizer,
		Mode:          memory.SearchMode(mc.Mode),
		TriggerEveryN: mc.TriggerEveryN,
	}
	if mc.Embedder != "" {
		memCfg.Embedder = embedders[mc.Embedder]
	}
	return memory.NewService(memCfg)
}

func buildCompaction(cc *CompactionConfig, llms map[string]model.LLM) (*compaction.Engine, error) {
	summarizer, err := memory.NewSummarizer(memory.SummarizerConfig{LLM: llms[cc.LLM]})
	if err != nil {
		return nil, err
	}
	return compaction.NewEngine(compaction.Config{
		Interval:       cc.Interval,
		Overlap:        cc.Overlap,
		Summarizer:     summarizer,
		MaxInputTokens: cc.MaxInputTokens,
		Encoding:       cc.Encoding,
	})
}

// buildAgentTree constructs the declared agents bottom-up from the root.
func buildAgentTree(cfg *Config, llms map[string]model.LLM, pipeline *plugin.Pipeline, sessions session.Service) (agent.Agent, error) {
	byName := make(map[string]*AgentConfig, len(cfg.Agents))
	for _, a := range cfg.Agents {
		byName[a.Name] = a
	}

	built := make(map[string]agent.Agent)
	building := make(map[string]bool)

	var build func(name string) (agent.Agent, error)
	build = func(name string) (agent.Agent, error) {
		if a, ok := built[name]; ok {
			return a, nil
		}
		if building[name] {
			return nil, fmt.Errorf("config: agent cycle through '%s'", name)
		}
		building[name] = true
		defer delete(building, name)

		ac := byName[name]
		subs := make([]agent.Agent, 0, len(ac.SubAgents))
		for _, subName := range ac.SubAgents {
			sub, err := build(subName)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}

		var a agent.Agent
		var err error
		switch ac.Type {
		case "", "llm":
			tools, toolErr := builtinTools(ac.Tools, sessions)
			if toolErr != nil {
				return nil, fmt.Errorf("config: agent '%s': %w", name, toolErr)
			}
			a, err = llmagent.New(llmagent.Config{
				Name:                     ac.Name,
				Description:              ac.Description,
				Model:                    llms[ac.LLM],
				Instruction:              ac.Instruction,
				GlobalInstruction:        ac.GlobalInstruction,
				Tools:                    tools,
				SubAgents:                subs,
				Plugins:                  pipeline,
				DisallowTransferToParent: ac.DisallowTransferToParent,
				DisallowTransferToPeers:  ac.DisallowTransferToPeers,
				OutputKey:                ac.OutputKey,
				OutputSchema:             ac.OutputSchema,
				MaxIterations:            ac.MaxIterations,
				ToolTimeout:              ac.ToolTimeout,
				Streaming:                ac.Streaming,
			})
		case "sequential":
			a, err = workflowagent.NewSequential(workflowagent.SequentialConfig{
				Name:        ac.Name,
				Description: ac.Description,
				SubAgents:   subs,
			})
		case "parallel":
			a, err = workflowagent.NewParallel(workflowagent.ParallelConfig{
				Name:        ac.Name,
				Description: ac.Description,
				SubAgents:   subs,
				OnError:     workflowagent.OnErrorPolicy(ac.OnError),
			})
		case "loop":
			a, err = workflowagent.NewLoop(workflowagent.LoopConfig{
				Name:          ac.Name,
				Description:   ac.Description,
				SubAgents:     subs,
				MaxIterations: ac.MaxLoops,
			})
		}
		if err != nil {
			return nil, fmt.Errorf("config: agent '%s': %w", name, err)
		}
		built[name] = a
		return a, nil
	}

	return build(cfg.RootAgent)
}

// builtinTools resolves tool names to the built-in implementations.
func builtinTools(names []string, sessions session.Service) ([]tool.Tool, error) {
	tools := make([]tool.Tool, 0, len(names))
	for _, name := range names {
		switch name {
		case "exit_loop":
			tools = append(tools, controltool.ExitLoop())
		case "escalate":
			tools = append(tools, controltool.Escalate())
		case "transfer_to_agent":
			tools = append(tools, controltool.TransferToAgent())
		case "recall_memory":
			tools = append(tools, memorytool.Recall())
		case "preload_memory":
			tools = append(tools, memorytool.Preload(0))
		case "list_artifacts":
			tools = append(tools, artifacttool.List())
		case "load_artifact":
			tools = append(tools, artifacttool.Load())
		case "session_details":
			tools = append(tools, sessiontool.Details(sessions))
		default:
			return nil, fmt.Errorf("unknown built-in tool '%s'", name)
		}
	}
	return tools, nil
}
