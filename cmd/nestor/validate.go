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

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nestor-ai/nestor/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" help:"Configuration file path." type:"path" placeholder:"PATH"`

	// PrintConfig prints the expanded configuration with defaults applied
	// and env vars resolved.
	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	fmt.Printf("%s: OK\n", c.Config)
	fmt.Printf("  app:        %s\n", cfg.AppName)
	fmt.Printf("  root agent: %s\n", cfg.RootAgent)
	fmt.Printf("  agents:     %d\n", len(cfg.Agents))
	fmt.Printf("  models:     %d\n", len(cfg.LLMs))
	fmt.Printf("  sessions:   %s\n", cfg.Sessions.Backend)
	fmt.Printf("  artifacts:  %s\n", cfg.Artifacts.Backend)
	if cfg.Memory != nil && cfg.Memory.Enabled {
		fmt.Printf("  memory:     %s\n", cfg.Memory.Mode)
	}
	if cfg.Compaction != nil && cfg.Compaction.Enabled {
		fmt.Printf("  compaction: every %d events\n", cfg.Compaction.Interval)
	}
	if len(cfg.Scheduler.Jobs) > 0 {
		fmt.Printf("  jobs:       %d\n", len(cfg.Scheduler.Jobs))
	}

	if c.PrintConfig {
		fmt.Println()
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		return enc.Close()
	}
	return nil
}
