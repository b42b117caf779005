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

// Command nestor runs agents declared in a YAML config.
//
// Usage:
//
//	nestor chat --config nestor.yaml
//	nestor run --config nestor.yaml "summarize the open incidents"
//	nestor validate nestor.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/logger"
	"github.com/nestor-ai/nestor/pkg/session"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Chat     ChatCmd     `cmd:"" help:"Chat interactively with the root agent."`
	Run      RunCmd      `cmd:"" help:"Send one message and print the reply."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Schema   SchemaCmd   `cmd:"" help:"Print the configuration JSON Schema."`

	Config    string `short:"c" help:"Path to the config file." type:"path" default:"nestor.yaml"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

func main() {
	cli := &CLI{}
	kctx := kong.Parse(cli,
		kong.Name("nestor"),
		kong.Description("Agent runtime driven by a YAML config."),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	logger.Init(level, os.Stderr, cli.LogFormat)

	if err := kctx.Run(cli); err != nil {
		fmt.Fprintf(os.Stderr, "nestor: %v\n", err)
		os.Exit(1)
	}
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("nestor %s\n", version)
	return nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

// buildRuntime loads the config file and wires the full runtime.
func buildRuntime(ctx context.Context, path string) (*config.Runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return config.Build(ctx, cfg)
}

// ensureSession reuses an existing session or creates one. An empty id
// creates a fresh session with a generated id.
func ensureSession(ctx context.Context, rt *config.Runtime, userID, sessionID string) (string, error) {
	if sessionID != "" {
		got, err := rt.Sessions.Get(ctx, &session.GetRequest{
			AppName:   rt.Config.AppName,
			UserID:    userID,
			SessionID: sessionID,
		})
		if err == nil {
			return got.Session.ID(), nil
		}
	}
	created, err := rt.Sessions.Create(ctx, &session.CreateRequest{
		AppName:   rt.Config.AppName,
		UserID:    userID,
		SessionID: sessionID,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return created.Session.ID(), nil
}
