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
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/nestor-ai/nestor/pkg/agent"
	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/runner"
)

// ChatCmd starts an interactive chat session with the root agent.
type ChatCmd struct {
	User    string `help:"User id for the session." default:"local"`
	Session string `help:"Session id to resume. Empty starts a new session."`
	Watch   bool   `help:"Reload the config file on change."`
}

func (c *ChatCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli.Config)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	current := rt
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		_ = current.Close(context.Background())
	}()

	if c.Watch {
		go func() {
			err := config.Watch(ctx, cli.Config, func(cfg *config.Config) {
				next, buildErr := config.Build(ctx, cfg)
				if buildErr != nil {
					slog.Warn("config reload failed", "error", buildErr)
					return
				}
				mu.Lock()
				old := current
				current = next
				mu.Unlock()
				_ = old.Close(context.Background())
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("config watch stopped", "error", err)
			}
		}()
	}

	sessionID, err := ensureSession(ctx, rt, c.User, c.Session)
	if err != nil {
		return err
	}

	fmt.Printf("Chatting with '%s' (session %s). Type /quit to exit.\n\n", rt.Config.RootAgent, sessionID)

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("You: ")
		line, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println()
			return nil
		}
		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "/quit" || input == "/exit" {
			return nil
		}

		mu.Lock()
		active := current
		mu.Unlock()

		if err := chatTurn(ctx, active.Runner, c.User, sessionID, input); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		fmt.Println()
	}
}

// chatTurn sends one message and prints the reply, streaming partial
// chunks as they arrive.
func chatTurn(ctx context.Context, r *runner.Runner, userID, sessionID, input string) error {
	streamed := false
	for event, err := range r.Run(ctx, &runner.RunRequest{
		UserID:    userID,
		SessionID: sessionID,
		Content:   agent.NewTextContent(input, agent.RoleUser),
		RunConfig: &agent.RunConfig{StreamingMode: agent.StreamingModeSSE},
	}) {
		if err != nil {
			return err
		}
		if event.Partial {
			fmt.Print(event.Content.Text())
			streamed = true
			continue
		}
		if event.IsFinalResponse() {
			if text := event.Content.Text(); text != "" && !streamed {
				fmt.Printf("%s: %s", event.Author, text)
			}
		}
	}
	fmt.Println()
	return nil
}
