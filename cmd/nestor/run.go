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
	"context"
	"fmt"
)

// RunCmd sends a single message to the root agent and prints the final
// reply.
type RunCmd struct {
	Prompt string `arg:"" help:"Message to send." placeholder:"TEXT"`

	User    string `help:"User id for the session." default:"local"`
	Session string `help:"Session id to reuse. Empty runs in a fresh session."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := buildRuntime(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	sessionID, err := ensureSession(ctx, rt, c.User, c.Session)
	if err != nil {
		return err
	}

	reply, err := rt.Runner.Ask(ctx, c.User, sessionID, c.Prompt)
	if err != nil {
		return err
	}
	fmt.Println(reply)
	return nil
}
