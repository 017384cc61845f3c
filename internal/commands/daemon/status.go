// Copyright 2025 Tom Barlow
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

package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/lifecycle"
	"github.com/loopr/loopr/internal/rpcclient"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Display whether looprd is running and how many loops it currently has active.`,
		RunE:  runStatus,
	}
}

func newRestartCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the loopr daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runStop(false, timeout); err != nil {
				fmt.Fprintln(os.Stderr, shared.RenderWarn(err.Error()))
			}
			return runStart(cmd.Context(), startOptions{timeout: timeout})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for shutdown and restart")
	return cmd
}

type statusResult struct {
	Running     bool   `json:"running"`
	PID         int    `json:"pid,omitempty"`
	SocketPath  string `json:"socket_path"`
	ActiveLoops int    `json:"active_loops,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}
	socketPath := filepath.Join(dataDir, "daemon.sock")
	pidMgr := lifecycle.NewPIDFileManager(filepath.Join(dataDir, "daemon.pid"))

	result := statusResult{SocketPath: socketPath}
	if pid, err := pidMgr.Read(); err == nil {
		result.PID = pid
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := rpcclient.Dial(ctx, socketPath)
	if err != nil {
		return printStatus(result)
	}
	defer c.Close()

	var statusResp struct {
		ActiveLoops int `json:"active_loops"`
	}
	if err := c.Call(ctx, "status", nil, &statusResp); err != nil {
		return printStatus(result)
	}

	result.Running = true
	result.ActiveLoops = statusResp.ActiveLoops
	return printStatus(result)
}

func printStatus(result statusResult) error {
	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(result)
	}

	fmt.Println(shared.RenderStatus(result.Running, "loopr daemon"))
	if result.Running {
		fmt.Printf("  PID:           %d\n", result.PID)
		fmt.Printf("  Socket:        %s\n", result.SocketPath)
		fmt.Printf("  Active loops:  %d\n", result.ActiveLoops)
	} else {
		fmt.Printf("  Socket:        %s (unreachable)\n", result.SocketPath)
	}
	return nil
}
