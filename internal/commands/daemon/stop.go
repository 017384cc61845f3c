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
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/lifecycle"
)

func newStopCommand() *cobra.Command {
	var (
		force   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the loopr daemon",
		Long:  `Send a graceful shutdown signal to looprd and wait for it to exit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(force, timeout)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Send SIGKILL if the daemon doesn't exit in time")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "How long to wait for a graceful exit")

	return cmd
}

func runStop(force bool, timeout time.Duration) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	pidPath := filepath.Join(dataDir, "daemon.pid")
	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(dataDir, "lifecycle.log"))
	pidMgr := lifecycle.NewPIDFileManager(pidPath)

	pid, err := pidMgr.Read()
	if err != nil {
		fmt.Println(shared.RenderWarn("Daemon is not running"))
		return nil
	}
	if !lifecycle.IsProcessRunning(pid) {
		fmt.Println(shared.RenderWarn(fmt.Sprintf("Daemon is not running (stale PID %d)", pid)))
		return pidMgr.Remove()
	}

	start := time.Now()
	_ = lifecycleLog.LogStop(pid, force)
	if err := lifecycle.GracefulShutdown(pid, timeout, force); err != nil {
		_ = lifecycleLog.LogStopFailure(pid, err)
		return fmt.Errorf("stopping daemon (PID %d): %w", pid, err)
	}
	_ = lifecycleLog.LogStopSuccess(pid, time.Since(start))

	fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon stopped (PID %d)", pid)))
	return nil
}
