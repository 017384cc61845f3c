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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/lifecycle"
	"github.com/loopr/loopr/internal/rpcclient"
)

func newStartCommand() *cobra.Command {
	var (
		foreground bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the loopr daemon",
		Long: `Start looprd in the background.

The start command is idempotent: if looprd is already running and
reachable, it exits successfully without spawning a new instance.`,
		Example: `  # Start the daemon in the background
  loopr daemon start

  # Run it in the current terminal instead
  loopr daemon start --foreground`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd.Context(), startOptions{foreground: foreground, timeout: timeout})
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground instead of spawning a background process")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "How long to wait for the daemon to become reachable")

	return cmd
}

type startOptions struct {
	foreground bool
	timeout    time.Duration
}

func runStart(ctx context.Context, opts startOptions) error {
	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	pidPath := filepath.Join(dataDir, "daemon.pid")
	socketPath := filepath.Join(dataDir, "daemon.sock")
	logPath := filepath.Join(dataDir, "daemon.log")
	lifecycleLog := lifecycle.NewLifecycleLogger(filepath.Join(dataDir, "lifecycle.log"))

	if opts.foreground {
		fmt.Println(shared.RenderOK("Starting looprd in foreground mode..."))
		binaryPath, err := looprdBinaryPath()
		if err != nil {
			return err
		}
		cmd := exec.CommandContext(ctx, binaryPath)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		return cmd.Run()
	}

	pidMgr := lifecycle.NewPIDFileManager(pidPath)
	if existingPID, err := pidMgr.Read(); err == nil {
		if lifecycle.IsProcessRunning(existingPID) && lifecycle.IsLooprProcess(existingPID) {
			if pingDaemon(ctx, socketPath, 5*time.Second) == nil {
				_ = lifecycleLog.LogAlreadyRunning(existingPID)
				fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon is already running (PID %d)", existingPID)))
				return nil
			}
			fmt.Fprintln(os.Stderr, shared.RenderWarn(fmt.Sprintf("daemon process exists (PID %d) but is unreachable, starting a new instance", existingPID)))
		} else {
			_ = lifecycleLog.LogStalePID(existingPID, "process not running")
			fmt.Fprintln(os.Stderr, shared.RenderWarn(fmt.Sprintf("removing stale PID file (process %d not running)", existingPID)))
			if err := pidMgr.Remove(); err != nil {
				return fmt.Errorf("removing stale PID file: %w", err)
			}
		}
	} else if !errors.Is(err, os.ErrNotExist) && !os.IsNotExist(err) {
		return fmt.Errorf("checking existing daemon: %w", err)
	}

	binaryPath, err := looprdBinaryPath()
	if err != nil {
		return err
	}
	_ = lifecycleLog.LogStart("", nil, "")

	spawner := lifecycle.NewSpawner()
	pid, err := spawner.SpawnDetached(binaryPath, nil, logPath)
	if err != nil {
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("spawning daemon: %w", err)
	}

	fmt.Printf("Starting daemon (PID %d)...\n", pid)
	start := time.Now()
	if err := waitReachable(ctx, socketPath, opts.timeout); err != nil {
		_ = lifecycle.SendSignal(pid, 15)
		_ = lifecycleLog.LogStartFailure(err)
		return fmt.Errorf("daemon did not become reachable within %v: %w", opts.timeout, err)
	}
	_ = lifecycleLog.LogStartSuccess(pid, 0, time.Since(start))

	fmt.Println(shared.RenderOK(fmt.Sprintf("Daemon started (PID %d)", pid)))
	return nil
}

// looprdBinaryPath resolves the looprd executable, preferring a copy
// alongside the running loopr binary before falling back to PATH.
func looprdBinaryPath() (string, error) {
	if self, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(self), "looprd")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return exec.LookPath("looprd")
}

func pingDaemon(ctx context.Context, socketPath string, timeout time.Duration) error {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := rpcclient.Dial(dialCtx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Ping(dialCtx)
}

func waitReachable(ctx context.Context, socketPath string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := 50 * time.Millisecond
	for {
		if err := pingDaemon(ctx, socketPath, 2*time.Second); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for socket %s", socketPath)
		}
		time.Sleep(backoff)
		if backoff < time.Second {
			backoff *= 2
		}
	}
}
