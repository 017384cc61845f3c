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
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loopr/loopr/internal/config"
)

// RunOptions configures one looprd process invocation.
type RunOptions struct {
	Version string
	Commit  string
	Date    string

	// ConfigPath forces a specific config file; "" uses the implicit
	// search order documented on config.Load.
	ConfigPath string
}

// Run loads configuration, builds a Daemon, and blocks until a SIGINT or
// SIGTERM requests shutdown or a listener fails. It is the body of both
// `looprd` foreground mode and the detached child started by
// `loopr daemon start`.
func Run(opts RunOptions) error {
	cfg, _, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	dataDir, err := config.DataDir()
	if err != nil {
		return fmt.Errorf("resolving data directory: %w", err)
	}

	d, err := New(cfg, dataDir, Options{Version: opts.Version, Commit: opts.Commit, Date: opts.Date})
	if err != nil {
		return fmt.Errorf("building daemon: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
		cancel()
		return d.Shutdown(context.Background())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("daemon error: %w", err)
		}
		return d.Shutdown(context.Background())
	}
}
