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

// Package loop implements the "loopr loop" command group: planning,
// starting, inspecting, and steering agentic loops through looprd's
// protocol socket.
package loop

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
	"github.com/loopr/loopr/internal/config"
	"github.com/loopr/loopr/internal/rpcclient"
)

const defaultCallTimeout = 30 * time.Second

// NewCommand creates the loop command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Plan, start, and steer agentic loops",
	}

	cmd.AddCommand(newPlanCommand())
	cmd.AddCommand(newListCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newStartCommand())
	cmd.AddCommand(newPauseCommand())
	cmd.AddCommand(newResumeCommand())
	cmd.AddCommand(newCancelCommand())
	cmd.AddCommand(newDeleteCommand())
	cmd.AddCommand(newApproveCommand())
	cmd.AddCommand(newRejectCommand())
	cmd.AddCommand(newIterateCommand())
	cmd.AddCommand(newPreviewCommand())

	return cmd
}

// dialClient connects to looprd's protocol socket, translating a dial
// failure into the daemon-not-running guidance message.
func dialClient(ctx context.Context) (*rpcclient.Client, error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, fmt.Errorf("resolving data directory: %w", err)
	}
	socketPath := filepath.Join(dataDir, "daemon.sock")

	client, err := rpcclient.Dial(ctx, socketPath)
	if err != nil {
		var nre *rpcclient.NotRunningError
		if asNotRunning(err, &nre) {
			return nil, &shared.ExitError{Code: shared.ExitOperation, Message: nre.Error() + "\n" + nre.Guidance()}
		}
		return nil, err
	}
	return client, nil
}

func asNotRunning(err error, target **rpcclient.NotRunningError) bool {
	if nre, ok := err.(*rpcclient.NotRunningError); ok {
		*target = nre
		return true
	}
	return false
}

func callTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultCallTimeout)
}
