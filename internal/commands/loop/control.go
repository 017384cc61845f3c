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

package loop

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
)

func newStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a loop running",
		Args:  cobra.ExactArgs(1),
		RunE:  simpleControl("loop.start", "Started loop %s"),
	}
}

func newPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a running loop after its current iteration",
		Args:  cobra.ExactArgs(1),
		RunE:  simpleControl("loop.pause", "Paused loop %s"),
	}
}

func newResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused loop",
		Args:  cobra.ExactArgs(1),
		RunE:  simpleControl("loop.resume", "Resumed loop %s"),
	}
}

func newCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a loop",
		Args:  cobra.ExactArgs(1),
		RunE:  simpleControl("loop.cancel", "Cancelled loop %s"),
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a terminal loop's record",
		Args:  cobra.ExactArgs(1),
		RunE:  simpleControl("loop.delete", "Deleted loop %s"),
	}
}

// simpleControl builds a RunE for the id-only, ok-only control methods:
// dial, call method with {"id": args[0]}, print okMsg on success.
func simpleControl(method, okMsg string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx, cancel := callTimeout(cmd.Context())
		defer cancel()

		client, err := dialClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Call(ctx, method, map[string]string{"id": args[0]}, nil); err != nil {
			return err
		}

		if !shared.GetQuiet() && !shared.GetJSON() {
			fmt.Println(shared.RenderOK(fmt.Sprintf(okMsg, args[0])))
		}
		return nil
	}
}
