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
	"encoding/json"
	"fmt"
	"os"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
)

func newApproveCommand() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a plan loop's children and spawn them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApprove(cmd, args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")

	return cmd
}

func runApprove(cmd *cobra.Command, id string, yes bool) error {
	if !yes && !shared.IsNonInteractive() {
		confirmed := false
		prompt := &survey.Confirm{
			Message: fmt.Sprintf("Approve plan %s and spawn its children?", id),
			Default: true,
		}
		if err := survey.AskOne(prompt, &confirmed); err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Aborted")
			return nil
		}
	}

	ctx, cancel := callTimeout(cmd.Context())
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var out struct {
		SpecsSpawned int `json:"specs_spawned"`
	}
	if err := client.Call(ctx, "plan.approve", map[string]string{"id": id}, &out); err != nil {
		return err
	}

	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(out)
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("Approved plan %s, spawned %d loops", id, out.SpecsSpawned)))
	return nil
}

func newRejectCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a plan loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callTimeout(cmd.Context())
			defer cancel()

			client, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(ctx, "plan.reject", map[string]string{"id": args[0], "reason": reason}, nil); err != nil {
				return err
			}

			if !shared.GetQuiet() && !shared.GetJSON() {
				fmt.Println(shared.RenderOK(fmt.Sprintf("Rejected plan %s", args[0])))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the plan was rejected")

	return cmd
}

func newIterateCommand() *cobra.Command {
	var feedback string

	cmd := &cobra.Command{
		Use:   "iterate <id>",
		Short: "Force another planning iteration with feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := callTimeout(cmd.Context())
			defer cancel()

			client, err := dialClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.Call(ctx, "plan.iterate", map[string]string{"id": args[0], "feedback": feedback}, nil); err != nil {
				return err
			}

			if !shared.GetQuiet() && !shared.GetJSON() {
				fmt.Println(shared.RenderOK(fmt.Sprintf("Requested another iteration for %s", args[0])))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&feedback, "feedback", "", "Feedback to fold into the next plan iteration")
	cmd.MarkFlagRequired("feedback")

	return cmd
}
