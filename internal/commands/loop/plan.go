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

	"github.com/spf13/cobra"
	"github.com/loopr/loopr/internal/commands/shared"
)

func newPlanCommand() *cobra.Command {
	var worktree string

	cmd := &cobra.Command{
		Use:   "plan <description>",
		Short: "Create a plan loop for a task",
		Long: `Create a Plan loop that breaks description down into child Spec loops.
The new loop starts in Planning status; use 'loop start' to run it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], worktree)
		},
	}

	cmd.Flags().StringVar(&worktree, "worktree", "", "Working directory the loop operates in")

	return cmd
}

func runPlan(cmd *cobra.Command, description, worktree string) error {
	ctx, cancel := callTimeout(cmd.Context())
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var out struct {
		ID string `json:"id"`
	}
	params := map[string]any{"description": description}
	if worktree != "" {
		params["worktree"] = worktree
	}
	if err := client.Call(ctx, "loop.create_plan", params, &out); err != nil {
		return err
	}

	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(out)
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("Created plan loop %s", out.ID)))
	return nil
}

func newListCommand() *cobra.Command {
	var status, loopType, parentID string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, status, loopType, parentID)
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&loopType, "type", "", "Filter by loop type")
	cmd.Flags().StringVar(&parentID, "parent", "", "Filter by parent loop id")

	return cmd
}

func runList(cmd *cobra.Command, status, loopType, parentID string) error {
	ctx, cancel := callTimeout(cmd.Context())
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var out struct {
		Loops []loopSummary `json:"loops"`
	}
	params := map[string]string{"status": status, "loop_type": loopType, "parent_id": parentID}
	if err := client.Call(ctx, "loop.list", params, &out); err != nil {
		return err
	}

	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(out)
	}
	if len(out.Loops) == 0 {
		fmt.Println("No loops found")
		return nil
	}
	fmt.Printf("%-12s %-10s %-10s %-8s %s\n", "ID", "TYPE", "STATUS", "ITER", "WORKTREE")
	for _, l := range out.Loops {
		fmt.Printf("%-12s %-10s %-10s %-8d %s\n", shortID(l.ID), l.LoopType, l.Status, l.Iteration, l.Worktree)
	}
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show details for a loop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0])
		},
	}
}

func runGet(cmd *cobra.Command, id string) error {
	ctx, cancel := callTimeout(cmd.Context())
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var l loopSummary
	if err := client.Call(ctx, "loop.get", map[string]string{"id": id}, &l); err != nil {
		return err
	}

	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(l)
	}
	fmt.Printf("ID:         %s\n", l.ID)
	fmt.Printf("Type:       %s\n", l.LoopType)
	fmt.Printf("Status:     %s\n", l.Status)
	fmt.Printf("Iteration:  %d / %d\n", l.Iteration, l.MaxIterations)
	fmt.Printf("Worktree:   %s\n", l.Worktree)
	if l.ParentID != "" {
		fmt.Printf("Parent:     %s\n", l.ParentID)
	}
	if len(l.Children) > 0 {
		fmt.Printf("Children:   %v\n", l.Children)
	}
	if l.FailureNote != "" {
		fmt.Println(shared.RenderWarn("Failure: " + l.FailureNote))
	}
	return nil
}

func newPreviewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "preview <id>",
		Short: "Render the next iteration's prompt without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPreview(cmd, args[0])
		},
	}
}

func runPreview(cmd *cobra.Command, id string) error {
	ctx, cancel := callTimeout(cmd.Context())
	defer cancel()

	client, err := dialClient(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	var out struct {
		Prompt string `json:"prompt"`
	}
	if err := client.Call(ctx, "plan.get_preview", map[string]string{"id": id}, &out); err != nil {
		return err
	}

	if shared.GetJSON() {
		return json.NewEncoder(os.Stdout).Encode(out)
	}
	fmt.Println(out.Prompt)
	return nil
}

// loopSummary mirrors the fields of internal/model.Loop the CLI renders;
// decoded independently so this package doesn't need to import model.
type loopSummary struct {
	ID            string   `json:"id"`
	ParentID      string   `json:"parent_id,omitempty"`
	LoopType      string   `json:"loop_type"`
	Status        string   `json:"status"`
	Iteration     int      `json:"iteration"`
	MaxIterations int      `json:"max_iterations"`
	Worktree      string   `json:"worktree"`
	Children      []string `json:"children,omitempty"`
	FailureNote   string   `json:"failure_note,omitempty"`
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10]
}
