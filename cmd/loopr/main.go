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

package main

import (
	"github.com/loopr/loopr/internal/cli"
	daemoncmd "github.com/loopr/loopr/internal/commands/daemon"
	"github.com/loopr/loopr/internal/commands/loop"
	"github.com/loopr/loopr/internal/commands/version"
)

// Version information, injected via ldflags at build time.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"
)

func main() {
	cli.SetVersion(buildVersion, buildCommit, buildDate)

	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(loop.NewCommand())
	rootCmd.AddCommand(daemoncmd.NewCommand())
	rootCmd.AddCommand(version.NewVersionCommand())
	rootCmd.AddCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
