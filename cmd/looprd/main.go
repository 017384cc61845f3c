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
	"flag"
	"fmt"
	"os"

	"github.com/loopr/loopr/internal/daemon"
)

// Version information, injected via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("looprd %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := daemon.Run(daemon.RunOptions{
		Version:    version,
		Commit:     commit,
		Date:       date,
		ConfigPath: *configPath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "looprd: %v\n", err)
		os.Exit(1)
	}
}
