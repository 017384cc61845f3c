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

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loopr/loopr/pkg/looprerrors"
)

// Config is layer two of three: compiled defaults overridden by whatever a
// config file sets. Loop-type and per-loop overrides are layered on top by
// Resolve.
type Config struct {
	MaxConcurrentLoops  int `yaml:"max_concurrent_loops"`
	PollIntervalSecs    int `yaml:"poll_interval_secs"`
	ShutdownTimeoutSecs int `yaml:"shutdown_timeout_secs"`

	// WSAddr, when non-empty, starts the companion WebSocket listener
	// (host:port) for remote TUI clients that cannot reach the daemon's
	// Unix socket. Disabled by default.
	WSAddr string `yaml:"ws_addr,omitempty"`
	// MetricsAddr, when non-empty, serves Prometheus metrics (host:port)
	// for operators running loopr's daemon under existing observability
	// tooling. Disabled by default.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	Validation ValidationConfig `yaml:"validation"`
	LLM        LLMConfig        `yaml:"llm"`
	Progress   ProgressConfig   `yaml:"progress"`

	LoopTypes map[string]LoopTypeConfig `yaml:"loop_types,omitempty"`
}

// ValidationConfig is the default validation command and its bounds.
type ValidationConfig struct {
	Command            string `yaml:"command,omitempty"`
	IterationTimeoutMs int64  `yaml:"iteration_timeout_ms,omitempty"`
	MaxIterations      int    `yaml:"max_iterations,omitempty"`
	SuccessExitCode    int    `yaml:"success_exit_code"`
}

// LLMConfig is the default model and call bounds.
type LLMConfig struct {
	Default   string `yaml:"default,omitempty"`
	TimeoutMs int64  `yaml:"timeout_ms,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// ProgressConfig bounds the accumulated per-iteration feedback kept on a
// loop's progress log.
type ProgressConfig struct {
	MaxEntries     int `yaml:"max_entries,omitempty"`
	MaxOutputChars int `yaml:"max_output_chars,omitempty"`
}

// LoopTypeConfig is a named bundle of prompt, tool, and validation defaults
// for one loop type. Extends names another entry in Config.LoopTypes whose
// fields are inherited where this entry leaves them unset.
type LoopTypeConfig struct {
	Extends    string            `yaml:"extends,omitempty"`
	Prompt     string            `yaml:"prompt,omitempty"`
	Tools      []string          `yaml:"tools,omitempty"`
	MaxTokens  int               `yaml:"max_tokens,omitempty"`
	Validation *ValidationConfig `yaml:"validation,omitempty"`
}

// Defaults returns the compiled-in configuration, layer one.
func Defaults() *Config {
	return &Config{
		MaxConcurrentLoops:  50,
		PollIntervalSecs:    60,
		ShutdownTimeoutSecs: 60,
		Validation: ValidationConfig{
			IterationTimeoutMs: 300000,
			MaxIterations:      100,
			SuccessExitCode:    0,
		},
		LLM: LLMConfig{
			TimeoutMs: 120000,
			APIKeyEnv: "LOOPR_API_KEY",
		},
		Progress: ProgressConfig{
			MaxEntries:     50,
			MaxOutputChars: 8000,
		},
	}
}

// Load resolves layer two: compiled defaults overridden by whatever config
// file is found per resolveConfigPath's search order. explicitPath forces a
// specific file and errors if it is missing; "" uses the implicit search.
// The second return value is the path actually used, "" if none was found.
func Load(explicitPath string) (*Config, string, error) {
	cfg := Defaults()

	path, err := resolveConfigPath(explicitPath)
	if err != nil {
		return nil, "", looprerrors.Wrap(looprerrors.KindConfigInvalid, "resolving config path", err)
	}
	if path == "" {
		return cfg, "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", looprerrors.Wrap(looprerrors.KindConfigInvalid, fmt.Sprintf("reading %s", path), err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", looprerrors.Wrap(looprerrors.KindConfigInvalid, fmt.Sprintf("parsing %s", path), err)
	}
	return cfg, path, nil
}

// resolvedLoopType walks the Extends chain starting at name, merging
// child-over-parent so the most-derived entry's fields win. Cycles and
// unknown names simply stop the walk at whatever was accumulated so far.
func (c *Config) resolvedLoopType(name string) LoopTypeConfig {
	chain := make([]LoopTypeConfig, 0, 4)
	seen := make(map[string]bool)

	cur := name
	for cur != "" && !seen[cur] {
		seen[cur] = true
		lt, ok := c.LoopTypes[cur]
		if !ok {
			break
		}
		chain = append(chain, lt)
		cur = lt.Extends
	}

	var merged LoopTypeConfig
	for i := len(chain) - 1; i >= 0; i-- {
		mergeLoopType(&merged, chain[i])
	}
	return merged
}

func mergeLoopType(dst *LoopTypeConfig, src LoopTypeConfig) {
	if src.Prompt != "" {
		dst.Prompt = src.Prompt
	}
	if len(src.Tools) > 0 {
		dst.Tools = src.Tools
	}
	if src.MaxTokens != 0 {
		dst.MaxTokens = src.MaxTokens
	}
	if src.Validation != nil {
		dst.Validation = src.Validation
	}
}
