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

// Package config resolves Loopr's three-layer configuration: compiled
// defaults, an optional user config file, and per-loop overrides.
package config

import (
	"os"
	"path/filepath"
)

// DataDir returns the directory all daemon state lives under: $LOOPR_DATA_DIR
// if set, else ~/.loopr, falling back to ~/.local/share/loopr if ~/.loopr
// cannot be created (e.g. a read-only home in a container image).
func DataDir() (string, error) {
	if dir := os.Getenv("LOOPR_DATA_DIR"); dir != "" {
		return dir, os.MkdirAll(dir, 0o700)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	primary := filepath.Join(home, ".loopr")
	if err := os.MkdirAll(primary, 0o700); err == nil {
		return primary, nil
	}

	fallback := filepath.Join(home, ".local", "share", "loopr")
	if err := os.MkdirAll(fallback, 0o700); err != nil {
		return "", err
	}
	return fallback, nil
}

// UserConfigDir returns ~/.config/loopr, respecting XDG_CONFIG_HOME,
// creating it if necessary.
func UserConfigDir() (string, error) {
	var base string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		base = xdg
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}

	dir := filepath.Join(base, "loopr")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// resolveConfigPath implements spec.md §6's file discovery priority:
// an explicit path (must exist), then <cwd>/.loopr.yml, then
// <home>/.config/loopr/loopr.yml. Returns "" with no error when none of
// the implicit locations exist and no explicit path was given.
func resolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", err
		}
		return explicit, nil
	}

	if cwd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(cwd, ".loopr.yml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	dir, err := UserConfigDir()
	if err != nil {
		return "", nil
	}
	candidate := filepath.Join(dir, "loopr.yml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	return "", nil
}
