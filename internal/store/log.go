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

package store

import (
	"bytes"
	"fmt"
	"os"
)

// appendLine writes one line (without its trailing newline) to path,
// creating the file if needed, and fsyncs before returning so a crash
// immediately after this call never leaves a line silently lost.
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append to %s: %w", path, err)
	}
	return f.Sync()
}

// readLogLines reads every complete line from path. A trailing line with
// no newline terminator signals an interrupted append and is dropped; a
// missing file returns no lines and no error.
func readLogLines(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	endsClean := data[len(data)-1] == '\n'
	parts := bytes.Split(data, []byte{'\n'})
	// Split on a trailing newline yields one empty trailing element; drop it.
	if endsClean {
		parts = parts[:len(parts)-1]
	} else {
		// Last element has no trailing newline: a partial, interrupted write.
		parts = parts[:len(parts)-1]
	}

	lines := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		lines = append(lines, p)
	}
	return lines, nil
}
