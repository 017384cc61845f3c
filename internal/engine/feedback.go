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

package engine

import (
	"fmt"
	"strings"

	"github.com/loopr/loopr/internal/config"
)

// entrySeparator delimits one iteration's feedback block from the next
// within Loop.Progress.
const entrySeparator = "\n\n"

// formatFeedback renders one failed iteration's feedback as two clearly
// delimited blocks: what the validator reported, and what the LLM itself
// said about the failure. Both names are requirements named directly
// (spec's open question on feedback shape resolves to this fixed format;
// see DESIGN.md).
func formatFeedback(iteration int, validatorOutput, selfReport string, cfg config.ProgressConfig) string {
	validatorOutput = truncateChars(validatorOutput, cfg.MaxOutputChars)
	selfReport = truncateChars(selfReport, cfg.MaxOutputChars)

	return fmt.Sprintf(
		"--- iteration %d validator ---\n%s\n--- iteration %d self-report ---\n%s",
		iteration, validatorOutput, iteration, selfReport,
	)
}

// AppendProgress appends entry to progress and enforces cfg's bounds,
// dropping the oldest entry first when max_entries is exceeded. Progress
// is append-only except for this bounded truncation (spec.md §9). Exported
// so callers outside the Ralph cycle itself (force-iterate, plan rejection)
// can append a feedback entry with the same bounding rule.
func AppendProgress(progress, entry string, cfg config.ProgressConfig) string {
	var entries []string
	if progress != "" {
		entries = strings.Split(progress, entrySeparator)
	}
	entries = append(entries, entry)

	if cfg.MaxEntries > 0 {
		for len(entries) > cfg.MaxEntries {
			entries = entries[1:]
		}
	}
	return strings.Join(entries, entrySeparator)
}

func truncateChars(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
