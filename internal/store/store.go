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
	"path/filepath"

	"github.com/loopr/loopr/internal/model"
)

// Store wires the four collections named in spec.md's data model into
// one handle, each backed by its own append log under dataDir.
type Store struct {
	Loops    *Collection[model.Loop, *model.Loop]
	Signals  *Collection[model.SignalRecord, *model.SignalRecord]
	Events   *Collection[model.EventRecord, *model.EventRecord]
	ToolJobs *Collection[model.ToolJobRecord, *model.ToolJobRecord]
	Chat     *Collection[model.ChatMessage, *model.ChatMessage]
	dataDir  string
}

// Open constructs a Store rooted at dataDir. Log files are created lazily
// on first write; Open itself performs no I/O.
func Open(dataDir string) *Store {
	return &Store{
		dataDir: dataDir,
		Loops: NewCollection[model.Loop, *model.Loop](
			filepath.Join(dataDir, "loops.log"), loopIndex),
		Signals: NewCollection[model.SignalRecord, *model.SignalRecord](
			filepath.Join(dataDir, "signals.log"), signalIndex),
		Events: NewCollection[model.EventRecord, *model.EventRecord](
			filepath.Join(dataDir, "events.log"), eventIndex),
		ToolJobs: NewCollection[model.ToolJobRecord, *model.ToolJobRecord](
			filepath.Join(dataDir, "tool_jobs.log"), toolJobIndex),
		Chat: NewCollection[model.ChatMessage, *model.ChatMessage](
			filepath.Join(dataDir, "chat.log"), chatIndex),
	}
}

// SyncAll forces every collection to rebuild its cache from its log,
// used on daemon startup recovery (spec.md §5).
func (s *Store) SyncAll() error {
	if err := s.Loops.Sync(); err != nil {
		return err
	}
	if err := s.Signals.Sync(); err != nil {
		return err
	}
	if err := s.Events.Sync(); err != nil {
		return err
	}
	if err := s.ToolJobs.Sync(); err != nil {
		return err
	}
	return s.Chat.Sync()
}

func loopIndex(l *model.Loop) map[string]FieldValue {
	return map[string]FieldValue{
		"status":    StringValue(string(l.Status)),
		"loop_type": StringValue(string(l.LoopType)),
		"parent_id": StringValue(l.ParentID),
	}
}

func signalIndex(s *model.SignalRecord) map[string]FieldValue {
	return map[string]FieldValue{
		"target_loop":  StringValue(s.TargetLoop),
		"acknowledged": BoolValue(s.Acknowledged()),
	}
}

func eventIndex(e *model.EventRecord) map[string]FieldValue {
	return map[string]FieldValue{
		"event_type": StringValue(e.EventType),
		"loop_id":    StringValue(e.LoopID),
	}
}

func toolJobIndex(j *model.ToolJobRecord) map[string]FieldValue {
	return map[string]FieldValue{
		"loop_id":   StringValue(j.LoopID),
		"iteration": IntValue(int64(j.Iteration)),
		"tool_name": StringValue(j.ToolName),
		"status":    StringValue(string(j.Status)),
	}
}

func chatIndex(m *model.ChatMessage) map[string]FieldValue {
	return map[string]FieldValue{
		"role": StringValue(string(m.Role)),
	}
}
