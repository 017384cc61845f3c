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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopr/loopr/pkg/looprerrors"
)

// IndexFunc extracts the indexed field values from a record for filtered
// list queries. Only fields present in the returned map may be filtered on.
type IndexFunc[T any] func(*T) map[string]FieldValue

// tombstone is the minimal shape written for delete and read first to
// decide whether a log line is a deletion before decoding the full record.
type tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Collection is a generic append-log-backed store for one record type T,
// whose pointer type PT supplies the Entity method set (typically via an
// embedded model.Base). The in-memory map is the indexed cache; it is
// rebuilt from the log whenever it is empty or the log's mtime is newer
// than the snapshot time recorded at the last build.
type Collection[T any, PT interface {
	*T
	Entity
}] struct {
	mu       sync.RWMutex
	path     string
	indexFn  IndexFunc[T]
	items    map[string]T
	built    bool
	snapshot time.Time
}

// NewCollection opens (without yet loading) a collection backed by the log
// file at path.
func NewCollection[T any, PT interface {
	*T
	Entity
}](path string, indexFn IndexFunc[T]) *Collection[T, PT] {
	return &Collection[T, PT]{
		path:    path,
		indexFn: indexFn,
		items:   make(map[string]T),
	}
}

func (c *Collection[T, PT]) ensureBuilt() error {
	if c.built {
		stale, err := c.isStale()
		if err != nil {
			return err
		}
		if !stale {
			return nil
		}
	}
	return c.rebuildLocked()
}

func (c *Collection[T, PT]) isStale() (bool, error) {
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", c.path, err)
	}
	return info.ModTime().After(c.snapshot), nil
}

// rebuildLocked replays the log from scratch into a fresh map. Caller must
// hold c.mu for writing.
func (c *Collection[T, PT]) rebuildLocked() error {
	lines, err := readLogLines(c.path)
	if err != nil {
		return err
	}

	items := make(map[string]T, len(lines))
	for _, line := range lines {
		var ts tombstone
		if err := json.Unmarshal(line, &ts); err != nil {
			// Corrupt log line: skip, preceding records remain queryable.
			continue
		}
		if ts.Deleted {
			delete(items, ts.ID)
			continue
		}
		var rec T
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		items[ts.ID] = rec
	}

	c.items = items
	c.built = true
	c.snapshot = time.Now()
	return nil
}

// Sync forces an unconditional cache rebuild from the log.
func (c *Collection[T, PT]) Sync() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rebuildLocked()
}

// Create appends a creation entry and updates the cache. Fails with
// KindDuplicate if id is already live. If rec's id is empty, one is
// generated.
func (c *Collection[T, PT]) Create(rec T) (T, error) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureBuilt(); err != nil {
		return zero, err
	}

	pt := PT(&rec)
	id := pt.EntityID()
	if id == "" {
		id = uuid.New().String()
		pt.SetID(id)
	}
	if _, exists := c.items[id]; exists {
		return zero, looprerrors.New(looprerrors.KindDuplicate, "record already exists").WithField(id)
	}

	now := time.Now().UnixMilli()
	pt.SetTimestamps(now, now)

	if err := c.appendRecord(rec); err != nil {
		return zero, err
	}
	c.items[id] = rec
	return rec, nil
}

// Get returns a copy of the live record with the given id, or false if it
// does not exist or is deleted. Reads do not take the write lock.
func (c *Collection[T, PT]) Get(id string) (T, bool, error) {
	var zero T

	c.mu.RLock()
	stale, err := c.isStaleRLocked()
	c.mu.RUnlock()
	if err != nil {
		return zero, false, err
	}
	if stale {
		c.mu.Lock()
		if err := c.rebuildLocked(); err != nil {
			c.mu.Unlock()
			return zero, false, err
		}
		c.mu.Unlock()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[id]
	return rec, ok, nil
}

func (c *Collection[T, PT]) isStaleRLocked() (bool, error) {
	if !c.built {
		return true, nil
	}
	info, err := os.Stat(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", c.path, err)
	}
	return info.ModTime().After(c.snapshot), nil
}

// Update appends an update entry and replaces the cached version. Fails
// with KindNotFound if id is absent or tombstoned.
func (c *Collection[T, PT]) Update(rec T) (T, error) {
	var zero T

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureBuilt(); err != nil {
		return zero, err
	}

	pt := PT(&rec)
	id := pt.EntityID()
	existing, ok := c.items[id]
	if !ok {
		return zero, looprerrors.New(looprerrors.KindNotFound, "record not found").WithField(id)
	}

	createdAt, _ := PT(&existing).Timestamps()
	pt.SetTimestamps(createdAt, time.Now().UnixMilli())

	if err := c.appendRecord(rec); err != nil {
		return zero, err
	}
	c.items[id] = rec
	return rec, nil
}

// Delete appends a tombstone and removes id from the cache. Idempotent:
// deleting an already-absent id is not an error.
func (c *Collection[T, PT]) Delete(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureBuilt(); err != nil {
		return err
	}
	if _, ok := c.items[id]; !ok {
		return nil
	}

	line, err := json.Marshal(tombstone{ID: id, Deleted: true})
	if err != nil {
		return fmt.Errorf("marshal tombstone: %w", err)
	}
	if err := c.appendLocked(line); err != nil {
		return err
	}
	delete(c.items, id)
	return nil
}

// List returns every live record matching all filters (conjunctive). Only
// fields the collection's IndexFunc reports are filterable; an unknown
// field returns KindInvalidFilter.
func (c *Collection[T, PT]) List(filters []Filter) ([]T, error) {
	c.mu.Lock()
	if err := c.ensureBuilt(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []T
	for _, rec := range c.items {
		recCopy := rec
		vals := c.indexFn(&recCopy)
		matched := true
		for _, f := range filters {
			want, known := vals[f.Field]
			if !known {
				return nil, looprerrors.New(looprerrors.KindInvalidFilter, "field is not indexed").WithField(f.Field)
			}
			if !compare(want, f.Value, f.Op) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, recCopy)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		ci, _ := PT(&out[i]).Timestamps()
		cj, _ := PT(&out[j]).Timestamps()
		if ci != cj {
			return ci < cj
		}
		return PT(&out[i]).EntityID() < PT(&out[j]).EntityID()
	})
	return out, nil
}

func (c *Collection[T, PT]) appendRecord(rec T) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return c.appendLocked(line)
}

// appendLocked acquires the cross-process advisory lock for the duration
// of one append. Caller must already hold c.mu.
func (c *Collection[T, PT]) appendLocked(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("create collection directory: %w", err)
	}
	lock, err := acquireFileLock(c.path)
	if err != nil {
		return err
	}
	defer lock.release()

	if err := appendLine(c.path, line); err != nil {
		return err
	}
	c.snapshot = time.Now()
	return nil
}
