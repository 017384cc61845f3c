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

package model

// EntityID returns the record's id. Promoted by every type embedding Base,
// which is how they satisfy store.Entity.
func (b *Base) EntityID() string { return b.ID }

// SetID sets the record's id. Called once by the store on create.
func (b *Base) SetID(id string) { b.ID = id }

// Timestamps returns the created/updated millisecond epoch pair.
func (b *Base) Timestamps() (createdAt, updatedAt int64) {
	return b.CreatedAt, b.UpdatedAt
}

// SetTimestamps sets the created/updated millisecond epoch pair. The store
// calls this on every create/update so the record always reflects what was
// actually persisted.
func (b *Base) SetTimestamps(createdAt, updatedAt int64) {
	b.CreatedAt = createdAt
	b.UpdatedAt = updatedAt
}
