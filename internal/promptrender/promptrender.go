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

// Package promptrender implements the engine's narrow PromptRenderer
// collaborator: substituting loop context variables into the template
// identified by a loop's prompt_path. Prompt template text itself is an
// external collaborator's concern, not the core's; this package only
// knows how to find and execute one.
package promptrender

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/loopr/loopr/pkg/looprerrors"
)

// Renderer loads templates from a directory on disk, parsing each lazily
// on first use and caching the parsed result for the process lifetime.
// Templates change only between daemon restarts in practice (spec.md names
// no hot-reload requirement, and fsnotify is deliberately not wired), so a
// cache with no invalidation is sufficient.
type Renderer struct {
	dir string

	mu     sync.RWMutex
	cached map[string]*template.Template
}

// New constructs a Renderer that resolves template_id against files under
// dir, e.g. template_id "plan.tmpl" loads dir/plan.tmpl.
func New(dir string) *Renderer {
	return &Renderer{
		dir:    dir,
		cached: make(map[string]*template.Template),
	}
}

// Render substitutes variables into the named template and returns the
// result.
func (r *Renderer) Render(templateID string, variables map[string]any) (string, error) {
	tmpl, err := r.load(templateID)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, variables); err != nil {
		return "", looprerrors.Wrap(looprerrors.KindInternal, fmt.Sprintf("executing template %q", templateID), err)
	}
	return buf.String(), nil
}

func (r *Renderer) load(templateID string) (*template.Template, error) {
	if templateID == "" {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "prompt template id is required")
	}
	if strings.Contains(templateID, "..") || filepath.IsAbs(templateID) {
		return nil, looprerrors.New(looprerrors.KindInvalidParams, "prompt template id must be a relative path without ..")
	}

	r.mu.RLock()
	tmpl, ok := r.cached[templateID]
	r.mu.RUnlock()
	if ok {
		return tmpl, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tmpl, ok := r.cached[templateID]; ok {
		return tmpl, nil
	}

	path := filepath.Join(r.dir, templateID)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, looprerrors.Wrap(looprerrors.KindNotFound, fmt.Sprintf("reading prompt template %q", templateID), err)
	}

	tmpl, err = template.New(templateID).Parse(string(data))
	if err != nil {
		return nil, looprerrors.Wrap(looprerrors.KindConfigInvalid, fmt.Sprintf("parsing prompt template %q", templateID), err)
	}
	r.cached[templateID] = tmpl
	return tmpl, nil
}
