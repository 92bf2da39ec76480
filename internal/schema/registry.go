// SPDX-License-Identifier: Apache-2.0

package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mirelo/stagehand/internal/domain"
	"gopkg.in/yaml.v3"
)

// Registry maps pipeline names to validated definitions. The two
// built-in pipelines are always present; additional pipelines can be
// registered programmatically or loaded from YAML files, with no code
// changes to the engine.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	r := &Registry{defs: make(map[string]Definition, 4)}

	// Built-ins are authored in code; a validation failure here is a
	// programming error.
	for _, d := range []Definition{contentDefinition(), developmentDefinition()} {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}

	return r
}

func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("%w: schema %q already registered", domain.ErrConfiguration, d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

func (r *Registry) Get(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", domain.ErrUnknownPipeline, name)
	}
	return d, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile parses and validates a single YAML schema file.
func LoadFile(path string) (Definition, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("read schema file: %w", err)
	}

	var d Definition
	if err := yaml.Unmarshal(body, &d); err != nil {
		return Definition{}, fmt.Errorf("parse schema file %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// LoadDir registers every *.yaml/*.yml definition found in dir.
// A missing directory is not an error: custom schemas are optional.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		d, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if err := r.Register(d); err != nil {
			return loaded, err
		}
		loaded++
	}

	return loaded, nil
}
