// Package definitions loads stage definitions from YAML search paths.
package definitions

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Workflow is one orchestration entry of a stage definition.
type Workflow struct {
	Name    string         `yaml:"name"`
	Version int            `yaml:"version,omitempty"`
	When    string         `yaml:"when,omitempty"`
	Inputs  map[string]any `yaml:"inputs,omitempty"`
}

// FilePresence requires file refs under a key to satisfy a count constraint.
// An absent count means 1 and an absent operator means ">=".
type FilePresence struct {
	Key           string `yaml:"key"`
	Count         *int   `yaml:"count,omitempty"`
	CountOperator string `yaml:"count_operator,omitempty"`
}

// StageCheck requires a sibling stage instance to hold a status. Checks live
// under requirements.stages keyed by the sibling definition name.
type StageCheck struct {
	Status string `yaml:"status"`
}

// AttributeCheck compares a document attribute against a value.
type AttributeCheck struct {
	Attribute     string `yaml:"attribute"`
	Operator      string `yaml:"operator"`
	Value         any    `yaml:"value"`
	CaseSensitive *bool  `yaml:"case_sensitive,omitempty"`
}

// ListCheck asserts membership of a value in a list attribute.
type ListCheck struct {
	Attribute     string `yaml:"attribute"`
	Operator      string `yaml:"operator"`
	Value         any    `yaml:"value"`
	CaseSensitive *bool  `yaml:"case_sensitive,omitempty"`
}

// Requirements groups the gating checks of a stage definition. All listed
// checks must hold for the requirements to be satisfied.
type Requirements struct {
	FilePresence    []FilePresence        `yaml:"file_presence,omitempty"`
	Stages          map[string]StageCheck `yaml:"stages,omitempty"`
	AttributeChecks []AttributeCheck      `yaml:"attribute_checks,omitempty"`
	ListChecks      []ListCheck           `yaml:"list_checks,omitempty"`
}

// Empty reports whether no checks are configured.
func (r Requirements) Empty() bool {
	return len(r.FilePresence) == 0 && len(r.Stages) == 0 &&
		len(r.AttributeChecks) == 0 && len(r.ListChecks) == 0
}

// StageDefinition is a named processing step template.
type StageDefinition struct {
	Name             string       `yaml:"name"`
	Active           *bool        `yaml:"active,omitempty"`
	MultipleCallable bool         `yaml:"multiple_callable,omitempty"`
	Requirements     Requirements `yaml:"requirements,omitempty"`
	Workflows        []Workflow   `yaml:"workflows,omitempty"`

	// Origin is the file the definition was loaded from.
	Origin string `yaml:"-"`
}

// IsActive reports whether the definition participates in evaluation.
// Definitions are active unless marked otherwise.
func (d *StageDefinition) IsActive() bool {
	return d.Active == nil || *d.Active
}

// Validate checks the definition's structural invariants.
func (d *StageDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("stage definition without name (%s)", d.Origin)
	}
	for i, w := range d.Workflows {
		if w.Name == "" {
			return fmt.Errorf("stage %s: workflows[%d] has no name", d.Name, i)
		}
	}
	return nil
}

// Set resolves stage definitions by name.
type Set struct {
	byName map[string]*StageDefinition
}

// NewSet builds a set from in-memory definitions. Later entries override
// earlier ones by name, like later search paths do.
func NewSet(defs ...*StageDefinition) *Set {
	set := &Set{byName: map[string]*StageDefinition{}}
	for _, def := range defs {
		set.byName[def.Name] = def
	}
	return set
}

// Load walks the search paths in order and parses every *.yml / *.yaml file.
// A definition found in a later path replaces one with the same name from an
// earlier path. Missing directories are skipped.
func Load(paths []string) (*Set, error) {
	set := &Set{byName: map[string]*StageDefinition{}}
	for _, dir := range paths {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".yml" && ext != ".yaml" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			def, err := fromFile(path)
			if err != nil {
				return nil, err
			}
			set.byName[def.Name] = def
		}
	}
	return set, nil
}

func fromFile(path string) (*StageDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def StageDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	def.Origin = path
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Get returns the definition with the given name, or nil.
func (s *Set) Get(name string) *StageDefinition {
	return s.byName[name]
}

// Active returns the active definitions sorted by name.
func (s *Set) Active() []*StageDefinition {
	var out []*StageDefinition
	for _, def := range s.byName {
		if def.IsActive() {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// All returns every loaded definition sorted by name, inactive included.
func (s *Set) All() []*StageDefinition {
	out := make([]*StageDefinition, 0, len(s.byName))
	for _, def := range s.byName {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the sorted names of all loaded definitions.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
