package core

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline represents one declarative CI pipeline: a build matrix and the
// ordered steps every job of that matrix runs.
type Pipeline struct {
	Name      string            `yaml:"name" json:"name"`
	OS        string            `yaml:"os,omitempty" json:"os,omitempty"`                 // runner label exposed to templates as .OS
	FailFast  bool              `yaml:"fail_fast,omitempty" json:"fail_fast,omitempty"`   // abort unstarted jobs after the first failure
	CrossTool string            `yaml:"cross_tool,omitempty" json:"cross_tool,omitempty"` // replaces the first command word of cross steps
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Matrix    []Dimension       `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	Overlays  []EnvEntry        `yaml:"overlays,omitempty" json:"overlays,omitempty"`
	Caches    []CacheSpec       `yaml:"caches,omitempty" json:"caches,omitempty"`
	Steps     []Step            `yaml:"steps" json:"steps"`
}

// Dimension is one named axis of the build matrix.
type Dimension struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// CacheSpec describes one cache category restored and saved by a job.
type CacheSpec struct {
	Category string `yaml:"category" json:"category"` // e.g. registry, index, build
	Path     string `yaml:"path" json:"path"`         // directory to restore into and archive from
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
	Lock     string `yaml:"lock,omitempty" json:"lock,omitempty"` // lock artifact fingerprinted into the key
}

// EnvEntry is one environment overlay entry. Without When the Value is
// applied as is; with When, Then or Else is selected per job.
type EnvEntry struct {
	Name  string     `yaml:"name" json:"name"`
	Value string     `yaml:"value,omitempty" json:"value,omitempty"`
	When  *Predicate `yaml:"when,omitempty" json:"when,omitempty"`
	Then  string     `yaml:"then,omitempty" json:"then,omitempty"`
	Else  string     `yaml:"else,omitempty" json:"else,omitempty"`
}

// Rule returns the value rule of the entry.
func (e EnvEntry) Rule() Rule {
	return Rule{Value: e.Value, When: e.When, Then: e.Then, Else: e.Else}
}

// Cache returns the cache spec for a category.
func (p *Pipeline) Cache(category string) (CacheSpec, bool) {
	for _, c := range p.Caches {
		if c.Category == category {
			return c, true
		}
	}
	return CacheSpec{}, false
}

// Duration is a time.Duration that decodes from strings like "30m".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalText renders the duration for JSON output.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
