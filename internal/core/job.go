package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step kinds selected with `uses`.
const (
	UsesCommand  = ""
	UsesCache    = "cache"
	UsesCoverage = "coverage"
)

// ArgExtra is the command step argument appended to the command line.
const ArgExtra = "args"

// Step represents a single instruction inside a job
type Step struct {
	Name    string          `yaml:"name" json:"name"`
	Run     string          `yaml:"run,omitempty" json:"run,omitempty"` // command template (e.g. "cargo build --{{.Matrix.linkage}}")
	Uses    string          `yaml:"uses,omitempty" json:"uses,omitempty"`
	If      *Predicate      `yaml:"if,omitempty" json:"if,omitempty"`
	Timeout Duration        `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Cross   bool            `yaml:"cross,omitempty" json:"cross,omitempty"`
	With    map[string]Rule `yaml:"with,omitempty" json:"with,omitempty"`
}

// Rule produces a value for one job. A rule without When always yields
// Value; otherwise Then or Else is chosen by evaluating When.
type Rule struct {
	Value string     `yaml:"value,omitempty" json:"value,omitempty"`
	When  *Predicate `yaml:"when,omitempty" json:"when,omitempty"`
	Then  string     `yaml:"then,omitempty" json:"then,omitempty"`
	Else  string     `yaml:"else,omitempty" json:"else,omitempty"`
}

// UnmarshalYAML accepts a plain scalar as an unconditional rule.
func (r *Rule) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*r = Rule{Value: node.Value}
		return nil
	}
	type plain Rule
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*r = Rule(p)
	return nil
}

// Select picks the rule's value for the given job.
func (r Rule) Select(job JobContext) (string, error) {
	if r.When == nil {
		return r.Value, nil
	}
	ok, err := r.When.Evaluate(job)
	if err != nil {
		return "", err
	}
	if ok {
		return r.Then, nil
	}
	return r.Else, nil
}

// Active reports whether the step runs for the given job.
func (s Step) Active(job JobContext) (bool, error) {
	if s.If == nil {
		return true, nil
	}
	return s.If.Evaluate(job)
}

// JobContext is one concrete combination of dimension values. It is
// immutable; the zero value is a job of a pipeline without a matrix.
type JobContext struct {
	index  int
	names  []string
	values []string
}

// NewJobContext builds a context from parallel name/value slices.
func NewJobContext(index int, names, values []string) JobContext {
	return JobContext{
		index:  index,
		names:  append([]string(nil), names...),
		values: append([]string(nil), values...),
	}
}

// Index is the position of the job in enumeration order.
func (j JobContext) Index() int { return j.index }

// Get returns the value of a dimension.
func (j JobContext) Get(name string) (string, bool) {
	for i, n := range j.names {
		if n == name {
			return j.values[i], true
		}
	}
	return "", false
}

// Names returns dimension names in declaration order.
func (j JobContext) Names() []string { return append([]string(nil), j.names...) }

// Values returns the identity tuple of the job.
func (j JobContext) Values() []string { return append([]string(nil), j.values...) }

// Map returns the context as a fresh map for templates.
func (j JobContext) Map() map[string]string {
	m := make(map[string]string, len(j.names))
	for i, n := range j.names {
		m[n] = j.values[i]
	}
	return m
}

// Name renders the job name used in logs and reports: "ci (stable, static)".
func (j JobContext) Name(pipeline string) string {
	if len(j.values) == 0 {
		return pipeline
	}
	return fmt.Sprintf("%s (%s)", pipeline, strings.Join(j.values, ", "))
}

// String renders "version=stable,linkage=static".
func (j JobContext) String() string {
	parts := make([]string, len(j.names))
	for i, n := range j.names {
		parts[i] = n + "=" + j.values[i]
	}
	return strings.Join(parts, ",")
}

// MarshalJSON renders the context as an object in declaration order.
func (j JobContext) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, n := range j.names {
		if i > 0 {
			b.WriteByte(',')
		}
		k, _ := json.Marshal(n)
		v, _ := json.Marshal(j.values[i])
		b.Write(k)
		b.WriteByte(':')
		b.Write(v)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
