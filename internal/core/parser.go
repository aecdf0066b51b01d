package core

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsePipeline parses YAML content into a validated Pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		if IsConfigError(err) {
			return nil, err
		}
		return nil, &ConfigError{Code: ErrCodeInvalidPipeline, Message: err.Error()}
	}
	if err := pipeline.Validate(); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline file; .hcl files go through the HCL loader,
// everything else is YAML.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return ParsePipelineHCL(filepath.Base(path), data)
	}
	return ParsePipeline(data)
}

// Validate rejects malformed pipelines before any job starts: empty or
// duplicated dimensions, predicates naming unknown dimensions, steps that
// reference undeclared caches and unparsable templates.
func (p *Pipeline) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return newConfigError(ErrCodeInvalidPipeline, "pipeline name is required")
	}
	if err := validateMatrix(p.Matrix); err != nil {
		return err
	}
	if len(p.Steps) == 0 {
		return newConfigError(ErrCodeInvalidPipeline, "pipeline %q has no steps", p.Name)
	}

	for _, o := range p.Overlays {
		if o.Name == "" {
			return newConfigError(ErrCodeInvalidPipeline, "overlay entry without a variable name")
		}
		if err := o.When.Validate(p.Matrix); err != nil {
			return err
		}
	}

	categories := make(map[string]bool, len(p.Caches))
	for _, c := range p.Caches {
		if c.Category == "" || c.Path == "" {
			return newConfigError(ErrCodeInvalidPipeline, "cache entries need a category and a path")
		}
		if categories[c.Category] {
			return newConfigError(ErrCodeInvalidPipeline, "cache category %q declared twice", c.Category)
		}
		categories[c.Category] = true
		if err := checkTemplate("cache "+c.Category, c.Key, cacheKeyFields, p.Matrix, nil); err != nil {
			return err
		}
	}

	names := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		if s.Name == "" {
			return newConfigError(ErrCodeInvalidPipeline, "step %d has no name", i+1)
		}
		if names[s.Name] {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "duplicate step name", Step: s.Name}
		}
		names[s.Name] = true
		if err := p.validateStep(s, categories); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) validateStep(s Step, categories map[string]bool) error {
	if err := s.If.Validate(p.Matrix); err != nil {
		return withStep(err, s.Name)
	}
	for _, r := range s.With {
		if err := r.When.Validate(p.Matrix); err != nil {
			return withStep(err, s.Name)
		}
		for _, text := range []string{r.Value, r.Then, r.Else} {
			if err := checkTemplate(s.Name, text, argumentFields, p.Matrix, nil); err != nil {
				return err
			}
		}
	}
	if s.Timeout < 0 {
		return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "negative timeout", Step: s.Name}
	}

	switch s.Uses {
	case UsesCommand:
		if strings.TrimSpace(s.Run) == "" {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "command step needs run", Step: s.Name}
		}
		if s.Cross && p.CrossTool == "" {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "cross step but pipeline has no cross_tool", Step: s.Name}
		}
		return checkTemplate(s.Name, s.Run, commandFields, p.Matrix, s.With)
	case UsesCache:
		cat, ok := s.With["category"]
		if !ok || cat.When != nil {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "cache step needs an unconditional with.category", Step: s.Name}
		}
		if !categories[cat.Value] {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: fmt.Sprintf("unknown cache category %q", cat.Value), Step: s.Name}
		}
	case UsesCoverage:
		if _, ok := s.With["path"]; !ok {
			return &ConfigError{Code: ErrCodeInvalidPipeline, Message: "coverage step needs with.path", Step: s.Name}
		}
	default:
		return &ConfigError{Code: ErrCodeInvalidPipeline, Message: fmt.Sprintf("unknown uses %q", s.Uses), Step: s.Name}
	}
	return nil
}

func withStep(err error, step string) error {
	if ce, ok := err.(*ConfigError); ok && ce.Step == "" {
		cp := *ce
		cp.Step = step
		return &cp
	}
	return err
}
