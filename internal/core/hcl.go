package core

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// hclPipelineFile is the decoding shape of an .hcl pipeline:
//
//	name = "ci"
//	dimension "version" { values = ["stable", "nightly"] }
//	overlay "RUSTFLAGS" { when = "linkage == static" then = "-C target-feature=+crt-static" }
//	cache "registry" { path = "~/.cargo/registry" lock = "Cargo.lock" }
//	step "build" { run = "cargo build" timeout = "30m" }
type hclPipelineFile struct {
	Name      string            `hcl:"name"`
	OS        string            `hcl:"os,optional"`
	FailFast  bool              `hcl:"fail_fast,optional"`
	CrossTool string            `hcl:"cross_tool,optional"`
	Env       map[string]string `hcl:"env,optional"`
	Matrix    []hclDimension    `hcl:"dimension,block"`
	Overlays  []hclRule         `hcl:"overlay,block"`
	Caches    []hclCache        `hcl:"cache,block"`
	Steps     []hclStep         `hcl:"step,block"`
}

type hclDimension struct {
	Name   string   `hcl:"name,label"`
	Values []string `hcl:"values"`
}

type hclRule struct {
	Name  string `hcl:"name,label"`
	Value string `hcl:"value,optional"`
	When  string `hcl:"when,optional"`
	Then  string `hcl:"then,optional"`
	Else  string `hcl:"else,optional"`
}

type hclCache struct {
	Category string `hcl:"category,label"`
	Path     string `hcl:"path"`
	Key      string `hcl:"key,optional"`
	Lock     string `hcl:"lock,optional"`
}

type hclStep struct {
	Name    string            `hcl:"name,label"`
	Run     string            `hcl:"run,optional"`
	Uses    string            `hcl:"uses,optional"`
	If      string            `hcl:"if,optional"`
	Timeout string            `hcl:"timeout,optional"`
	Cross   bool              `hcl:"cross,optional"`
	With    map[string]string `hcl:"with,optional"`
	Args    []hclRule         `hcl:"arg,block"` // conditional arguments
}

// ParsePipelineHCL decodes an HCL pipeline and validates it.
func ParsePipelineHCL(filename string, src []byte) (*Pipeline, error) {
	var file hclPipelineFile
	if err := hclsimple.Decode(filename, src, nil, &file); err != nil {
		return nil, &ConfigError{Code: ErrCodeInvalidPipeline, Message: err.Error()}
	}

	p := &Pipeline{
		Name:      file.Name,
		OS:        file.OS,
		FailFast:  file.FailFast,
		CrossTool: file.CrossTool,
		Env:       file.Env,
	}
	for _, d := range file.Matrix {
		p.Matrix = append(p.Matrix, Dimension{Name: d.Name, Values: d.Values})
	}
	for _, o := range file.Overlays {
		r, err := o.rule()
		if err != nil {
			return nil, err
		}
		p.Overlays = append(p.Overlays, EnvEntry{Name: o.Name, Value: r.Value, When: r.When, Then: r.Then, Else: r.Else})
	}
	for _, c := range file.Caches {
		p.Caches = append(p.Caches, CacheSpec{Category: c.Category, Path: c.Path, Key: c.Key, Lock: c.Lock})
	}
	for _, s := range file.Steps {
		step, err := s.step()
		if err != nil {
			return nil, err
		}
		p.Steps = append(p.Steps, step)
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (r hclRule) rule() (Rule, error) {
	if r.When == "" {
		return Rule{Value: r.Value}, nil
	}
	pred, err := ParsePredicate(r.When)
	if err != nil {
		return Rule{}, err
	}
	return Rule{When: pred, Then: r.Then, Else: r.Else}, nil
}

func (s hclStep) step() (Step, error) {
	step := Step{Name: s.Name, Run: s.Run, Uses: s.Uses, Cross: s.Cross}
	if s.If != "" {
		pred, err := ParsePredicate(s.If)
		if err != nil {
			return Step{}, withStep(err, s.Name)
		}
		step.If = pred
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return Step{}, &ConfigError{Code: ErrCodeInvalidPipeline, Message: fmt.Sprintf("invalid timeout %q", s.Timeout), Step: s.Name}
		}
		step.Timeout = Duration(d)
	}
	if len(s.With)+len(s.Args) > 0 {
		step.With = make(map[string]Rule, len(s.With)+len(s.Args))
	}
	for k, v := range s.With {
		step.With[k] = Rule{Value: v}
	}
	for _, a := range s.Args {
		r, err := a.rule()
		if err != nil {
			return Step{}, withStep(err, s.Name)
		}
		step.With[a.Name] = r
	}
	return step, nil
}
