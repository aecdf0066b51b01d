package core

import (
	"bytes"
	"fmt"
	"slices"
	"strings"
	"text/template"
	"text/template/parse"
)

// templateData is what command, argument and cache key templates see.
type templateData struct {
	Matrix      map[string]string
	Env         map[string]string
	Args        map[string]string // resolved step arguments
	Job         string
	OS          string
	Category    string
	Fingerprint string
}

// render executes a template, failing on missing map keys.
func render(name, text string, data templateData) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// Fields each kind of template may reference.
var (
	commandFields  = []string{"Matrix", "Env", "Args", "Job", "OS"}
	argumentFields = []string{"Matrix", "Env", "Job", "OS"}
	cacheKeyFields = []string{"Matrix", "Env", "Job", "OS", "Category", "Fingerprint"}
)

// checkTemplate parses a template and checks its field references: every
// top-level field must be in allowed, .Matrix.<name> must be a declared
// dimension and .Args.<name> a declared argument. Env values are only
// known at run time and are not checked.
func checkTemplate(name, text string, allowed []string, dims []Dimension, args map[string]Rule) error {
	if !strings.Contains(text, "{{") {
		return nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return &ConfigError{Code: ErrCodeInvalidPipeline, Message: fmt.Sprintf("template: %v", err), Step: name}
	}

	var firstErr error
	walkFields(tmpl.Tree.Root, func(ident []string) {
		if firstErr == nil {
			firstErr = checkField(ident, allowed, dims, args)
		}
	})
	if firstErr != nil {
		return withStep(firstErr, name)
	}
	return nil
}

func checkField(ident []string, allowed []string, dims []Dimension, args map[string]Rule) error {
	if len(ident) == 0 {
		return nil
	}
	if !slices.Contains(allowed, ident[0]) {
		return newConfigError(ErrCodeInvalidPipeline, "template references unknown field .%s", ident[0])
	}
	if len(ident) < 2 {
		return nil
	}
	switch ident[0] {
	case "Matrix":
		if !slices.ContainsFunc(dims, func(d Dimension) bool { return d.Name == ident[1] }) {
			return newConfigError(ErrCodeUnknownDimension, "template references unknown dimension %q", ident[1])
		}
	case "Args":
		if _, ok := args[ident[1]]; !ok {
			return newConfigError(ErrCodeInvalidPipeline, "template references undeclared argument %q", ident[1])
		}
	}
	return nil
}

// walkFields calls fn for every field chain evaluated against the
// template's top-level data. Bodies of range and with run with a
// different dot and are not visited.
func walkFields(node parse.Node, fn func(ident []string)) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			walkFields(c, fn)
		}
	case *parse.ActionNode:
		walkFields(n.Pipe, fn)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			walkFields(c, fn)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			walkFields(a, fn)
		}
	case *parse.ChainNode:
		walkFields(n.Node, fn)
	case *parse.FieldNode:
		fn(n.Ident)
	case *parse.IfNode:
		walkFields(n.Pipe, fn)
		walkFields(n.List, fn)
		walkFields(n.ElseList, fn)
	case *parse.RangeNode:
		walkFields(n.Pipe, fn)
		walkFields(n.ElseList, fn)
	case *parse.WithNode:
		walkFields(n.Pipe, fn)
		walkFields(n.ElseList, fn)
	case *parse.TemplateNode:
		walkFields(n.Pipe, fn)
	}
}
