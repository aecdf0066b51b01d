package core

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Op is a comparison operator of a predicate term.
type Op string

const (
	OpEq Op = "=="
	OpNe Op = "!="
)

// Term compares one dimension against a literal value.
type Term struct {
	Dimension string
	Op        Op
	Value     string
}

// Predicate is a conjunction of terms. A nil predicate is always true.
type Predicate struct {
	Terms []Term
}

// Eq is a shorthand for a single equality predicate.
func Eq(dimension, value string) *Predicate {
	return &Predicate{Terms: []Term{{Dimension: dimension, Op: OpEq, Value: value}}}
}

// And joins predicates into one conjunction.
func And(preds ...*Predicate) *Predicate {
	out := &Predicate{}
	for _, p := range preds {
		if p != nil {
			out.Terms = append(out.Terms, p.Terms...)
		}
	}
	return out
}

// ParsePredicate parses `dim == value && other != "quoted value"`. Quoted
// values may contain && and the comparison operators.
func ParsePredicate(expr string) (*Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, newConfigError(ErrCodeInvalidPipeline, "empty predicate")
	}
	parts, err := splitTerms(expr)
	if err != nil {
		return nil, err
	}
	p := &Predicate{}
	for _, raw := range parts {
		term, err := parseTerm(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		p.Terms = append(p.Terms, term)
	}
	return p, nil
}

// splitTerms splits on && outside quotes.
func splitTerms(expr string) ([]string, error) {
	var parts []string
	var quote byte
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '&' && i+1 < len(expr) && expr[i+1] == '&':
			parts = append(parts, expr[start:i])
			i++
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, newConfigError(ErrCodeInvalidPipeline, "predicate %q has an unterminated quote", expr)
	}
	return append(parts, expr[start:]), nil
}

// findOperator returns the first == or != outside quotes.
func findOperator(s string) (int, Op) {
	var quote byte
	for i := 0; i+1 < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case s[i+1] == '=' && (c == '=' || c == '!'):
			if c == '!' {
				return i, OpNe
			}
			return i, OpEq
		}
	}
	return -1, ""
}

func parseTerm(s string) (Term, error) {
	idx, op := findOperator(s)
	if idx < 0 {
		return Term{}, newConfigError(ErrCodeInvalidPipeline, "predicate term %q has no == or != operator", s)
	}
	dim := strings.TrimSpace(s[:idx])
	val := strings.TrimSpace(s[idx+len(op):])
	if dim == "" {
		return Term{}, newConfigError(ErrCodeInvalidPipeline, "predicate term %q has no dimension", s)
	}
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		val = val[1 : len(val)-1]
	}
	return Term{Dimension: dim, Op: op, Value: val}, nil
}

// Evaluate reports whether the job satisfies every term. A term naming a
// dimension the job lacks is an UNKNOWN_DIMENSION error; Validate catches
// those before any job starts.
func (p *Predicate) Evaluate(job JobContext) (bool, error) {
	if p == nil {
		return true, nil
	}
	for _, t := range p.Terms {
		v, ok := job.Get(t.Dimension)
		if !ok {
			return false, newConfigError(ErrCodeUnknownDimension, "predicate references unknown dimension %q", t.Dimension)
		}
		if (v == t.Value) != (t.Op == OpEq) {
			return false, nil
		}
	}
	return true, nil
}

// Validate checks every term against the declared dimensions.
func (p *Predicate) Validate(dims []Dimension) error {
	if p == nil {
		return nil
	}
	for _, t := range p.Terms {
		found := false
		for _, d := range dims {
			if d.Name == t.Dimension {
				found = true
				break
			}
		}
		if !found {
			return newConfigError(ErrCodeUnknownDimension, "predicate %q references unknown dimension %q", p.String(), t.Dimension)
		}
	}
	return nil
}

// String renders the predicate in its parseable form.
func (p *Predicate) String() string {
	if p == nil {
		return ""
	}
	parts := make([]string, len(p.Terms))
	for i, t := range p.Terms {
		parts[i] = fmt.Sprintf("%s %s %s", t.Dimension, t.Op, t.Value)
	}
	return strings.Join(parts, " && ")
}

// UnmarshalYAML decodes the string form.
func (p *Predicate) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: predicate must be a string: %w", node.Line, err)
	}
	parsed, err := ParsePredicate(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*p = *parsed
	return nil
}

// MarshalText renders the predicate for JSON output.
func (p Predicate) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}
