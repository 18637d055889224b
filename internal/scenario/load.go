package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadError reports a scenario file that cannot be used.
type LoadError struct {
	File    string
	Field   string // e.g. "steps[2]"; empty for file-level problems
	Message string
	Err     error
}

func (e *LoadError) Error() string {
	prefix := e.File
	if prefix == "" {
		prefix = "scenario"
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", prefix, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Load reads and validates a scenario file. Unknown keys are rejected so
// typos surface instead of being ignored.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{File: path, Message: "read failed", Err: err}
	}
	return Parse(path, data)
}

// Parse decodes and validates a scenario. name is used in error messages.
func Parse(name string, data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, &LoadError{File: name, Message: fmt.Sprintf("parse YAML: %v", err), Err: err}
	}

	if err := Validate(&sc); err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.File = name
		}
		return nil, err
	}
	return &sc, nil
}

// Validate checks a decoded scenario, including that every CUE expression
// parses. It reports the first problem found.
func Validate(sc *Scenario) error {
	if sc.Name == "" {
		return &LoadError{Field: "name", Message: "is required"}
	}
	if len(sc.Steps) == 0 {
		return &LoadError{Field: "steps", Message: "must be non-empty"}
	}
	if sc.MaxCascade != nil && *sc.MaxCascade < 0 {
		return &LoadError{Field: "max_cascade", Message: "must be non-negative"}
	}

	seen := make(map[string]bool, len(sc.Fields))
	for i, f := range sc.Fields {
		field := fmt.Sprintf("fields[%d]", i)
		if f.Path == "" {
			return &LoadError{Field: field, Message: "path is required"}
		}
		if seen[f.Path] {
			return &LoadError{Field: field, Message: fmt.Sprintf("duplicate path %q", f.Path)}
		}
		seen[f.Path] = true

		if len(f.Set) == 0 && f.Fail == "" {
			return &LoadError{Field: field, Message: "set or fail is required"}
		}
		if f.Delay != "" {
			if _, err := time.ParseDuration(f.Delay); err != nil {
				return &LoadError{Field: field + ".delay", Message: err.Error(), Err: err}
			}
		}
		if f.When != "" {
			if _, err := parseExpr(field+".when", f.When); err != nil {
				return &LoadError{Field: field + ".when", Message: "invalid expression", Err: err}
			}
		}
		for _, target := range sortedKeys(f.Set) {
			t := f.Set[target]
			name := fmt.Sprintf("%s.set.%s", field, target)
			if t.Expr == "" {
				return &LoadError{Field: name, Message: "expression is required"}
			}
			if _, err := parseExpr(name, t.Expr); err != nil {
				return &LoadError{Field: name, Message: "invalid expression", Err: err}
			}
		}
	}

	for i, r := range sc.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.Path == "" || r.Expr == "" || r.Message == "" {
			return &LoadError{Field: field, Message: "path, expr and message are required"}
		}
		if _, err := parseExpr(field, r.Expr); err != nil {
			return &LoadError{Field: field, Message: "invalid expression", Err: err}
		}
	}

	for i, step := range sc.Steps {
		field := fmt.Sprintf("steps[%d]", i)
		action, err := step.action()
		if err != nil {
			return &LoadError{Field: field, Message: err.Error()}
		}
		switch action {
		case "commit":
			for j, c := range step.Commit {
				if c.Path == "" {
					return &LoadError{Field: fmt.Sprintf("%s.commit[%d]", field, j), Message: "path is required"}
				}
			}
		case "external":
			if step.External.Field == "" {
				return &LoadError{Field: field + ".external", Message: "field is required"}
			}
		case "recalculate":
			if step.Recalculate.Path == "" {
				return &LoadError{Field: field + ".recalculate", Message: "path is required"}
			}
		}
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
