// Package scenario runs declarative form scenarios.
//
// A scenario is a YAML document that sets up a Store, binds recalculation
// fields whose handlers are CUE expressions, drives the Store through a list
// of steps, and checks the final state. Running a scenario yields a Result
// with the verdict and the emission trace, which golden tests compare
// byte-for-byte.
//
// Handler expressions see these identifiers:
//
//	current         the field's new value
//	prev            the field's previous value
//	values          the whole value tree
//	external        the external memo
//	lastCalledPath  the most recently triggered field
//
// Example:
//
//	name: bidirectional
//	description: either field derives the other
//	default_values: {first: 0, second: 0}
//	fields:
//	  - path: first
//	    set: {second: current * 10}
//	  - path: second
//	    set: {first: current * 10}
//	steps:
//	  - commit: [{path: first, value: 5, mode: native}]
//	expect:
//	  values: {second: 50}
package scenario

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Scenario is one runnable scenario.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description says what the scenario demonstrates.
	Description string `yaml:"description"`

	// DefaultValues seeds the Store.
	DefaultValues map[string]any `yaml:"default_values"`

	// External seeds the recalculation engine's external memo.
	External map[string]any `yaml:"external,omitempty"`

	// Fields are the recalculation fields, in declaration order.
	Fields []FieldSpec `yaml:"fields,omitempty"`

	// Rules validate values after every change.
	Rules []RuleSpec `yaml:"rules,omitempty"`

	// Steps drive the Store.
	Steps []Step `yaml:"steps"`

	// Expect is checked once every step has run.
	Expect Expect `yaml:"expect"`

	// MaxCascade overrides the engine's cascade limit. Zero disables it.
	MaxCascade *int `yaml:"max_cascade,omitempty"`
}

// FieldSpec declares a recalculation field.
type FieldSpec struct {
	Path      string `yaml:"path"`
	WatchType string `yaml:"watch_type,omitempty"`

	// Async runs the handler on its own goroutine.
	Async bool `yaml:"async,omitempty"`

	// Delay makes the handler wait before computing, e.g. "50ms".
	Delay string `yaml:"delay,omitempty"`

	// When is a CUE boolean; the handler writes nothing when it is false.
	When string `yaml:"when,omitempty"`

	// Fail makes the handler return an error with this message.
	Fail string `yaml:"fail,omitempty"`

	// Set maps target paths to CUE expressions.
	Set map[string]TargetSpec `yaml:"set,omitempty"`
}

// TargetSpec is one derived write. In YAML it is either a bare expression or
// a mapping with expr and mode.
type TargetSpec struct {
	Expr string `yaml:"expr"`
	Mode string `yaml:"mode,omitempty"`
}

// UnmarshalYAML accepts the scalar shorthand.
func (t *TargetSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Expr = node.Value
		return nil
	}
	type plain TargetSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = TargetSpec(p)
	return nil
}

// RuleSpec is a validation rule. Expr is a CUE boolean evaluated with
// `value` (the value at Path) and `values` in scope; when it is false the
// field gets Message as its error.
type RuleSpec struct {
	Path    string `yaml:"path"`
	Expr    string `yaml:"expr"`
	Message string `yaml:"message"`
}

// Step is one action. Exactly one of the action fields must be set.
type Step struct {
	Name        string            `yaml:"name,omitempty"`
	Commit      []CommitSpec      `yaml:"commit,omitempty"`
	External    *ExternalSpec     `yaml:"external,omitempty"`
	Recalculate *RecalculateSpec  `yaml:"recalculate,omitempty"`
	SetErrors   map[string]string `yaml:"set_errors,omitempty"`
	ResetErrors *[]string         `yaml:"reset_errors,omitempty"`
	Reset       bool              `yaml:"reset,omitempty"`
	Submit      *SubmitSpec       `yaml:"submit,omitempty"`

	// Settle waits for the engine to go idle after the step. Defaults to
	// true.
	Settle *bool `yaml:"settle,omitempty"`
}

// CommitSpec is one write of a commit step.
type CommitSpec struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
	Mode  string `yaml:"mode,omitempty"`
}

// ExternalSpec feeds an external input.
type ExternalSpec struct {
	Field string `yaml:"field"`
	Value any    `yaml:"value"`
}

// RecalculateSpec forces a field to recalculate. Without a value the field's
// current value is recommitted.
type RecalculateSpec struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value,omitempty"`
}

// SubmitSpec submits the form. A non-empty Fail makes the submit handler
// return that error.
type SubmitSpec struct {
	Fail string `yaml:"fail,omitempty"`
}

// Expect lists the checks made after the last step. Unset parts are not
// checked.
type Expect struct {
	// Values maps paths to expected values. Numbers compare by value, so
	// 50 and 50.0 match.
	Values map[string]any `yaml:"values,omitempty"`

	// Touched and Dirty list exactly the flagged paths.
	Touched *[]string `yaml:"touched,omitempty"`
	Dirty   *[]string `yaml:"dirty,omitempty"`

	// Errors is the exact error map.
	Errors map[string]string `yaml:"errors,omitempty"`

	External       map[string]any `yaml:"external,omitempty"`
	Submitted      *bool          `yaml:"submitted,omitempty"`
	Emissions      *int           `yaml:"emissions,omitempty"`
	LastCalledPath *string        `yaml:"last_called_path,omitempty"`
}

// action names the action a step performs, or "" if it has none. A step
// with several actions reports an error.
func (s Step) action() (string, error) {
	var set []string
	if len(s.Commit) > 0 {
		set = append(set, "commit")
	}
	if s.External != nil {
		set = append(set, "external")
	}
	if s.Recalculate != nil {
		set = append(set, "recalculate")
	}
	if s.SetErrors != nil {
		set = append(set, "set_errors")
	}
	if s.ResetErrors != nil {
		set = append(set, "reset_errors")
	}
	if s.Reset {
		set = append(set, "reset")
	}
	if s.Submit != nil {
		set = append(set, "submit")
	}

	switch len(set) {
	case 0:
		return "", fmt.Errorf("step has no action")
	case 1:
		return set[0], nil
	default:
		return "", fmt.Errorf("step has several actions: %v", set)
	}
}

func (s Step) settle() bool {
	return s.Settle == nil || *s.Settle
}
