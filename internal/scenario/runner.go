package scenario

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/roach88/formstate/internal/form"
	"github.com/roach88/formstate/internal/recalc"
	"github.com/roach88/formstate/internal/trace"
	"github.com/roach88/formstate/internal/valuepath"
)

// DefaultSettleTimeout bounds the wait for the engine after each step.
const DefaultSettleTimeout = 5 * time.Second

// Result is the outcome of one scenario run.
type Result struct {
	Name string

	// Pass is true when every step ran and every expectation held.
	Pass bool

	// Errors lists failed steps and expectations. Empty when Pass is true.
	Errors []string

	// Trace holds every store emission in order.
	Trace []trace.Event

	// Data is the final store snapshot.
	Data form.Data

	// External is the final external memo.
	External map[string]any
}

func newResult(name string) *Result {
	return &Result{Name: name, Pass: true, Errors: []string{}}
}

// AddError records a failure.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// Option configures Run.
type Option func(*runConfig)

type runConfig struct {
	logger        *slog.Logger
	maxCascade    int
	sinks         []func(trace.Event)
	settleTimeout time.Duration
}

// WithLogger sets the logger handed to the store and engine. Runs are
// silent by default.
func WithLogger(logger *slog.Logger) Option {
	return func(c *runConfig) {
		c.logger = logger
	}
}

// WithMaxCascade sets the cascade limit for scenarios that do not set their
// own.
func WithMaxCascade(n int) Option {
	return func(c *runConfig) {
		c.maxCascade = n
	}
}

// WithSink receives every emission as it is recorded.
func WithSink(fn func(trace.Event)) Option {
	return func(c *runConfig) {
		c.sinks = append(c.sinks, fn)
	}
}

// WithSettleTimeout bounds the wait for the engine after each step.
func WithSettleTimeout(d time.Duration) Option {
	return func(c *runConfig) {
		c.settleTimeout = d
	}
}

// Run executes sc against a fresh Store and engine.
//
// The returned error is reserved for scenarios that cannot be set up, such as
// an expression that does not parse. Failing steps and unmet expectations are
// reported through Result.
func Run(ctx context.Context, sc *Scenario, opts ...Option) (*Result, error) {
	cfg := runConfig{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxCascade:    recalc.DefaultMaxCascade,
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if sc.MaxCascade != nil {
		cfg.maxCascade = *sc.MaxCascade
	}

	if err := Validate(sc); err != nil {
		return nil, err
	}

	ev := newEvaluator()
	fields, err := compileFields(ev, sc.Fields)
	if err != nil {
		return nil, err
	}

	store := form.New(form.Options{DefaultValues: sc.DefaultValues, Logger: cfg.logger})

	var recOpts []trace.Option
	for _, sink := range cfg.sinks {
		recOpts = append(recOpts, trace.WithSink(sink))
	}
	rec := trace.Attach(store, recOpts...)
	defer rec.Detach()

	if len(sc.Rules) > 0 {
		validator, err := compileRules(ev, sc.Rules, cfg.logger)
		if err != nil {
			return nil, err
		}
		defer form.Validate(store, validator)()
	}

	engine := recalc.New(store, fields, sc.External,
		recalc.WithLogger(cfg.logger),
		recalc.WithMaxCascade(cfg.maxCascade),
	)
	defer engine.Dispose()

	result := newResult(sc.Name)
	r := &runner{store: store, engine: engine, cfg: cfg}

	for i, step := range sc.Steps {
		label := fmt.Sprintf("steps[%d]", i)
		if step.Name != "" {
			label = fmt.Sprintf("%s (%s)", label, step.Name)
		}
		if err := r.do(ctx, step); err != nil {
			result.AddError("%s: %v", label, err)
		}
		if step.settle() {
			if err := r.settle(ctx); err != nil {
				result.AddError("%s: settle: %v", label, err)
				break
			}
		}
	}
	if err := r.settle(ctx); err != nil {
		result.AddError("final settle: %v", err)
	}

	result.Trace = rec.Events()
	result.Data = store.Data()
	result.External = engine.External()
	checkExpect(result, sc.Expect, engine.LastCalledPath())
	return result, nil
}

type runner struct {
	store  *form.Store
	engine *recalc.Engine
	cfg    runConfig
}

func (r *runner) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.settleTimeout)
	defer cancel()
	return r.engine.Settle(ctx)
}

func (r *runner) do(ctx context.Context, step Step) error {
	action, err := step.action()
	if err != nil {
		return err
	}

	switch action {
	case "commit":
		commits := make([]form.Commit, len(step.Commit))
		for i, c := range step.Commit {
			commits[i] = form.Commit{Path: c.Path, Value: c.Value, Mode: form.ChangeMode(c.Mode)}
		}
		for i, ok := range r.store.Commit(commits...) {
			if !ok {
				return fmt.Errorf("commit to %q failed", commits[i].Path)
			}
		}
	case "external":
		return r.engine.CallExternal(step.External.Field, step.External.Value)
	case "recalculate":
		if step.Recalculate.Value == nil {
			return r.engine.CallRecalculate(step.Recalculate.Path)
		}
		return r.engine.CallRecalculateWith(step.Recalculate.Path, step.Recalculate.Value)
	case "set_errors":
		r.store.SetErrors(form.Errors(step.SetErrors))
	case "reset_errors":
		r.store.ResetErrors(*step.ResetErrors...)
	case "reset":
		r.store.Reset()
	case "submit":
		fail := step.Submit.Fail
		r.store.HandleSubmit(func(context.Context, form.Data) error {
			if fail != "" {
				return errors.New(fail)
			}
			return nil
		})(ctx, nil)
	}
	return nil
}

// =============================================================================
// Compilation
// =============================================================================

type compiledTarget struct {
	path string
	mode form.ChangeMode
	expr *expr
}

func compileFields(ev *evaluator, specs []FieldSpec) ([]recalc.Field, error) {
	fields := make([]recalc.Field, 0, len(specs))
	for i, spec := range specs {
		name := fmt.Sprintf("fields[%d]", i)

		var when *expr
		if spec.When != "" {
			x, err := parseExpr(name+".when", spec.When)
			if err != nil {
				return nil, err
			}
			when = x
		}

		var delay time.Duration
		if spec.Delay != "" {
			d, err := time.ParseDuration(spec.Delay)
			if err != nil {
				return nil, &LoadError{Field: name + ".delay", Message: err.Error(), Err: err}
			}
			delay = d
		}

		var targets []compiledTarget
		for _, path := range sortedKeys(spec.Set) {
			t := spec.Set[path]
			x, err := parseExpr(fmt.Sprintf("%s.set.%s", name, path), t.Expr)
			if err != nil {
				return nil, err
			}
			targets = append(targets, compiledTarget{path: path, mode: form.ChangeMode(t.Mode), expr: x})
		}

		fields = append(fields, recalc.Field{
			Path:      spec.Path,
			WatchType: form.ChangeMode(spec.WatchType),
			Async:     spec.Async,
			Handler:   exprHandler(ev, when, delay, spec.Fail, targets),
		})
	}
	return fields, nil
}

// exprHandler builds a handler that evaluates targets against the handler's
// inputs.
func exprHandler(ev *evaluator, when *expr, delay time.Duration, fail string, targets []compiledTarget) recalc.Handler {
	return func(ctx context.Context, current, prev any, scope recalc.Scope) (recalc.Result, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		if fail != "" {
			return nil, errors.New(fail)
		}

		input := map[string]any{
			"current":        current,
			"prev":           prev,
			"values":         scope.Values,
			"external":       scope.External,
			"lastCalledPath": scope.LastCalledPath,
		}

		if when != nil {
			ok, err := ev.evalBool(when, input)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, nil
			}
		}

		result := make(recalc.Result, len(targets))
		for _, t := range targets {
			v, err := ev.eval(t.expr, input)
			if err != nil {
				return nil, err
			}
			if t.mode != "" {
				result[t.path] = recalc.Tagged{Value: v, Mode: t.mode}
			} else {
				result[t.path] = v
			}
		}
		return result, nil
	}
}

func compileRules(ev *evaluator, specs []RuleSpec, logger *slog.Logger) (form.ValidateFunc, error) {
	exprs := make([]*expr, len(specs))
	for i, r := range specs {
		x, err := parseExpr(fmt.Sprintf("rules[%d]", i), r.Expr)
		if err != nil {
			return nil, err
		}
		exprs[i] = x
	}

	return func(values map[string]any, _ form.Errors) form.Errors {
		errs := form.Errors{}
		for i, r := range specs {
			if errs[r.Path] != "" {
				continue
			}
			value, _ := valuepath.Get(values, r.Path)
			ok, err := ev.evalBool(exprs[i], map[string]any{"value": value, "values": values})
			if err != nil {
				logger.Warn("validation rule failed to evaluate",
					"path", r.Path,
					"error", err,
				)
				ok = false
			}
			if ok {
				errs[r.Path] = ""
			} else {
				errs[r.Path] = r.Message
			}
		}
		return errs
	}, nil
}

// =============================================================================
// Expectations
// =============================================================================

func checkExpect(result *Result, exp Expect, lastCalled string) {
	values := result.Data.Values
	for _, path := range sortedKeys(exp.Values) {
		want := exp.Values[path]
		got, ok := valuepath.Get(values, path)
		if !ok && want != nil {
			result.AddError("values.%s: missing, want %v", path, want)
			continue
		}
		if !sameValue(got, want) {
			result.AddError("values.%s: got %v, want %v", path, got, want)
		}
	}

	if exp.Touched != nil {
		checkFlags(result, "touched", result.Data.State.TouchedFields, *exp.Touched)
	}
	if exp.Dirty != nil {
		checkFlags(result, "dirty", result.Data.State.DirtyFields, *exp.Dirty)
	}

	if exp.Errors != nil && !reflect.DeepEqual(map[string]string(result.Data.Errors), exp.Errors) {
		result.AddError("errors: got %v, want %v", map[string]string(result.Data.Errors), exp.Errors)
	}

	for _, name := range sortedKeys(exp.External) {
		got, _ := valuepath.Get(result.External, name)
		if !sameValue(got, exp.External[name]) {
			result.AddError("external.%s: got %v, want %v", name, got, exp.External[name])
		}
	}

	if exp.Submitted != nil && result.Data.State.IsSubmitted != *exp.Submitted {
		result.AddError("submitted: got %t, want %t", result.Data.State.IsSubmitted, *exp.Submitted)
	}
	if exp.Emissions != nil && len(result.Trace) != *exp.Emissions {
		result.AddError("emissions: got %d, want %d", len(result.Trace), *exp.Emissions)
	}
	if exp.LastCalledPath != nil && lastCalled != *exp.LastCalledPath {
		result.AddError("last_called_path: got %q, want %q", lastCalled, *exp.LastCalledPath)
	}
}

func checkFlags(result *Result, name string, flags map[string]bool, want []string) {
	var got []string
	for path, on := range flags {
		if on {
			got = append(got, path)
		}
	}
	slices.Sort(got)
	want = slices.Clone(want)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		result.AddError("%s: got %v, want %v", name, got, want)
	}
}

// sameValue compares value trees, treating numbers of any Go type as equal
// when their values are.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	default:
		return v
	}
}
