package recalc

// cascadeGuard counts handler runs in one cascade and enforces a limit.
//
// A cascade starts when a trigger reaches an idle engine and ends when the
// engine is idle again. Handlers that keep retriggering each other (A -> B ->
// A) or that fan out without end would otherwise run forever; the guard
// turns that into a logged CascadeLimitError and drops the excess runs.
//
// Only the engine loop touches a cascadeGuard.
type cascadeGuard struct {
	limit   int // 0 disables the guard
	current int
}

func newCascadeGuard(limit int) *cascadeGuard {
	return &cascadeGuard{limit: limit}
}

// Check counts one handler run for field.
func (g *cascadeGuard) Check(field string) error {
	g.current++
	if g.limit > 0 && g.current > g.limit {
		return &CascadeLimitError{
			Field: field,
			Steps: g.current,
			Limit: g.limit,
		}
	}
	return nil
}

// Reset starts a new cascade.
func (g *cascadeGuard) Reset() {
	g.current = 0
}

// Current returns the number of runs counted in this cascade.
func (g *cascadeGuard) Current() int {
	return g.current
}
