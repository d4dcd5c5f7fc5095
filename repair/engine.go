package repair

import (
	"github.com/texmend/texmend/observability"
)

// Change records one rule firing during a repair run.
type Change struct {
	Rule   string `json:"rule"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type namedRule struct {
	name  string
	apply func(string) string
}

// Engine runs the ordered rule set to a fixed point. Passes are capped so a
// pathological input cannot loop; the default cap of four is enough for every
// damage pattern the rules target.
type Engine struct {
	rules     []namedRule
	maxPasses int
	log       observability.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxPasses overrides the pass cap. Values below one are ignored.
func WithMaxPasses(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxPasses = n
		}
	}
}

// WithLogger attaches a logger. Defaults to a no-op logger.
func WithLogger(log observability.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// NewEngine builds an engine with the standard rule order: letter-run
// collapse, command reassembly, noise stripping, spacing removal, bracket
// balancing.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		rules: []namedRule{
			{RuleCollapseLetterRun, collapseLetterRun},
			{RuleReassembleCommand, reassembleCommand},
			{RuleStripNoise, stripNoise},
			{RuleDropSpacing, dropSpacing},
			{RuleBalanceBrackets, balanceBrackets},
		},
		maxPasses: 4,
		log:       observability.NopLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Repair rewrites latex with every applicable rule and reports each firing.
// The returned slice is nil when the input needed no work. Repair is
// idempotent: running it on its own output changes nothing.
func (e *Engine) Repair(latex string) (string, []Change) {
	var changes []Change
	current := latex
	for pass := 0; pass < e.maxPasses; pass++ {
		dirty := false
		for _, rule := range e.rules {
			next := rule.apply(current)
			if next == current {
				continue
			}
			changes = append(changes, Change{Rule: rule.name, Before: current, After: next})
			e.log.Debug("rule fired",
				observability.String("rule", rule.name),
				observability.Int("pass", pass+1),
			)
			current = next
			dirty = true
		}
		if !dirty {
			break
		}
	}
	return current, changes
}
