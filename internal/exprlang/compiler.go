// Package exprlang compiles and evaluates the arithmetic/boolean expression
// grammar of model.Expression conditions and SetValue.ValueExpression
// actions. It wraps github.com/antonmedv/expr, the same library the
// teacher's rule engine (internal/engine/rule_engine.go) uses for its own
// condition expressions, compiling to a cached *vm.Program instead of
// generating and compiling native Go source at runtime.
package exprlang

import (
	"fmt"
	"math"
	"regexp"
	"sync"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"golang.org/x/sync/singleflight"
)

// sensorToken matches a bare sensor-key identifier such as
// "input:temperature" or "buffer:rolling_avg". Sensor keys contain ':',
// which is not a legal character in an expr-lang identifier, so the
// compiler rewrites every occurrence to a sanitized identifier before
// handing the expression to expr.Compile, and carries the rewrite table
// alongside the compiled program so Evaluate can translate back.
var sensorToken = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*(?::[A-Za-z_][A-Za-z0-9_]*)+`)

// sanitize replaces every colon in name with a double underscore. Sensor
// identifiers never otherwise contain "__", so the mapping is injective
// and round-trips cleanly.
func sanitize(name string) string {
	out := make([]byte, 0, len(name)+4)
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			out = append(out, '_', '_')
		} else {
			out = append(out, name[i])
		}
	}
	return string(out)
}

// rewrite replaces every sensor-key token in src with its sanitized form
// and returns the set of original identifiers referenced, keyed by their
// sanitized spelling.
func rewrite(src string) (string, map[string]string) {
	idents := make(map[string]string)
	out := sensorToken.ReplaceAllStringFunc(src, func(tok string) string {
		s := sanitize(tok)
		idents[s] = tok
		return s
	})
	return out, idents
}

// Program is a compiled expression ready for repeated evaluation.
type Program struct {
	source   string
	compiled *vm.Program
	// idents maps the sanitized identifier used inside compiled back to
	// the original sensor key, so Evaluate can build the right env.
	idents map[string]string
}

// Identifiers returns the sensor keys this program reads. Used by the
// validator to check every referenced key is known, and by the analyzer
// to compute a rule's Inputs.
func (p *Program) Identifiers() []string {
	out := make([]string, 0, len(p.idents))
	for _, orig := range p.idents {
		out = append(out, orig)
	}
	return out
}

// Cache compiles and memoizes expression programs. A get-or-insert under a
// per-expression compile lock (via singleflight) means two goroutines
// racing to evaluate the same not-yet-cached expression compile it exactly
// once, generalizing the teacher's evaluationCache/rulesMutex pattern from
// result caching to program caching.
type Cache struct {
	group   singleflight.Group
	mu      sync.RWMutex
	byText  map[string]*Program
	byTextE map[string]error
}

// NewCache constructs an empty compiled-expression cache.
func NewCache() *Cache {
	return &Cache{
		byText:  make(map[string]*Program),
		byTextE: make(map[string]error),
	}
}

// Compile returns the cached Program for source, compiling it (once, even
// under concurrent callers) if this is the first request for that exact
// text.
func (c *Cache) Compile(source string) (*Program, error) {
	c.mu.RLock()
	if p, ok := c.byText[source]; ok {
		c.mu.RUnlock()
		return p, nil
	}
	if err, ok := c.byTextE[source]; ok {
		c.mu.RUnlock()
		return nil, err
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(source, func() (any, error) {
		sanitized, idents := rewrite(source)
		envTemplate := baseEnv(idents)
		compiled, err := expr.Compile(sanitized, expr.Env(envTemplate))
		if err != nil {
			return nil, fmt.Errorf("compiling expression %q: %w", source, err)
		}
		return &Program{source: source, compiled: compiled, idents: idents}, nil
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.byTextE[source] = err
		return nil, err
	}
	p := v.(*Program)
	c.byText[source] = p
	return p, nil
}

// Evaluate runs p against the current sensor values. A missing identifier
// is reported via the second return rather than as an error, so callers
// can treat "sensor not yet observed" as condition-false instead of a
// fault.
func (p *Program) Evaluate(values map[string]float64) (result any, missing string, err error) {
	env := baseEnv(p.idents)
	for sanitized, orig := range p.idents {
		v, ok := values[orig]
		if !ok {
			return nil, orig, nil
		}
		env[sanitized] = v
	}
	out, err := vm.Run(p.compiled, env)
	if err != nil {
		return nil, "", fmt.Errorf("evaluating expression %q: %w", p.source, err)
	}
	return out, "", nil
}

// baseEnv builds the function table shared by every expression, plus a
// zero-valued placeholder for each identifier so expr.Compile can type-check
// the expression before any real values exist.
func baseEnv(idents map[string]string) map[string]any {
	env := map[string]any{
		"abs":     math.Abs,
		"round":   math.Round,
		"floor":   math.Floor,
		"ceiling": math.Ceil,
		"sqrt":    math.Sqrt,
		"min":     func(a, b float64) float64 { return math.Min(a, b) },
		"max":     func(a, b float64) float64 { return math.Max(a, b) },
		"pow":     func(a, b float64) float64 { return math.Pow(a, b) },
	}
	for sanitized := range idents {
		env[sanitized] = float64(0)
	}
	return env
}
