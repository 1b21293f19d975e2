// Package validate runs static checks against a parsed model.Document:
// version, name uniqueness, non-empty condition/action lists, known
// operators, sensor references, expression well-formedness, temporal
// point budgets, and (together with package analyze) cycle detection. A
// failing validation aborts emission; results are never partial.
package validate

import (
	"fmt"
	"math"

	"github.com/aegisshield/telemetry-rules-engine/internal/analyze"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// SupportedVersion is the only ruleset.version this validator accepts.
const SupportedVersion = 1

// MaxTemporalPoints bounds duration_ms/sampling_period_ms, rejecting
// pathologically long temporal windows at compile time. The runtime's ring
// buffer capacity is set separately (temporal.buffer_capacity) and is not
// derived from this check.
const MaxTemporalPoints = 10_000

// Options carries the system-config facts the validator needs but which
// are not part of the rule document itself.
type Options struct {
	KnownSensors      map[string]bool
	SamplingPeriodMS  int64
}

// Result is the validator's outcome; a non-empty Errors means the document
// must not be emitted.
type Result struct {
	OK     bool
	Errors []error
}

// Validate runs every check described above and returns an aggregated
// Result. It never panics on a malformed document; every failure mode is
// reported as an entry in Result.Errors.
func Validate(doc *model.Document, opts Options, exprCache *exprlang.Cache) Result {
	var errs []error

	if doc.Version != SupportedVersion {
		errs = append(errs, fmt.Errorf("ruleset.version %d is not the supported version %d", doc.Version, SupportedVersion))
	}

	errs = append(errs, checkNames(doc.Rules)...)
	errs = append(errs, checkShape(doc.Rules)...)

	// Sensor-reference checks accept a key produced by any rule in the
	// set, so collect every SetValue key before checking references
	// (validation runs standalone, before the analyzer, and reports every
	// error it can find rather than stopping at the first).
	producedKeys := analyze.ProducedKeys(doc.Rules)
	known := func(key string) bool {
		return opts.KnownSensors[key] || producedKeys[key]
	}

	for _, r := range doc.Rules {
		errs = append(errs, checkConditions(r, r.Conditions, known, exprCache, opts)...)
		errs = append(errs, checkActions(r, known, exprCache)...)
	}

	if multiProducer := analyze.MultiProducerKeys(doc.Rules); len(multiProducer) > 0 {
		for key, names := range multiProducer {
			errs = append(errs, fmt.Errorf("sensor key %q has multiple producer rules: %v", key, names))
		}
	}

	if cyc := analyze.DetectCycle(doc.Rules); cyc != nil {
		errs = append(errs, fmt.Errorf("cycle detected among rules: %v", cyc))
	}

	return Result{OK: len(errs) == 0, Errors: errs}
}

func checkNames(rules []*model.Rule) []error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule has empty name"))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("duplicate rule name %q", r.Name))
		}
		seen[r.Name] = true
	}
	return errs
}

func checkShape(rules []*model.Rule) []error {
	var errs []error
	for _, r := range rules {
		if r.Conditions == nil || (len(r.Conditions.All) == 0 && len(r.Conditions.Any) == 0) {
			errs = append(errs, fmt.Errorf("rule %q has no conditions", r.Name))
		}
		if len(r.Actions) == 0 {
			errs = append(errs, fmt.Errorf("rule %q has no actions", r.Name))
		}
	}
	return errs
}

func checkConditions(r *model.Rule, g *model.ConditionGroup, known func(string) bool, cache *exprlang.Cache, opts Options) []error {
	if g == nil {
		return nil
	}
	var errs []error
	check := func(conds []model.Condition) {
		for _, c := range conds {
			errs = append(errs, checkCondition(r, c, known, cache, opts)...)
		}
	}
	check(g.All)
	check(g.Any)
	return errs
}

func checkCondition(r *model.Rule, c model.Condition, known func(string) bool, cache *exprlang.Cache, opts Options) []error {
	var errs []error
	switch v := c.(type) {
	case *model.Comparison:
		if err := v.Op.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
		if !known(v.Source) {
			errs = append(errs, fmt.Errorf("rule %q: unknown sensor %q in comparison", r.Name, v.Source))
		}
	case *model.ThresholdOverTime:
		if err := v.Op.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
		}
		if !known(v.Source) {
			errs = append(errs, fmt.Errorf("rule %q: unknown sensor %q in threshold_over_time", r.Name, v.Source))
		}
		if v.DurationMS <= 0 {
			errs = append(errs, fmt.Errorf("rule %q: threshold_over_time duration_ms must be > 0", r.Name))
		} else if opts.SamplingPeriodMS > 0 {
			points := int64(math.Ceil(float64(v.DurationMS) / float64(opts.SamplingPeriodMS)))
			if points > MaxTemporalPoints {
				errs = append(errs, fmt.Errorf(
					"rule %q: threshold_over_time on %q needs %d samples, exceeding the max of %d",
					r.Name, v.Source, points, MaxTemporalPoints))
			}
		}
	case *model.Expression:
		prog, err := cache.Compile(v.Expr)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
			return errs
		}
		for _, id := range prog.Identifiers() {
			if !known(id) {
				errs = append(errs, fmt.Errorf("rule %q: unknown identifier %q in expression %q", r.Name, id, v.Expr))
			}
		}
	case *model.ConditionGroup:
		errs = append(errs, checkConditions(r, v, known, cache, opts)...)
	default:
		errs = append(errs, fmt.Errorf("rule %q: unrecognized condition type %T", r.Name, c))
	}
	return errs
}

func checkActions(r *model.Rule, known func(string) bool, cache *exprlang.Cache) []error {
	var errs []error
	for _, a := range r.Actions {
		switch v := a.(type) {
		case *model.SetValue:
			if (v.Value == nil) == (v.ValueExpression == "") {
				errs = append(errs, fmt.Errorf("rule %q: set_value for %q must have exactly one of value/value_expression", r.Name, v.Key))
			}
			if v.ValueExpression != "" {
				prog, err := cache.Compile(v.ValueExpression)
				if err != nil {
					errs = append(errs, fmt.Errorf("rule %q: %w", r.Name, err))
					continue
				}
				for _, id := range prog.Identifiers() {
					if !known(id) {
						errs = append(errs, fmt.Errorf("rule %q: unknown identifier %q in value_expression for %q", r.Name, id, v.Key))
					}
				}
			}
		case *model.SendMessage:
			if v.Channel == "" {
				errs = append(errs, fmt.Errorf("rule %q: send_message missing channel", r.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("rule %q: unrecognized action type %T", r.Name, a))
		}
	}
	return errs
}
