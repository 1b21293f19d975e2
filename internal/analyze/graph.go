// Package analyze computes the producer->consumer dependency graph over a
// rule set, detects cycles, and partitions rules into topologically
// ordered, concurrency-safe layers and groups.
package analyze

import (
	"fmt"
	"sort"

	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// RuleInputs returns the set of sensor keys rule r reads: comparison and
// threshold_over_time sources, expression identifiers (conditions and
// value_expression actions). cache is used to extract identifiers from
// compiled expressions; a compile failure is treated as "no inputs from
// this expression" since Validate will already have reported the error.
func RuleInputs(r *model.Rule, cache *exprlang.Cache) []string {
	set := make(map[string]bool)
	var walk func(conds []model.Condition)
	walk = func(conds []model.Condition) {
		for _, c := range conds {
			switch v := c.(type) {
			case *model.Comparison:
				set[v.Source] = true
			case *model.ThresholdOverTime:
				set[v.Source] = true
			case *model.Expression:
				if prog, err := cache.Compile(v.Expr); err == nil {
					for _, id := range prog.Identifiers() {
						set[id] = true
					}
				}
			case *model.ConditionGroup:
				walk(v.All)
				walk(v.Any)
			}
		}
	}
	if r.Conditions != nil {
		walk(r.Conditions.All)
		walk(r.Conditions.Any)
	}
	for _, a := range r.Actions {
		if sv, ok := a.(*model.SetValue); ok && sv.ValueExpression != "" {
			if prog, err := cache.Compile(sv.ValueExpression); err == nil {
				for _, id := range prog.Identifiers() {
					set[id] = true
				}
			}
		}
	}
	return sortedKeys(set)
}

// RuleOutputs returns the set of sensor keys rule r writes: every SetValue
// action's Key.
func RuleOutputs(r *model.Rule) []string {
	set := make(map[string]bool)
	for _, a := range r.Actions {
		if sv, ok := a.(*model.SetValue); ok {
			set[sv.Key] = true
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ProducedKeys returns every key produced by some rule's SetValue action,
// used by the validator to allow a sensor reference that isn't in the
// system config's valid_sensors but is produced internally: a referenced
// sensor key must be declared or produced by some rule.
//
// This is a syntactic scan over raw Actions (it does not need an
// exprlang.Cache) since only SetValue.Key matters here, not expression
// identifiers.
func ProducedKeys(rules []*model.Rule) map[string]bool {
	out := make(map[string]bool)
	for _, r := range rules {
		for _, a := range r.Actions {
			if sv, ok := a.(*model.SetValue); ok {
				out[sv.Key] = true
			}
		}
	}
	return out
}

// MultiProducerKeys returns, for every key written by more than one rule,
// the names of the producing rules. At most one rule may produce a given
// key; a validator check surfaces every violation.
func MultiProducerKeys(rules []*model.Rule) map[string][]string {
	producers := make(map[string][]string)
	for _, r := range rules {
		for _, key := range ProducedKeysOf(r) {
			producers[key] = append(producers[key], r.Name)
		}
	}
	out := make(map[string][]string)
	for key, names := range producers {
		if len(names) > 1 {
			sort.Strings(names)
			out[key] = names
		}
	}
	return out
}

// ProducedKeysOf returns the keys a single rule writes, in sorted order.
func ProducedKeysOf(r *model.Rule) []string {
	return RuleOutputs(r)
}

// edgeGraph is the rule-name producer->consumer adjacency used by both
// cycle detection and layering.
type edgeGraph struct {
	rules   []*model.Rule
	byName  map[string]*model.Rule
	outputs map[string][]string // rule name -> consumer rule names
	indeg   map[string]int
}

func buildEdges(rules []*model.Rule, cache *exprlang.Cache) *edgeGraph {
	g := &edgeGraph{
		rules:   rules,
		byName:  make(map[string]*model.Rule, len(rules)),
		outputs: make(map[string][]string),
		indeg:   make(map[string]int, len(rules)),
	}
	producerOf := make(map[string]string) // key -> producing rule name
	for _, r := range rules {
		g.byName[r.Name] = r
		g.indeg[r.Name] = 0
		for _, key := range RuleOutputs(r) {
			producerOf[key] = r.Name
		}
	}
	for _, r := range rules {
		consumerInputs := RuleInputs(r, cache)
		seenProducer := make(map[string]bool)
		for _, key := range consumerInputs {
			producer, ok := producerOf[key]
			if !ok || producer == r.Name || seenProducer[producer] {
				continue
			}
			seenProducer[producer] = true
			g.outputs[producer] = append(g.outputs[producer], r.Name)
			g.indeg[r.Name]++
		}
	}
	return g
}

// DetectCycle performs a DFS with three-coloring over the producer-consumer
// graph. On finding a back-edge it returns the cycle's participating rule
// names, including both endpoints, so the error is actionable; it returns
// nil if the graph is acyclic.
func DetectCycle(rules []*model.Rule) []string {
	cache := exprlang.NewCache()
	g := buildEdges(rules, cache)

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(rules))
	parent := make(map[string]string)

	var names []string
	for _, r := range rules {
		names = append(names, r.Name)
	}
	sort.Strings(names)

	var cyclePath []string
	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = gray
		next := append([]string(nil), g.outputs[name]...)
		sort.Strings(next)
		for _, n := range next {
			switch color[n] {
			case white:
				parent[n] = name
				if visit(n) {
					return true
				}
			case gray:
				// Back-edge found: reconstruct the cycle from name back to n.
				cyclePath = []string{n}
				cur := name
				for cur != n {
					cyclePath = append(cyclePath, cur)
					cur = parent[cur]
				}
				cyclePath = append(cyclePath, n)
				return true
			}
		}
		color[name] = black
		return false
	}

	for _, name := range names {
		if color[name] == white {
			if visit(name) {
				return cyclePath
			}
		}
	}
	return nil
}

// Layering is the final, emitter-ready partition of a rule set: a
// topologically ordered sequence of layers, each holding one or more
// size-bounded groups, numbered monotonically across the whole set.
type Layering struct {
	Layers []Layer
}

// Layer holds every rule at one topological rank, split into groups.
type Layer struct {
	Index  int
	Groups []Group
}

// Group is a size-bounded, deterministically ordered subset of a layer,
// emitted as one executable unit.
type Group struct {
	Index int // monotonically increasing across the whole Layering
	Rules []*model.Rule
}

// Budgets bounds how large a single emitted group may be.
type Budgets struct {
	MaxRulesPerGroup       int
	MaxSourceLinesPerGroup int
}

// DefaultBudgets matches the values the teacher's RulesConfig uses for
// analogous per-batch limits (MaxRulesPerAlert defaults to 10).
var DefaultBudgets = Budgets{MaxRulesPerGroup: 10, MaxSourceLinesPerGroup: 400}

// estimatedLines is an emitter-aware size estimate: roughly one rendered
// line per leaf condition, one per action, plus a small fixed overhead for
// the rule's wrapper function.
func estimatedLines(r *model.Rule) int {
	lines := 3
	var countConds func(conds []model.Condition) int
	countConds = func(conds []model.Condition) int {
		n := 0
		for _, c := range conds {
			if g, ok := c.(*model.ConditionGroup); ok {
				n += countConds(g.All) + countConds(g.Any)
			} else {
				n++
			}
		}
		return n
	}
	if r.Conditions != nil {
		lines += countConds(r.Conditions.All) + countConds(r.Conditions.Any)
	}
	lines += len(r.Actions)
	return lines
}

// Compute assigns Inputs, Outputs and Layer to every rule in place, then
// returns the deterministic layer/group partition. It is the single entry
// point the compiler uses after validation has already confirmed the graph
// is acyclic; Compute itself re-checks for a cycle defensively and returns
// an error rather than looping forever if called on an invalid set.
func Compute(rules []*model.Rule, cache *exprlang.Cache, budgets Budgets) (Layering, error) {
	if cyc := DetectCycle(rules); cyc != nil {
		return Layering{}, fmt.Errorf("cannot layer a cyclic rule set: %v", cyc)
	}

	g := buildEdges(rules, cache)
	for _, r := range rules {
		r.Inputs = RuleInputs(r, cache)
		r.Outputs = RuleOutputs(r)
	}

	layerOf := make(map[string]int, len(rules))
	remaining := make(map[string]int, len(rules))
	for name, d := range g.indeg {
		remaining[name] = d
	}

	assigned := 0
	for assigned < len(rules) {
		var frontier []string
		for _, r := range rules {
			if _, done := layerOf[r.Name]; done {
				continue
			}
			if remaining[r.Name] == 0 {
				frontier = append(frontier, r.Name)
			}
		}
		if len(frontier) == 0 {
			// DetectCycle above should have caught this; defensive only.
			return Layering{}, fmt.Errorf("unable to layer remaining rules: dependency graph is not fully resolvable")
		}
		sort.Strings(frontier)
		layerIdx := 0
		if assigned > 0 {
			layerIdx = maxAssignedLayer(layerOf) + 1
		}
		for _, name := range frontier {
			layerOf[name] = layerIdx
			assigned++
			for _, consumer := range g.outputs[name] {
				remaining[consumer]--
			}
		}
	}

	for _, r := range rules {
		r.Layer = layerOf[r.Name]
	}

	return groupLayers(rules, layerOf, budgets), nil
}

func maxAssignedLayer(layerOf map[string]int) int {
	m := -1
	for _, l := range layerOf {
		if l > m {
			m = l
		}
	}
	return m
}

func groupLayers(rules []*model.Rule, layerOf map[string]int, budgets Budgets) Layering {
	if budgets.MaxRulesPerGroup <= 0 {
		budgets.MaxRulesPerGroup = DefaultBudgets.MaxRulesPerGroup
	}
	if budgets.MaxSourceLinesPerGroup <= 0 {
		budgets.MaxSourceLinesPerGroup = DefaultBudgets.MaxSourceLinesPerGroup
	}

	maxLayer := -1
	for _, l := range layerOf {
		if l > maxLayer {
			maxLayer = l
		}
	}

	byLayer := make([][]*model.Rule, maxLayer+1)
	for _, r := range rules {
		byLayer[r.Layer] = append(byLayer[r.Layer], r)
	}
	for _, bucket := range byLayer {
		sort.Slice(bucket, func(i, j int) bool { return bucket[i].Name < bucket[j].Name })
	}

	groupCounter := 0
	layers := make([]Layer, 0, len(byLayer))
	for idx, bucket := range byLayer {
		var groups []Group
		var cur []*model.Rule
		curLines := 0
		flush := func() {
			if len(cur) == 0 {
				return
			}
			groups = append(groups, Group{Index: groupCounter, Rules: cur})
			groupCounter++
			cur = nil
			curLines = 0
		}
		for _, r := range bucket {
			lines := estimatedLines(r)
			if len(cur) > 0 && (len(cur) >= budgets.MaxRulesPerGroup || curLines+lines > budgets.MaxSourceLinesPerGroup) {
				flush()
			}
			cur = append(cur, r)
			curLines += lines
		}
		flush()
		layers = append(layers, Layer{Index: idx, Groups: groups})
	}
	return Layering{Layers: layers}
}
