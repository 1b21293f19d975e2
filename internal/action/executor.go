// Package action accumulates the side effects rules produce during a
// cycle and flushes them to the store as a single batch: sensor writes and
// outbound messages never take effect mid-cycle, so a later layer's read
// of an earlier layer's write is always well-defined.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aegisshield/telemetry-rules-engine/internal/eval"
	"github.com/aegisshield/telemetry-rules-engine/internal/exprlang"
	"github.com/aegisshield/telemetry-rules-engine/internal/model"
)

// Message is one outbound send_message action.
type Message struct {
	Channel string
	Message string
}

// Batch accumulates writes and messages for the duration of one cycle.
// Rule groups within the same layer run concurrently, so Batch guards its
// maps with a mutex; groups across layers are serialized by the
// scheduler, but concurrent access within a layer is the common case.
type Batch struct {
	mu       sync.Mutex
	writes   map[string]float64
	order    []string // keys in the order each was first written
	messages []Message
}

// NewBatch returns an empty Batch ready to accumulate one cycle's effects.
func NewBatch() *Batch {
	return &Batch{writes: make(map[string]float64)}
}

// Apply executes every action of a rule whose conditions were already
// confirmed true, recording writes into the batch. exprs compiles
// value_expression actions; values is the read snapshot visible to this
// rule (the cycle's base values plus whatever earlier layers already
// wrote, merged in by the scheduler before the rule group runs).
func (b *Batch) Apply(rule *model.Rule, values eval.Values, exprs *exprlang.Cache) error {
	for _, a := range rule.Actions {
		switch v := a.(type) {
		case *model.SetValue:
			val, err := resolveSetValue(v, values, exprs)
			if err != nil {
				return fmt.Errorf("rule %q action set_value %q: %w", rule.Name, v.Key, err)
			}
			b.write(v.Key, val)
		case *model.SendMessage:
			b.send(v.Channel, v.Message)
		default:
			return fmt.Errorf("rule %q: unsupported action type %T", rule.Name, a)
		}
	}
	return nil
}

func resolveSetValue(v *model.SetValue, values eval.Values, exprs *exprlang.Cache) (float64, error) {
	if v.Value != nil {
		return *v.Value, nil
	}
	prog, err := exprs.Compile(v.ValueExpression)
	if err != nil {
		return 0, err
	}
	result, missing, err := prog.Evaluate(values)
	if err != nil {
		return 0, err
	}
	if missing != "" {
		return 0, fmt.Errorf("missing identifier %q", missing)
	}
	f, ok := result.(float64)
	if !ok {
		if i, ok := result.(int); ok {
			return float64(i), nil
		}
		return 0, fmt.Errorf("value_expression %q did not evaluate to a number", v.ValueExpression)
	}
	return f, nil
}

// write records a sensor write. Last-write-wins within a cycle: whichever
// write of a key happens last under the mutex determines the value.
// Since at most one rule may produce a given key (the validator rejects
// multi-producer rule sets), the only collision in a validated rule set is
// one rule with several set_value actions on the same key, where the later
// action's value is kept.
func (b *Batch) write(key string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.writes[key]; !exists {
		b.order = append(b.order, key)
	}
	b.writes[key] = value
}

func (b *Batch) send(channel, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, Message{Channel: channel, Message: message})
}

// Writes returns a snapshot of accumulated sensor writes, keyed by sensor.
// The result is a map and carries no ordering.
func (b *Batch) Writes() map[string]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]float64, len(b.writes))
	for k, v := range b.writes {
		out[k] = v
	}
	return out
}

// Messages returns every accumulated outbound message in send order.
func (b *Batch) Messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.messages))
	copy(out, b.messages)
	return out
}

// Store is the subset of store.Adapter the executor needs to flush a
// batch; declared locally so package action does not depend on package
// store, and tests can flush into a small in-memory fake.
type Store interface {
	SetValues(ctx context.Context, values map[string]float64) error
	Publish(ctx context.Context, channel, message string) error
}

// Flush writes every accumulated change to the store as one batched call,
// then publishes messages in the order they were recorded. A publish
// failure does not roll back the writes that already succeeded; the
// caller logs and counts the error: message delivery is best-effort,
// sensor writes are the durable effect.
func Flush(ctx context.Context, b *Batch, s Store) error {
	writes := b.Writes()
	if len(writes) > 0 {
		if err := s.SetValues(ctx, writes); err != nil {
			return fmt.Errorf("flushing %d sensor writes: %w", len(writes), err)
		}
	}
	var errs []string
	for _, m := range b.Messages() {
		if err := s.Publish(ctx, m.Channel, m.Message); err != nil {
			errs = append(errs, fmt.Sprintf("publish to %q: %v", m.Channel, err))
		}
	}
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("%d message publish failures: %v", len(errs), errs)
	}
	return nil
}
