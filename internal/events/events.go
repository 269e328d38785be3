// Package events is the engine's in-process notification channel.
//
// Listeners are invoked synchronously in registration order. A listener that
// returns an error or panics is logged and skipped; the remaining listeners
// still run and the emitter never sees the failure.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Name identifies an engine event.
type Name string

// Engine events.
const (
	Initialized         Name = "initialized"
	ConfigUpdated       Name = "config-updated"
	Reset               Name = "reset"
	RuleAdded           Name = "rule-added"
	RuleUpdated         Name = "rule-updated"
	RuleRemoved         Name = "rule-removed"
	RuleEnabled         Name = "rule-enabled"
	RuleDisabled        Name = "rule-disabled"
	RuleTriggered       Name = "rule-triggered"
	EvaluationCompleted Name = "evaluation-completed"
	ExecutionCompleted  Name = "execution-completed"
	ConflictsDetected   Name = "conflicts-detected"
	ActionExecuted      Name = "action-executed"    // payload: domain.ExecutionResult
	ActionRolledBack    Name = "action-rolled-back" // payload: domain.ExecutionResult
)

// All lists every event the engine emits.
var All = []Name{
	Initialized, ConfigUpdated, Reset,
	RuleAdded, RuleUpdated, RuleRemoved, RuleEnabled, RuleDisabled,
	RuleTriggered, EvaluationCompleted, ExecutionCompleted, ConflictsDetected,
	ActionExecuted, ActionRolledBack,
}

// Event is a single emission.
type Event struct {
	Name      Name
	Payload   any
	Timestamp time.Time
}

// Trigger is the payload of RuleTriggered.
type Trigger struct {
	RuleID     string    `json:"ruleId"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Listener handles an event.
type Listener func(ctx context.Context, ev Event) error

type listener struct {
	id   uint64
	fn   Listener
	once bool
}

// Emitter dispatches events to registered listeners.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Name][]*listener
	wildcard  []*listener
	sticky    map[Name]bool
	last      map[Name]Event
	nextID    uint64
	logger    *slog.Logger
}

// NewEmitter creates an emitter. Events named in sticky are remembered:
// a listener registered after such an event fired receives the last payload
// immediately.
func NewEmitter(logger *slog.Logger, sticky ...Name) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{
		listeners: make(map[Name][]*listener),
		sticky:    make(map[Name]bool, len(sticky)),
		last:      make(map[Name]Event),
		logger:    logger,
	}
	for _, name := range sticky {
		e.sticky[name] = true
	}
	return e
}

// On registers fn for name. The returned function unsubscribes it.
func (e *Emitter) On(name Name, fn Listener) func() {
	return e.register(name, fn, false)
}

// Once registers fn for the next emission of name only.
func (e *Emitter) Once(name Name, fn Listener) func() {
	return e.register(name, fn, true)
}

// OnAny registers fn for every event, including replays of sticky events.
func (e *Emitter) OnAny(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	l := &listener{id: e.nextID, fn: fn}
	e.wildcard = append(e.wildcard, l)
	replay := make([]Event, 0, len(e.last))
	for _, name := range All {
		if ev, ok := e.last[name]; ok {
			replay = append(replay, ev)
		}
	}
	e.mu.Unlock()

	for _, ev := range replay {
		e.invoke(context.Background(), l, ev)
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.wildcard = without(e.wildcard, l.id)
	}
}

func (e *Emitter) register(name Name, fn Listener, once bool) func() {
	e.mu.Lock()
	last, replay := e.last[name]
	if replay && once {
		e.mu.Unlock()
		e.invoke(context.Background(), &listener{fn: fn}, last)
		return func() {}
	}

	e.nextID++
	l := &listener{id: e.nextID, fn: fn, once: once}
	e.listeners[name] = append(e.listeners[name], l)
	e.mu.Unlock()

	if replay {
		e.invoke(context.Background(), l, last)
	}

	return func() { e.remove(name, l.id) }
}

func (e *Emitter) remove(name Name, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[name] = without(e.listeners[name], id)
}

// Emit delivers payload to every listener of name, then to OnAny listeners.
func (e *Emitter) Emit(ctx context.Context, name Name, payload any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	e.mu.Lock()
	if e.sticky[name] {
		e.last[name] = ev
	}
	targets := make([]*listener, 0, len(e.listeners[name])+len(e.wildcard))
	targets = append(targets, e.listeners[name]...)
	var keep []*listener
	for _, l := range e.listeners[name] {
		if !l.once {
			keep = append(keep, l)
		}
	}
	e.listeners[name] = keep
	targets = append(targets, e.wildcard...)
	e.mu.Unlock()

	for _, l := range targets {
		e.invoke(ctx, l, ev)
	}
}

// ListenerCount returns the number of listeners registered for name.
func (e *Emitter) ListenerCount(name Name) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

func (e *Emitter) invoke(ctx context.Context, l *listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event listener panicked",
				"event", string(ev.Name),
				"panic", fmt.Sprint(r),
			)
		}
	}()

	if err := l.fn(ctx, ev); err != nil {
		e.logger.Warn("event listener failed",
			"event", string(ev.Name),
			"error", err,
		)
	}
}

func without(ls []*listener, id uint64) []*listener {
	out := ls[:0:0]
	for _, l := range ls {
		if l.id != id {
			out = append(out, l)
		}
	}
	return out
}
