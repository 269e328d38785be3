package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Handler applies one action. It must honor ctx cancellation.
type Handler interface {
	Handle(ctx context.Context, action domain.Action, rc *domain.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, action domain.Action, rc *domain.Context) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, action domain.Action, rc *domain.Context) error {
	return f(ctx, action, rc)
}

// Rollbacker is implemented by handlers that can undo a failed action.
type Rollbacker interface {
	Rollback(ctx context.Context, action domain.Action, rc *domain.Context) error
}

// HandlerRegistry maps action types to handlers. It is safe for concurrent use.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register sets the handler for actionType, replacing any existing one.
func (r *HandlerRegistry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Unregister removes the handler for actionType.
func (r *HandlerRegistry) Unregister(actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, actionType)
}

// Lookup returns the handler for actionType.
func (r *HandlerRegistry) Lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Types returns the registered action types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

type ruleIDKey struct{}

// ContextWithRuleID attaches the id of the rule whose action is dispatched.
func ContextWithRuleID(ctx context.Context, ruleID string) context.Context {
	return context.WithValue(ctx, ruleIDKey{}, ruleID)
}

// RuleIDFromContext returns the rule id set by the dispatcher.
func RuleIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ruleIDKey{}).(string)
	return id, ok
}

// dispatch runs one planned action and reports its outcome. It never fails.
func (e *Engine) dispatch(ctx context.Context, step Step, rc *domain.Context, cfg domain.EngineConfig) domain.ExecutionResult {
	action := step.Action
	res := domain.ExecutionResult{
		RuleID:     step.RuleID,
		ActionID:   action.ID,
		ActionType: action.Type,
		Target:     action.Target,
	}

	ctx = ContextWithRuleID(ctx, step.RuleID)

	if action.Delay > 0 {
		timer := time.NewTimer(action.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			res.Error = ctx.Err().Error()
			res.Timestamp = time.Now()
			return res
		}
	}

	start := time.Now()
	handler, ok := e.handlers.Lookup(action.Type)
	var err error
	if !ok {
		err = fmt.Errorf("%w: %q", domain.ErrUnknownActionType, action.Type)
	} else {
		err = invoke(ctx, cfg.ExecutionTimeout, func(ctx context.Context) error {
			return handler.Handle(ctx, action, rc)
		})
	}
	res.ExecutionTime = time.Since(start)

	if err == nil {
		res.Success = true
		res.Timestamp = time.Now()
		return res
	}

	res.Error = err.Error()
	e.logger.Warn("action failed",
		"rule_id", step.RuleID,
		"action_id", action.ID,
		"action_type", action.Type,
		"error", err,
	)

	if ok && action.Rollback && cfg.EnableRollback {
		res.Rollback = true
		rb, canRollback := handler.(Rollbacker)
		if !canRollback {
			res.RollbackError = fmt.Sprintf("handler for %q does not support rollback", action.Type)
		} else if rbErr := invoke(ctx, cfg.ExecutionTimeout, func(ctx context.Context) error {
			return rb.Rollback(ctx, action, rc)
		}); rbErr != nil {
			res.RollbackError = rbErr.Error()
		} else {
			res.RollbackSuccess = true
		}
	}

	res.Timestamp = time.Now()
	return res
}

// invoke runs fn bounded by timeout, converting panics into errors. fn keeps
// running in the background if it ignores cancellation; its result is dropped.
func invoke(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panicked: %v", r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", domain.ErrActionTimeout, timeout)
	}
	return err
}
