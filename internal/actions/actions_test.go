package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

func TestPublisher(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	ctx := context.Background()
	got := make(chan Envelope, 2)

	_, err := eventBus.Subscribe(ctx, "default", "harrier.action.ui-adjustment", func(ctx context.Context, msg *domain.Message) error {
		var env Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return err
		}
		got <- env
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	p := NewPublisher(eventBus, "default")
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	action := domain.Action{ID: "compact-layout", Type: domain.ActionUIAdjustment, Target: "widget"}

	t.Run("Handle", func(t *testing.T) {
		dctx := rules.ContextWithRuleID(ctx, "mobile-optimization")
		if err := p.Handle(dctx, action, &domain.Context{Timestamp: ts}); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}

		select {
		case env := <-got:
			if env.RuleID != "mobile-optimization" {
				t.Errorf("expected rule id, got %q", env.RuleID)
			}
			if env.Action.ID != "compact-layout" {
				t.Errorf("expected action id, got %q", env.Action.ID)
			}
			if !env.ContextTimestamp.Equal(ts) {
				t.Errorf("expected context timestamp %v, got %v", ts, env.ContextTimestamp)
			}
			if env.Rollback {
				t.Error("rollback must not be set")
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for envelope")
		}
	})

	t.Run("Rollback", func(t *testing.T) {
		if err := p.Rollback(ctx, action, nil); err != nil {
			t.Fatalf("Rollback failed: %v", err)
		}

		select {
		case env := <-got:
			if !env.Rollback {
				t.Error("expected rollback envelope")
			}
			if env.RuleID != "" {
				t.Errorf("expected no rule id, got %q", env.RuleID)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for envelope")
		}
	})

	t.Run("PublishFailure", func(t *testing.T) {
		closed := bus.NewChannelBus(1)
		closed.Close()

		if err := NewPublisher(closed, "default").Handle(ctx, action, nil); err == nil {
			t.Error("expected error from closed bus")
		}
	})
}

type recordingBus struct {
	domain.EventBus
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(ctx context.Context, namespace, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	return nil
}

func TestRegisterDefaults(t *testing.T) {
	t.Run("WithBus", func(t *testing.T) {
		reg := rules.NewHandlerRegistry()
		rb := &recordingBus{}
		RegisterDefaults(reg, rb, "default", nil)

		if len(reg.Types()) != 5 {
			t.Fatalf("expected 5 handlers, got %v", reg.Types())
		}

		h, _ := reg.Lookup(domain.ActionBehaviorChange)
		if _, ok := h.(*Logger); !ok {
			t.Errorf("behavior-change should be logged, got %T", h)
		}

		h, _ = reg.Lookup(domain.ActionResourceAllocation)
		if _, ok := h.(rules.Rollbacker); !ok {
			t.Errorf("resource-allocation should publish and roll back, got %T", h)
		}

		if err := h.Handle(context.Background(), domain.Action{ID: "a", Type: domain.ActionResourceAllocation}, nil); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}
		if len(rb.topics) != 1 || rb.topics[0] != "harrier.action.resource-allocation" {
			t.Errorf("unexpected topics %v", rb.topics)
		}
	})

	t.Run("WithoutBus", func(t *testing.T) {
		reg := rules.NewHandlerRegistry()
		RegisterDefaults(reg, nil, "default", nil)

		for _, actionType := range reg.Types() {
			h, _ := reg.Lookup(actionType)
			if _, ok := h.(*Logger); !ok {
				t.Errorf("%s: expected logger, got %T", actionType, h)
			}
		}
	})
}

func TestEngineWithPublisher(t *testing.T) {
	reg := rules.NewHandlerRegistry()
	rb := &recordingBus{}
	RegisterDefaults(reg, rb, "default", nil)

	engine, err := rules.New(rules.WithHandlers(reg))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	results := engine.Execute(context.Background(), &domain.Context{
		Timestamp:   time.Now(),
		Environment: map[string]any{"device": map[string]any{"type": "mobile"}},
	})
	if len(results) == 0 {
		t.Fatal("expected mobile-optimization actions to run")
	}
	for _, res := range results {
		if !res.Success {
			t.Errorf("action %s failed: %s", res.ActionID, res.Error)
		}
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.topics) != len(results) {
		t.Errorf("expected %d publications, got %d", len(results), len(rb.topics))
	}
}

func TestTopic(t *testing.T) {
	if got := Topic(domain.ActionUIAdjustment); got != "harrier.action.ui-adjustment" {
		t.Errorf("unexpected topic %q", got)
	}
}
