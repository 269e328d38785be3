package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"github.com/opensource-finance/harrier/internal/rules"
)

func newEngine(t *testing.T) *rules.Engine {
	t.Helper()
	engine, err := rules.New()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func mobileContext() []byte {
	payload, _ := json.Marshal(domain.Context{
		Timestamp: time.Now(),
		Environment: map[string]any{
			"device": map[string]any{"type": "mobile"},
		},
	})
	return payload
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	engine := newEngine(t)
	ctx := context.Background()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, engine, "default")

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if stats.Topics[0] != domain.TopicContextIngested {
			t.Errorf("unexpected topic %s", stats.Topics[0])
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if n := w.GetStats().SubscriptionCount; n != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", n)
		}
	})

	t.Run("ProcessContext", func(t *testing.T) {
		w := NewWorker(eventBus, engine, "ingest")
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		reports := make(chan domain.ExecutionReport, 1)
		eventBus.Subscribe(ctx, "ingest", domain.TopicExecutionResult, func(ctx context.Context, msg *domain.Message) error {
			var report domain.ExecutionReport
			if err := json.Unmarshal(msg.Payload, &report); err != nil {
				return err
			}
			reports <- report
			return nil
		})

		if err := eventBus.Publish(ctx, "ingest", domain.TopicContextIngested, mobileContext()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		select {
		case report := <-reports:
			if len(report.Results) != 1 {
				t.Fatalf("expected 1 action result, got %d", len(report.Results))
			}
			if report.Results[0].RuleID != "rule-mobile-optimization" {
				t.Errorf("unexpected rule %s", report.Results[0].RuleID)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for execution result")
		}

		if got := w.GetStats().Processed; got != 1 {
			t.Errorf("expected 1 processed, got %d", got)
		}
	})

	t.Run("EpochMillisTimestamp", func(t *testing.T) {
		w := NewWorker(eventBus, engine, "millis")
		payload := []byte(`{"timestamp": 1700000000000, "environment": {"device": {"type": "mobile"}}}`)
		if err := w.processContext(ctx, &domain.Message{ID: "m-ms", Payload: payload}); err != nil {
			t.Fatalf("numeric timestamp must be accepted: %v", err)
		}
		if got := w.GetStats().Processed; got != 1 {
			t.Errorf("expected 1 processed, got %d", got)
		}
	})

	t.Run("RequestReply", func(t *testing.T) {
		w := NewWorker(eventBus, engine, "rpc")
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		reply, err := eventBus.Request(reqCtx, "rpc", domain.TopicContextIngested, mobileContext())
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}

		var report domain.ExecutionReport
		if err := json.Unmarshal(reply, &report); err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		if report.ID == "" {
			t.Error("expected report id in reply")
		}
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		w := NewWorker(eventBus, engine, "bad")
		err := w.processContext(ctx, &domain.Message{ID: "m1", Payload: []byte("{not json")})
		if err == nil {
			t.Error("expected parse error")
		}
		if got := w.GetStats().Failed; got != 1 {
			t.Errorf("expected 1 failure, got %d", got)
		}
	})
}

func TestRelay(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()

	var mu sync.Mutex
	received := map[string]RelayedEvent{}
	for _, name := range []events.Name{events.Initialized, events.RuleDisabled, events.Reset} {
		topic := domain.TopicEnginePrefix + string(name)
		eventBus.Subscribe(ctx, "default", topic, func(ctx context.Context, msg *domain.Message) error {
			var ev RelayedEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return err
			}
			mu.Lock()
			received[msg.Topic] = ev
			mu.Unlock()
			return nil
		})
	}

	engine := newEngine(t)
	relay := NewRelay(eventBus, "default", events.Initialized, events.RuleDisabled)
	relay.Attach(engine)

	if err := engine.DisableRule(ctx, "rule-idle-mode"); err != nil {
		t.Fatalf("DisableRule failed: %v", err)
	}
	if err := engine.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if _, ok := received["harrier.engine.initialized"]; !ok {
		t.Error("expected sticky initialized event to be relayed")
	}
	if ev, ok := received["harrier.engine.rule-disabled"]; !ok || ev.Name != events.RuleDisabled {
		t.Errorf("expected rule-disabled event, got %+v", ev)
	}
	if _, ok := received["harrier.engine.reset"]; ok {
		t.Error("reset is not in the relay filter")
	}

	relay.Detach()
}

func TestRelayForwardsActionEvents(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	ctx := context.Background()

	executed := make(chan map[string]any, 4)
	topic := domain.TopicEnginePrefix + string(events.ActionExecuted)
	eventBus.Subscribe(ctx, "actions", topic, func(ctx context.Context, msg *domain.Message) error {
		var ev struct {
			Name    events.Name    `json:"name"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		executed <- ev.Payload
		return nil
	})

	engine := newEngine(t)
	relay := NewRelay(eventBus, "actions")
	relay.Attach(engine)
	defer relay.Detach()

	var rc domain.Context
	if err := json.Unmarshal(mobileContext(), &rc); err != nil {
		t.Fatalf("failed to decode context: %v", err)
	}
	engine.Execute(ctx, &rc)

	select {
	case payload := <-executed:
		if payload["ruleId"] != "rule-mobile-optimization" || payload["actionId"] != "action-compact-ui" {
			t.Errorf("unexpected action-executed payload %v", payload)
		}
		if _, ok := payload["executionTime"].(float64); !ok {
			t.Errorf("expected executionTime in milliseconds, got %v", payload["executionTime"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for relayed action-executed")
	}
}
