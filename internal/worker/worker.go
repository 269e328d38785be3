// Package worker connects the rule engine to the event bus: it executes
// contexts published by clients and relays engine events outward.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

// Worker executes contexts received on harrier.context.ingested and
// publishes each report to harrier.execution.result.
type Worker struct {
	bus       domain.EventBus
	engine    *rules.Engine
	namespace string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// NewWorker creates a worker for namespace.
func NewWorker(bus domain.EventBus, engine *rules.Engine, namespace string) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       bus,
		engine:    engine,
		namespace: namespace,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, w.namespace, domain.TopicContextIngested, w.processContext)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", domain.TopicContextIngested, err)
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"namespace", w.namespace,
		"topic", domain.TopicContextIngested,
	)
	return nil
}

// processContext runs one ingested context through the engine. A responder
// address in msg.Metadata["reply_to"] also receives the report.
func (w *Worker) processContext(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var rc domain.Context
	if err := json.Unmarshal(msg.Payload, &rc); err != nil {
		w.failed.Add(1)
		slog.Error("failed to parse context message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = start
	}

	report := w.engine.ExecuteReport(ctx, &rc)

	payload, err := json.Marshal(report)
	if err != nil {
		w.failed.Add(1)
		return fmt.Errorf("failed to marshal report %s: %w", report.ID, err)
	}

	if err := w.bus.Publish(ctx, w.namespace, domain.TopicExecutionResult, payload); err != nil {
		slog.Error("failed to publish execution result",
			"report_id", report.ID,
			"error", err,
		)
	}
	if replyTo := msg.Metadata["reply_to"]; replyTo != "" {
		if err := w.bus.Publish(ctx, w.namespace, replyTo, payload); err != nil {
			slog.Error("failed to publish reply",
				"report_id", report.ID,
				"reply_to", replyTo,
				"error", err,
			)
		}
	}

	w.processed.Add(1)
	slog.Info("context processed",
		"message_id", msg.ID,
		"report_id", report.ID,
		"actions", len(report.Results),
		"conflicts", len(report.Conflicts),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop unsubscribes and cancels in-flight handlers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
