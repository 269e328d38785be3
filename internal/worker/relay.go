package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"github.com/opensource-finance/harrier/internal/rules"
)

// RelayedEvent is the bus payload for a relayed engine event.
type RelayedEvent struct {
	Name      events.Name `json:"name"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload,omitempty"`
}

// Relay forwards engine events to harrier.engine.<event>.
type Relay struct {
	bus       domain.EventBus
	namespace string
	only      map[events.Name]bool
	detach    func()
}

// NewRelay creates a relay. With no names every event is forwarded.
func NewRelay(bus domain.EventBus, namespace string, names ...events.Name) *Relay {
	r := &Relay{bus: bus, namespace: namespace}
	if len(names) > 0 {
		r.only = make(map[events.Name]bool, len(names))
		for _, n := range names {
			r.only[n] = true
		}
	}
	return r
}

// Attach subscribes the relay to engine. The sticky initialized event is
// forwarded immediately.
func (r *Relay) Attach(engine *rules.Engine) {
	r.detach = engine.OnAny(r.forward)
}

// Detach stops forwarding.
func (r *Relay) Detach() {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
}

func (r *Relay) forward(ctx context.Context, ev events.Event) error {
	if r.only != nil && !r.only[ev.Name] {
		return nil
	}

	payload, err := json.Marshal(RelayedEvent{
		Name:      ev.Name,
		Timestamp: ev.Timestamp,
		Payload:   ev.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Name, err)
	}

	topic := domain.TopicEnginePrefix + string(ev.Name)
	if err := r.bus.Publish(ctx, r.namespace, topic, payload); err != nil {
		slog.Warn("failed to relay engine event",
			"event", string(ev.Name),
			"error", err,
		)
		return err
	}
	return nil
}
