// Package velocity tracks how often each rule triggers within a sliding
// window. Counters live in the cache so Pro tier hosts sharing Redis see
// fleet-wide trigger rates.
package velocity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"github.com/opensource-finance/harrier/internal/rules"
)

// DefaultWindow is used when NewTracker gets a zero window.
const DefaultWindow = time.Minute

// Rate is the trigger count of one rule in its current window.
type Rate struct {
	RuleID          string    `json:"ruleId"`
	Count           int64     `json:"count"`
	WindowStart     time.Time `json:"windowStart"`
	LastTriggeredAt time.Time `json:"lastTriggeredAt"`
}

// Tracker counts rule-triggered events per rule.
type Tracker struct {
	cache     domain.Cache
	namespace string
	window    time.Duration
	logger    *slog.Logger

	mu         sync.RWMutex
	generation uint64
	rates      map[string]Rate
	detach     []func()
}

// NewTracker creates a tracker storing counters in cache under namespace.
func NewTracker(cache domain.Cache, namespace string, window time.Duration, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cache:     cache,
		namespace: namespace,
		window:    window,
		logger:    logger,
		rates:     make(map[string]Rate),
	}
}

// Attach subscribes the tracker to engine. An engine reset starts every
// rule's window afresh.
func (t *Tracker) Attach(engine *rules.Engine) {
	t.detach = append(t.detach,
		engine.On(events.RuleTriggered, t.onTrigger),
		engine.On(events.Reset, t.onReset),
	)
}

// Detach stops tracking.
func (t *Tracker) Detach() {
	for _, d := range t.detach {
		d()
	}
	t.detach = nil
}

// Window returns the counting window.
func (t *Tracker) Window() time.Duration {
	return t.window
}

func (t *Tracker) onTrigger(ctx context.Context, ev events.Event) error {
	trig, ok := ev.Payload.(events.Trigger)
	if !ok {
		return fmt.Errorf("unexpected payload %T", ev.Payload)
	}
	_, err := t.Record(ctx, trig.RuleID, trig.Timestamp)
	return err
}

func (t *Tracker) onReset(ctx context.Context, ev events.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	t.rates = make(map[string]Rate)
	return nil
}

// Record counts one trigger of ruleID and returns the count in the current
// window.
func (t *Tracker) Record(ctx context.Context, ruleID string, at time.Time) (int64, error) {
	if at.IsZero() {
		at = time.Now()
	}

	t.mu.RLock()
	gen := t.generation
	t.mu.RUnlock()

	n, err := t.cache.IncrementCounter(ctx, t.namespace, t.key(gen, ruleID), t.window)
	if err != nil {
		t.logger.Warn("failed to count rule trigger",
			"rule_id", ruleID,
			"error", err,
		)
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation {
		return n, nil
	}
	rate := t.rates[ruleID]
	if n == 1 || rate.WindowStart.IsZero() {
		rate.WindowStart = at
	}
	rate.RuleID = ruleID
	rate.Count = n
	rate.LastTriggeredAt = at
	t.rates[ruleID] = rate
	return n, nil
}

// Count returns ruleID's trigger count in the current window.
func (t *Tracker) Count(ruleID string) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rate, ok := t.rates[ruleID]
	if !ok || t.expired(rate, time.Now()) {
		return 0
	}
	return rate.Count
}

// Snapshot returns the live windows, busiest rule first.
func (t *Tracker) Snapshot() []Rate {
	now := time.Now()

	t.mu.RLock()
	out := make([]Rate, 0, len(t.rates))
	for _, rate := range t.rates {
		if !t.expired(rate, now) {
			out = append(out, rate)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

func (t *Tracker) expired(rate Rate, now time.Time) bool {
	return now.Sub(rate.WindowStart) > t.window
}

func (t *Tracker) key(gen uint64, ruleID string) string {
	return fmt.Sprintf("triggers:%d:%s", gen, ruleID)
}
