package rules

import (
	"sync"

	"github.com/opensource-finance/harrier/internal/domain"
)

// ring is a fixed-capacity FIFO that overwrites its oldest entry when full.
type ring[T any] struct {
	buf   []T
	start int
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = v
		r.size++
		return
	}
	r.buf[r.start] = v
	r.start = (r.start + 1) % len(r.buf)
}

// items returns the entries oldest first.
func (r *ring[T]) items() []T {
	out := make([]T, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// resize keeps the newest entries that fit.
func (r *ring[T]) resize(capacity int) {
	items := r.items()
	if capacity < 0 {
		capacity = 0
	}
	if len(items) > capacity {
		items = items[len(items)-capacity:]
	}
	r.buf = make([]T, capacity)
	r.start = 0
	r.size = copy(r.buf, items)
}

func (r *ring[T]) clear() {
	r.buf = make([]T, len(r.buf))
	r.start, r.size = 0, 0
}

// history records recent evaluation and execution results. Writes carry the
// registry epoch they were produced under; writes from before the last clear
// are dropped.
type history struct {
	mu          sync.Mutex
	epoch       uint64
	evaluations *ring[domain.EvaluationResult]
	executions  *ring[domain.ExecutionResult]
}

func newHistory(capacity int) *history {
	return &history{
		evaluations: newRing[domain.EvaluationResult](capacity),
		executions:  newRing[domain.ExecutionResult](capacity),
	}
}

func (h *history) addEvaluations(epoch uint64, results []domain.EvaluationResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if epoch != h.epoch {
		return
	}
	for _, r := range results {
		h.evaluations.push(r)
	}
}

func (h *history) addExecutions(epoch uint64, results []domain.ExecutionResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if epoch != h.epoch {
		return
	}
	for _, r := range results {
		h.executions.push(r)
	}
}

func (h *history) resize(capacity int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evaluations.resize(capacity)
	h.executions.resize(capacity)
}

// clear empties both rings and adopts epoch as the only accepted write epoch.
func (h *history) clear(epoch uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.epoch = epoch
	h.evaluations.clear()
	h.executions.clear()
}

// EvaluationHistory returns recent evaluation results, newest first. An empty
// ruleID matches every rule; limit <= 0 means no limit.
func (e *Engine) EvaluationHistory(ruleID string, limit int) []domain.EvaluationResult {
	e.history.mu.Lock()
	items := e.history.evaluations.items()
	e.history.mu.Unlock()

	return newestFirst(items, limit, func(r domain.EvaluationResult) bool {
		return ruleID == "" || r.RuleID == ruleID
	})
}

// ExecutionHistory returns recent execution results, newest first.
func (e *Engine) ExecutionHistory(ruleID string, limit int) []domain.ExecutionResult {
	e.history.mu.Lock()
	items := e.history.executions.items()
	e.history.mu.Unlock()

	return newestFirst(items, limit, func(r domain.ExecutionResult) bool {
		return ruleID == "" || r.RuleID == ruleID
	})
}

func newestFirst[T any](items []T, limit int, keep func(T) bool) []T {
	out := make([]T, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		if !keep(items[i]) {
			continue
		}
		out = append(out, items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
