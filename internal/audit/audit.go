// Package audit persists engine runs to the repository. Listeners only
// enqueue; a background goroutine does the writes so a slow database never
// holds up evaluation.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/events"
	"github.com/opensource-finance/harrier/internal/rules"
)

// DefaultQueueSize bounds the number of runs waiting to be written.
const DefaultQueueSize = 1024

// Recorder writes evaluation runs and execution reports to a repository.
type Recorder struct {
	repo    domain.Repository
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan any
	wg     sync.WaitGroup
	detach []func()

	saved   atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewRecorder starts a recorder. queueSize <= 0 uses DefaultQueueSize.
func NewRecorder(repo domain.Repository, logger *slog.Logger, queueSize int) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	r := &Recorder{
		repo:    repo,
		logger:  logger,
		timeout: 5 * time.Second,
		queue:   make(chan any, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Attach subscribes the recorder to engine's completion events.
func (r *Recorder) Attach(engine *rules.Engine) {
	r.detach = append(r.detach,
		engine.On(events.EvaluationCompleted, r.enqueue),
		engine.On(events.ExecutionCompleted, r.enqueue),
	)
}

func (r *Recorder) enqueue(ctx context.Context, ev events.Event) error {
	switch ev.Payload.(type) {
	case *domain.EvaluationRun, *domain.ExecutionReport:
	default:
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil
	}

	select {
	case r.queue <- ev.Payload:
	default:
		r.dropped.Add(1)
		r.logger.Warn("audit queue full, run dropped", "event", string(ev.Name))
	}
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for item := range r.queue {
		r.save(item)
	}
}

func (r *Recorder) save(item any) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var err error
	var id string
	switch v := item.(type) {
	case *domain.EvaluationRun:
		id = v.ID
		err = r.repo.SaveEvaluationRun(ctx, v)
	case *domain.ExecutionReport:
		id = v.ID
		err = r.repo.SaveExecutionReport(ctx, v)
	}

	if err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to save audit record",
			"record_id", id,
			"error", err,
		)
		return
	}
	r.saved.Add(1)
}

// Close detaches from the engine and waits for queued records to be written.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, d := range r.detach {
			d()
		}
		close(r.queue)
	}
	r.mu.Unlock()

	r.wg.Wait()
	return nil
}

// Stats reports recorder counters.
type Stats struct {
	Saved   int64 `json:"saved"`
	Failed  int64 `json:"failed"`
	Dropped int64 `json:"dropped"`
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Saved:   r.saved.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}
