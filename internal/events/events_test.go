package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietEmitter(sticky ...Name) *Emitter {
	return NewEmitter(slog.New(slog.NewTextHandler(io.Discard, nil)), sticky...)
}

func TestOnReceivesEvents(t *testing.T) {
	e := quietEmitter()
	var got []any

	e.On(ConfigUpdated, func(ctx context.Context, ev Event) error {
		got = append(got, ev.Payload)
		return nil
	})

	e.Emit(context.Background(), ConfigUpdated, 1)
	e.Emit(context.Background(), ConfigUpdated, 2)
	e.Emit(context.Background(), Reset, 3)

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Errorf("expected [1 2], got %v", got)
	}
}

func TestOnceFiresOnce(t *testing.T) {
	e := quietEmitter()
	calls := 0

	e.Once(Reset, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	e.Emit(context.Background(), Reset, nil)
	e.Emit(context.Background(), Reset, nil)

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if n := e.ListenerCount(Reset); n != 0 {
		t.Errorf("expected once listener to be removed, got %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	e := quietEmitter()
	calls := 0

	off := e.On(RuleAdded, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	e.Emit(context.Background(), RuleAdded, nil)
	off()
	e.Emit(context.Background(), RuleAdded, nil)

	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestFailingListenersAreIsolated(t *testing.T) {
	e := quietEmitter()
	reached := false

	e.On(Reset, func(ctx context.Context, ev Event) error {
		panic("boom")
	})
	e.On(Reset, func(ctx context.Context, ev Event) error {
		return errors.New("subscriber failed")
	})
	e.On(Reset, func(ctx context.Context, ev Event) error {
		reached = true
		return nil
	})

	e.Emit(context.Background(), Reset, nil)

	if !reached {
		t.Error("listener after failing ones was not invoked")
	}
}

func TestStickyReplay(t *testing.T) {
	e := quietEmitter(Initialized)
	e.Emit(context.Background(), Initialized, "stats")

	t.Run("On", func(t *testing.T) {
		var got any
		e.On(Initialized, func(ctx context.Context, ev Event) error {
			got = ev.Payload
			return nil
		})
		if got != "stats" {
			t.Errorf("expected replayed payload, got %v", got)
		}
	})

	t.Run("Once", func(t *testing.T) {
		calls := 0
		e.Once(Initialized, func(ctx context.Context, ev Event) error {
			calls++
			return nil
		})
		e.Emit(context.Background(), Initialized, "again")
		if calls != 1 {
			t.Errorf("expected once listener to fire exactly once, got %d", calls)
		}
	})

	t.Run("NonStickyNotReplayed", func(t *testing.T) {
		e.Emit(context.Background(), Reset, nil)
		called := false
		e.On(Reset, func(ctx context.Context, ev Event) error {
			called = true
			return nil
		})
		if called {
			t.Error("non-sticky event must not be replayed")
		}
	})
}

func TestOnAny(t *testing.T) {
	e := quietEmitter(Initialized)
	e.Emit(context.Background(), Initialized, nil)

	var names []Name
	off := e.OnAny(func(ctx context.Context, ev Event) error {
		names = append(names, ev.Name)
		return nil
	})
	e.Emit(context.Background(), RuleRemoved, "r1")
	off()
	e.Emit(context.Background(), RuleRemoved, "r2")

	if len(names) != 2 || names[0] != Initialized || names[1] != RuleRemoved {
		t.Errorf("expected [initialized rule-removed], got %v", names)
	}
}
