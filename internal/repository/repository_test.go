package repository

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "harrier-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetEvaluationRun", func(t *testing.T) {
		run := &domain.EvaluationRun{
			ID:         "run-001",
			Timestamp:  now,
			DurationMs: 3,
			Results: []domain.EvaluationResult{
				{RuleID: "mobile-optimization", Matched: true, Confidence: 1, Timestamp: now},
				{RuleID: "battery-saving", Matched: false, Confidence: 0, Timestamp: now},
			},
		}

		if err := repo.SaveEvaluationRun(ctx, run); err != nil {
			t.Fatalf("SaveEvaluationRun failed: %v", err)
		}

		got, err := repo.GetEvaluationRun(ctx, "run-001")
		if err != nil {
			t.Fatalf("GetEvaluationRun failed: %v", err)
		}
		if len(got.Results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(got.Results))
		}
		if got.Results[0].RuleID != "mobile-optimization" || !got.Results[0].Matched {
			t.Errorf("unexpected first result: %+v", got.Results[0])
		}
		if got.DurationMs != 3 {
			t.Errorf("expected duration 3, got %d", got.DurationMs)
		}
		if !got.Timestamp.Equal(now) {
			t.Errorf("expected timestamp %v, got %v", now, got.Timestamp)
		}
	})

	t.Run("DuplicateRunRejected", func(t *testing.T) {
		run := &domain.EvaluationRun{ID: "run-dup", Timestamp: now}
		if err := repo.SaveEvaluationRun(ctx, run); err != nil {
			t.Fatalf("first save failed: %v", err)
		}
		if err := repo.SaveEvaluationRun(ctx, run); err == nil {
			t.Error("expected error saving the same run twice")
		}
	})

	t.Run("SaveAndGetExecutionReport", func(t *testing.T) {
		report := &domain.ExecutionReport{
			ID:        "report-001",
			Timestamp: now,
			Evaluations: []domain.EvaluationResult{
				{RuleID: "low-network-optimization", Matched: true, Confidence: 1, Timestamp: now},
			},
			Conflicts: []domain.Conflict{{
				Type:       domain.ConflictResource,
				RuleIDs:    []string{"battery-saving", "idle-mode"},
				Target:     "system",
				Resolution: "highest-priority",
				Severity:   domain.SeverityHigh,
			}},
			Results: []domain.ExecutionResult{
				{
					RuleID:        "low-network-optimization",
					ActionID:      "reduce-quality",
					ActionType:    "performance-optimization",
					Target:        "system",
					Success:       true,
					ExecutionTime: 2 * time.Millisecond,
					Timestamp:     now,
				},
				{
					RuleID:          "low-network-optimization",
					ActionID:        "defer-sync",
					ActionType:      "resource-allocation",
					Target:          "system",
					Error:           "handler panicked",
					Rollback:        true,
					RollbackSuccess: true,
					Timestamp:       now,
				},
			},
			DurationMs: 5,
		}

		if err := repo.SaveExecutionReport(ctx, report); err != nil {
			t.Fatalf("SaveExecutionReport failed: %v", err)
		}

		got, err := repo.GetExecutionReport(ctx, "report-001")
		if err != nil {
			t.Fatalf("GetExecutionReport failed: %v", err)
		}
		if len(got.Results) != 2 {
			t.Fatalf("expected 2 results, got %d", len(got.Results))
		}
		if got.Results[0].ActionID != "reduce-quality" || got.Results[1].ActionID != "defer-sync" {
			t.Errorf("results out of dispatch order: %+v", got.Results)
		}
		if got.Results[0].ExecutionTime != 2*time.Millisecond {
			t.Errorf("expected 2ms, got %s", got.Results[0].ExecutionTime)
		}
		if !got.Results[1].Rollback || !got.Results[1].RollbackSuccess || got.Results[1].Error != "handler panicked" {
			t.Errorf("rollback fields lost: %+v", got.Results[1])
		}
		if len(got.Conflicts) != 1 || got.Conflicts[0].Target != "system" {
			t.Errorf("conflicts lost: %+v", got.Conflicts)
		}
		if len(got.Evaluations) != 1 {
			t.Errorf("expected 1 evaluation, got %d", len(got.Evaluations))
		}
	})

	t.Run("ListExecutionResults", func(t *testing.T) {
		later := now.Add(time.Second)
		report := &domain.ExecutionReport{
			ID:        "report-002",
			Timestamp: later,
			Results: []domain.ExecutionResult{
				{RuleID: "idle-mode", ActionID: "dim", ActionType: "resource-allocation", Success: true, Timestamp: later},
				{RuleID: "low-network-optimization", ActionID: "reduce-quality", ActionType: "performance-optimization", Success: true, Timestamp: later},
			},
		}
		if err := repo.SaveExecutionReport(ctx, report); err != nil {
			t.Fatalf("SaveExecutionReport failed: %v", err)
		}

		byRule, err := repo.ListExecutionResults(ctx, "low-network-optimization", 10)
		if err != nil {
			t.Fatalf("ListExecutionResults failed: %v", err)
		}
		if len(byRule) != 3 {
			t.Fatalf("expected 3 results, got %d", len(byRule))
		}
		if byRule[0].ReportID != "report-002" {
			t.Errorf("expected newest first, got %s", byRule[0].ReportID)
		}

		limited, _ := repo.ListExecutionResults(ctx, "", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}

		none, err := repo.ListExecutionResults(ctx, "unknown-rule", 0)
		if err != nil {
			t.Fatalf("ListExecutionResults failed: %v", err)
		}
		if none == nil || len(none) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", none)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetEvaluationRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := repo.GetExecutionReport(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("RequiresID", func(t *testing.T) {
		if err := repo.SaveEvaluationRun(ctx, &domain.EvaluationRun{}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if err := repo.SaveExecutionReport(ctx, nil); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.GetEvaluationRun(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ctx := context.Background()
	if err := repo.SaveEvaluationRun(ctx, &domain.EvaluationRun{ID: "mem", Timestamp: time.Now()}); err != nil {
		t.Fatalf("SaveEvaluationRun failed: %v", err)
	}
	if _, err := repo.GetEvaluationRun(ctx, "mem"); err != nil {
		t.Errorf("GetEvaluationRun failed: %v", err)
	}
}

func TestNoneDriver(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "none"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if repo != nil {
		t.Error("expected nil repository for none driver")
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	repo := &SQLRepository{driver: "postgres"}

	tests := []struct {
		input    string
		expected string
	}{
		{"SELECT * FROM t WHERE id = ?", "SELECT * FROM t WHERE id = $1"},
		{"INSERT INTO t (a, b) VALUES (?, ?)", "INSERT INTO t (a, b) VALUES ($1, $2)"},
		{"SELECT * FROM t", "SELECT * FROM t"},
	}

	for _, tt := range tests {
		if result := repo.rebind(tt.input); result != tt.expected {
			t.Errorf("rebind(%q) = %q, want %q", tt.input, result, tt.expected)
		}
	}

	sqlite := &SQLRepository{driver: "sqlite"}
	if got := sqlite.rebind("id = ?"); got != "id = ?" {
		t.Errorf("sqlite placeholders must be untouched, got %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{
		PostgresUser:     "harrier",
		PostgresPassword: "it's secret",
	})

	for _, want := range []string{
		"host=localhost",
		"port=5432",
		"dbname=harrier",
		"sslmode=disable",
		"user=harrier",
		`password='it\'s secret'`,
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}

	if strings.Contains(postgresDSN(domain.RepositoryConfig{}), "password=") {
		t.Error("empty password must be omitted")
	}
}
