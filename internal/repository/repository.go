// Package repository persists evaluation runs and execution reports for
// auditing. Rules are never stored here; the registry is in-memory.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListExecutionResults when no limit is given.
const DefaultListLimit = 100

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a repository based on configuration. The "none" driver returns
// a nil repository, which callers treat as auditing disabled.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvaluationRun stores one evaluation pass. Saving the same run id twice
// fails with the driver's constraint error.
func (r *SQLRepository) SaveEvaluationRun(ctx context.Context, run *domain.EvaluationRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}

	query := `
		INSERT INTO evaluation_runs (
			id, timestamp, duration_ms, timed_out, matched, results
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, run.Timestamp.UTC(), run.DurationMs,
		boolInt(run.TimedOut), run.MatchedCount(), string(results),
	)
	return err
}

// GetEvaluationRun retrieves an evaluation run by id.
func (r *SQLRepository) GetEvaluationRun(ctx context.Context, runID string) (*domain.EvaluationRun, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, timestamp, duration_ms, timed_out, results
		FROM evaluation_runs
		WHERE id = ?
	`

	var run domain.EvaluationRun
	var timedOut int
	var results string

	err := r.db.QueryRowContext(ctx, r.rebind(query), runID).Scan(
		&run.ID, &run.Timestamp, &run.DurationMs, &timedOut, &results,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.TimedOut = timedOut == 1
	if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
		return nil, fmt.Errorf("failed to parse results for run %s: %w", run.ID, err)
	}

	return &run, nil
}

// SaveExecutionReport stores a report and one row per action result in a
// single transaction.
func (r *SQLRepository) SaveExecutionReport(ctx context.Context, report *domain.ExecutionReport) error {
	if report == nil || report.ID == "" {
		return fmt.Errorf("%w: report id is required", ErrInvalidInput)
	}

	evaluations, err := json.Marshal(report.Evaluations)
	if err != nil {
		return fmt.Errorf("failed to encode evaluations: %w", err)
	}
	conflicts, _ := json.Marshal(report.Conflicts)
	skipped, _ := json.Marshal(report.Skipped)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	reportQuery := `
		INSERT INTO execution_reports (
			id, timestamp, duration_ms, evaluations, conflicts, skipped
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, r.rebind(reportQuery),
		report.ID, report.Timestamp.UTC(), report.DurationMs,
		string(evaluations), string(conflicts), string(skipped),
	); err != nil {
		return err
	}

	resultQuery := r.rebind(`
		INSERT INTO execution_results (
			report_id, seq, rule_id, action_id, action_type, target,
			success, error, execution_time_ns,
			rollback, rollback_success, rollback_error, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for i, res := range report.Results {
		if _, err := tx.ExecContext(ctx, resultQuery,
			report.ID, i, res.RuleID, res.ActionID, res.ActionType, res.Target,
			boolInt(res.Success), res.Error, int64(res.ExecutionTime),
			boolInt(res.Rollback), boolInt(res.RollbackSuccess), res.RollbackError,
			res.Timestamp.UTC(),
		); err != nil {
			return fmt.Errorf("failed to save result %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// GetExecutionReport retrieves a report with its results in dispatch order.
func (r *SQLRepository) GetExecutionReport(ctx context.Context, reportID string) (*domain.ExecutionReport, error) {
	if reportID == "" {
		return nil, fmt.Errorf("%w: report id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, timestamp, duration_ms, evaluations, conflicts, skipped
		FROM execution_reports
		WHERE id = ?
	`

	var report domain.ExecutionReport
	var evaluations string
	var conflicts, skipped sql.NullString

	err := r.db.QueryRowContext(ctx, r.rebind(query), reportID).Scan(
		&report.ID, &report.Timestamp, &report.DurationMs,
		&evaluations, &conflicts, &skipped,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(evaluations), &report.Evaluations); err != nil {
		return nil, fmt.Errorf("failed to parse evaluations for report %s: %w", report.ID, err)
	}
	if conflicts.Valid && conflicts.String != "" {
		json.Unmarshal([]byte(conflicts.String), &report.Conflicts)
	}
	if skipped.Valid && skipped.String != "" {
		json.Unmarshal([]byte(skipped.String), &report.Skipped)
	}

	records, err := r.queryResults(ctx, `
		SELECT `+resultColumns+`
		FROM execution_results
		WHERE report_id = ?
		ORDER BY seq
	`, reportID)
	if err != nil {
		return nil, err
	}

	report.Results = make([]domain.ExecutionResult, 0, len(records))
	for _, rec := range records {
		report.Results = append(report.Results, rec.ExecutionResult)
	}

	return &report, nil
}

// ListExecutionResults returns stored action results, newest first. An empty
// ruleID lists results for every rule.
func (r *SQLRepository) ListExecutionResults(ctx context.Context, ruleID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var where string
	args := []any{}
	if ruleID != "" {
		where = "WHERE rule_id = ?"
		args = append(args, ruleID)
	}
	args = append(args, limit)

	return r.queryResults(ctx, `
		SELECT `+resultColumns+`
		FROM execution_results
		`+where+`
		ORDER BY timestamp DESC, report_id, seq
		LIMIT ?
	`, args...)
}

const resultColumns = `report_id, rule_id, action_id, action_type, target,
		       success, error, execution_time_ns,
		       rollback, rollback_success, rollback_error, timestamp`

func (r *SQLRepository) queryResults(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []domain.ExecutionRecord{}
	for rows.Next() {
		var rec domain.ExecutionRecord
		var target, errText, rollbackErr sql.NullString
		var success, rollback, rollbackSuccess int
		var elapsed int64

		if err := rows.Scan(
			&rec.ReportID, &rec.RuleID, &rec.ActionID, &rec.ActionType, &target,
			&success, &errText, &elapsed,
			&rollback, &rollbackSuccess, &rollbackErr, &rec.Timestamp,
		); err != nil {
			return nil, err
		}

		rec.Target = target.String
		rec.Success = success == 1
		rec.Error = errText.String
		rec.ExecutionTime = time.Duration(elapsed)
		rec.Rollback = rollback == 1
		rec.RollbackSuccess = rollbackSuccess == 1
		rec.RollbackError = rollbackErr.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
