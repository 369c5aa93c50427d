package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

type RunStore struct {
	db DB
}

const (
	selectRunColumns = `run_id, workflow_def_id, submission_id, org_id, org_name, status, failure_reason, created_at, started_at, ended_at`

	selectRunByIDQuery = `SELECT ` + selectRunColumns + `
	 FROM validation_runs
	 WHERE run_id = $1`

	// The status predicate makes the transition a compare-and-set: of two
	// concurrent writers only one sees RowsAffected == 1.
	transitionRunQuery = `UPDATE validation_runs
	 SET status = $3,
	     failure_reason = COALESCE($4, failure_reason),
	     started_at = CASE WHEN $3 = 'RUNNING' AND started_at IS NULL THEN $5 ELSE started_at END,
	     ended_at = CASE WHEN $3 IN ('SUCCEEDED','FAILED','TIMED_OUT') THEN $5 ELSE ended_at END
	 WHERE run_id = $1 AND status = $2`
)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.ValidationRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO validation_runs (
			run_id,
			workflow_def_id,
			submission_id,
			org_id,
			org_name,
			status,
			failure_reason,
			created_at,
			started_at,
			ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.WorkflowDefID),
		strings.TrimSpace(run.SubmissionID),
		strings.TrimSpace(run.OrgID),
		nullIfEmpty(run.OrgName),
		string(run.Status),
		nullIfEmpty(run.FailureReason),
		normalizeTime(run.CreatedAt),
		nullTime(run.StartedAt),
		nullTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.ValidationRun, error) {
	if s == nil || s.db == nil {
		return domain.ValidationRun{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.ValidationRun{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunByIDQuery, id)
	return scanRun(row)
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ValidationRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + selectRunColumns + ` FROM validation_runs`
	conds := make([]string, 0, 4)
	args := make([]any, 0, 5)
	if v := strings.TrimSpace(filter.WorkflowDefID); v != "" {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("workflow_def_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.SubmissionID); v != "" {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("submission_id = $%d", len(args)))
	}
	if v := strings.TrimSpace(filter.OrgID); v != "" {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("org_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ValidationRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

func (s *RunStore) TransitionRun(ctx context.Context, id string, from, to domain.RunStatus, failureReason string, at time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("run id is required")
	}
	if !domain.CanTransitionRunStatus(from, to) {
		return false, fmt.Errorf("invalid run transition %s -> %s", from, to)
	}
	res, err := s.db.ExecContext(ctx, transitionRunQuery, id, string(from), string(to), nullIfEmpty(failureReason), normalizeTime(at))
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition run: %w", err)
	}
	return affected == 1, nil
}

func scanRun(scanner rowScanner) (domain.ValidationRun, error) {
	var run domain.ValidationRun
	var orgName sql.NullString
	var failureReason sql.NullString
	var startedAt sql.NullTime
	var endedAt sql.NullTime
	if err := scanner.Scan(
		&run.ID,
		&run.WorkflowDefID,
		&run.SubmissionID,
		&run.OrgID,
		&orgName,
		&run.Status,
		&failureReason,
		&run.CreatedAt,
		&startedAt,
		&endedAt,
	); err != nil {
		return domain.ValidationRun{}, handleNotFound(err)
	}
	run.OrgName = strings.TrimSpace(orgName.String)
	run.FailureReason = strings.TrimSpace(failureReason.String)
	run.CreatedAt = run.CreatedAt.UTC()
	run.StartedAt = timePtr(startedAt)
	run.EndedAt = timePtr(endedAt)
	return run, nil
}
