package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

type StepRunStore struct {
	db DB
}

const (
	selectStepRunColumns = `step_run_id, run_id, ordinal, step_name, validator_type, validator_mode, status, envelope_sent, envelope_received, findings, dispatched_at, deadline, completed_at`

	selectStepRunByIDQuery = `SELECT ` + selectStepRunColumns + `
	 FROM step_runs
	 WHERE step_run_id = $1`

	listStepRunsByRunQuery = `SELECT ` + selectStepRunColumns + `
	 FROM step_runs
	 WHERE run_id = $1
	 ORDER BY ordinal ASC`

	// Only a step still waiting for its callback can be completed by one.
	// The status predicate is the compare-and-set that lets a late callback
	// and the timeout sweep race safely: exactly one wins.
	completeFromCallbackQuery = `UPDATE step_runs
	 SET status = $2, envelope_received = $3, findings = $4, completed_at = $5
	 WHERE step_run_id = $1 AND status = 'AWAITING_CALLBACK'`

	listExpiredAwaitingQuery = `SELECT ` + selectStepRunColumns + `
	 FROM step_runs
	 WHERE status = 'AWAITING_CALLBACK' AND deadline IS NOT NULL AND deadline < $1
	 ORDER BY deadline ASC
	 LIMIT $2`
)

func NewStepRunStore(db DB) *StepRunStore {
	if db == nil {
		return nil
	}
	return &StepRunStore{db: db}
}

func (s *StepRunStore) CreateStepRun(ctx context.Context, stepRun domain.StepRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	if err := stepRun.Validate(); err != nil {
		return err
	}
	findingsJSON, err := encodeFindings(stepRun.Findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO step_runs (
			step_run_id,
			run_id,
			ordinal,
			step_name,
			validator_type,
			validator_mode,
			status,
			envelope_sent,
			envelope_received,
			findings,
			dispatched_at,
			deadline,
			completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		strings.TrimSpace(stepRun.ID),
		strings.TrimSpace(stepRun.RunID),
		stepRun.Ordinal,
		strings.TrimSpace(stepRun.StepName),
		strings.TrimSpace(stepRun.ValidatorType),
		strings.TrimSpace(stepRun.ValidatorMode),
		string(stepRun.Status),
		[]byte(stepRun.EnvelopeSent),
		[]byte(stepRun.EnvelopeReceived),
		findingsJSON,
		nullTime(stepRun.DispatchedAt),
		nullTime(stepRun.Deadline),
		nullTime(stepRun.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step run: %w", err)
	}
	return nil
}

func (s *StepRunStore) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	if s == nil || s.db == nil {
		return domain.StepRun{}, fmt.Errorf("step run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.StepRun{}, fmt.Errorf("step run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectStepRunByIDQuery, id)
	return scanStepRun(row)
}

func (s *StepRunStore) ListStepRunsByRun(ctx context.Context, runID string) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	rows, err := s.db.QueryContext(ctx, listStepRunsByRunQuery, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepRun, 0)
	for rows.Next() {
		stepRun, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stepRun)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	return out, nil
}

func (s *StepRunStore) MarkDispatched(ctx context.Context, id string, envelopeSent []byte, dispatchedAt time.Time, deadline *time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step run id is required")
	}
	status := domain.StepRunStatusDispatched
	if deadline != nil {
		status = domain.StepRunStatusAwaitingCallback
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE step_runs
		 SET status = $2, envelope_sent = $3, dispatched_at = $4, deadline = $5
		 WHERE step_run_id = $1 AND status = 'PENDING'`,
		id,
		string(status),
		envelopeSent,
		dispatchedAt.UTC(),
		nullTime(deadline),
	)
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark dispatched: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("step run %s is not pending", id)
	}
	return nil
}

func (s *StepRunStore) CompleteFromCallback(ctx context.Context, id string, status domain.StepRunStatus, envelopeReceived []byte, findings []domain.Finding, completedAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("step run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return false, fmt.Errorf("step run id is required")
	}
	if status != domain.StepRunStatusComplete && status != domain.StepRunStatusErrored {
		return false, fmt.Errorf("unsupported completion status: %s", status)
	}
	findingsJSON, err := encodeFindings(findings)
	if err != nil {
		return false, fmt.Errorf("encode findings: %w", err)
	}
	res, err := s.db.ExecContext(ctx, completeFromCallbackQuery, id, string(status), envelopeReceived, findingsJSON, completedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("complete step run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete step run: %w", err)
	}
	return affected == 1, nil
}

func (s *StepRunStore) CompleteInProcess(ctx context.Context, id string, status domain.StepRunStatus, findings []domain.Finding, completedAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("step run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("step run id is required")
	}
	if status != domain.StepRunStatusComplete && status != domain.StepRunStatusErrored {
		return fmt.Errorf("unsupported completion status: %s", status)
	}
	findingsJSON, err := encodeFindings(findings)
	if err != nil {
		return fmt.Errorf("encode findings: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE step_runs
		 SET status = $2, findings = $3, completed_at = $4
		 WHERE step_run_id = $1 AND status = 'DISPATCHED'`,
		id,
		string(status),
		findingsJSON,
		completedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete step run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete step run: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("step run %s is not dispatched", id)
	}
	return nil
}

func (s *StepRunStore) ListExpiredAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]domain.StepRun, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("step run store not initialized")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listExpiredAwaitingQuery, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired step runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StepRun, 0)
	for rows.Next() {
		stepRun, err := scanStepRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, stepRun)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired step runs: %w", err)
	}
	return out, nil
}

func scanStepRun(scanner rowScanner) (domain.StepRun, error) {
	var stepRun domain.StepRun
	var envelopeSent []byte
	var envelopeReceived []byte
	var findingsJSON []byte
	var validatorMode sql.NullString
	var dispatchedAt sql.NullTime
	var deadline sql.NullTime
	var completedAt sql.NullTime
	if err := scanner.Scan(
		&stepRun.ID,
		&stepRun.RunID,
		&stepRun.Ordinal,
		&stepRun.StepName,
		&stepRun.ValidatorType,
		&validatorMode,
		&stepRun.Status,
		&envelopeSent,
		&envelopeReceived,
		&findingsJSON,
		&dispatchedAt,
		&deadline,
		&completedAt,
	); err != nil {
		return domain.StepRun{}, handleNotFound(err)
	}
	stepRun.ValidatorMode = strings.TrimSpace(validatorMode.String)
	stepRun.EnvelopeSent = envelopeSent
	stepRun.EnvelopeReceived = envelopeReceived
	findings, err := decodeFindings(findingsJSON)
	if err != nil {
		return domain.StepRun{}, fmt.Errorf("decode findings: %w", err)
	}
	stepRun.Findings = findings
	stepRun.DispatchedAt = timePtr(dispatchedAt)
	stepRun.Deadline = timePtr(deadline)
	stepRun.CompletedAt = timePtr(completedAt)
	return stepRun, nil
}
