package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

type SubmissionStore struct {
	db DB
}

const (
	selectSubmissionColumns = `submission_id, org_id, filename, content_type, content_key, size_bytes, retain_until, purge_state, purge_attempts, next_purge_at, created_at`

	selectSubmissionByIDQuery = `SELECT ` + selectSubmissionColumns + `
	 FROM submissions
	 WHERE submission_id = $1`

	// Due means retention has lapsed and the row is still in a retryable
	// purge state whose backoff window has passed.
	listPurgeDueQuery = `SELECT ` + selectSubmissionColumns + `
	 FROM submissions
	 WHERE retain_until < $1
	   AND purge_state IN ('retained', 'purge_failed')
	   AND (next_purge_at IS NULL OR next_purge_at <= $1)
	 ORDER BY retain_until ASC
	 LIMIT $2`
)

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) CreateSubmission(ctx context.Context, submission domain.Submission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	if err := submission.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO submissions (
			submission_id,
			org_id,
			filename,
			content_type,
			content_key,
			size_bytes,
			retain_until,
			purge_state,
			purge_attempts,
			next_purge_at,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		strings.TrimSpace(submission.ID),
		strings.TrimSpace(submission.OrgID),
		nullIfEmpty(submission.Filename),
		nullIfEmpty(submission.ContentType),
		strings.TrimSpace(submission.ContentKey),
		submission.SizeBytes,
		submission.RetainUntil.UTC(),
		submission.PurgeState,
		submission.PurgeAttempts,
		nullTime(submission.NextPurgeAt),
		normalizeTime(submission.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (s *SubmissionStore) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}
	row := s.db.QueryRowContext(ctx, selectSubmissionByIDQuery, id)
	return scanSubmission(row)
}

func (s *SubmissionStore) ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("submission store not initialized")
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, listPurgeDueQuery, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list purge due: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Submission, 0)
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list purge due: %w", err)
	}
	return out, nil
}

func (s *SubmissionStore) MarkPurged(ctx context.Context, id string, at time.Time) error {
	return s.updatePurge(ctx, id,
		`UPDATE submissions
		 SET purge_state = 'purged', next_purge_at = NULL, purged_at = $2
		 WHERE submission_id = $1 AND purge_state IN ('retained', 'purge_failed')`,
		at.UTC())
}

func (s *SubmissionStore) RecordPurgeFailure(ctx context.Context, id string, attempts int, nextAttempt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("submission id is required")
	}
	if attempts < 1 {
		return fmt.Errorf("attempts must be >= 1")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE submissions
		 SET purge_state = 'purge_failed', purge_attempts = $2, next_purge_at = $3
		 WHERE submission_id = $1 AND purge_state IN ('retained', 'purge_failed')`,
		id,
		attempts,
		nextAttempt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record purge failure: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record purge failure: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("submission %s is not purgeable", id)
	}
	return nil
}

func (s *SubmissionStore) FlagPurgeFailed(ctx context.Context, id string) error {
	return s.updatePurge(ctx, id,
		`UPDATE submissions
		 SET purge_state = 'purge_flagged', next_purge_at = NULL
		 WHERE submission_id = $1 AND purge_state = 'purge_failed'`)
}

func (s *SubmissionStore) updatePurge(ctx context.Context, id, query string, extra ...any) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("submission id is required")
	}
	args := append([]any{id}, extra...)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update purge state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update purge state: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("submission %s is not in an updatable purge state", id)
	}
	return nil
}

func scanSubmission(scanner rowScanner) (domain.Submission, error) {
	var submission domain.Submission
	var filename sql.NullString
	var contentType sql.NullString
	var nextPurgeAt sql.NullTime
	if err := scanner.Scan(
		&submission.ID,
		&submission.OrgID,
		&filename,
		&contentType,
		&submission.ContentKey,
		&submission.SizeBytes,
		&submission.RetainUntil,
		&submission.PurgeState,
		&submission.PurgeAttempts,
		&nextPurgeAt,
		&submission.CreatedAt,
	); err != nil {
		return domain.Submission{}, handleNotFound(err)
	}
	submission.Filename = strings.TrimSpace(filename.String)
	submission.ContentType = strings.TrimSpace(contentType.String)
	submission.RetainUntil = submission.RetainUntil.UTC()
	submission.NextPurgeAt = timePtr(nextPurgeAt)
	submission.CreatedAt = submission.CreatedAt.UTC()
	return submission, nil
}
