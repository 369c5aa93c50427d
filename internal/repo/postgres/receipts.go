package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

type ReceiptStore struct {
	db DB
}

const (
	// The conflict target is the dedup authority: the first writer claims
	// the key, every later writer gets the existing row back.
	insertReceiptQuery = `INSERT INTO callback_receipts (
		receipt_id,
		run_id,
		step_run_id,
		idempotency_key,
		stale,
		received_at,
		received_by
	) VALUES ($1,$2,$3,$4,$5,$6,$7)
	ON CONFLICT (run_id, step_run_id, idempotency_key) DO NOTHING
	RETURNING receipt_id, run_id, step_run_id, idempotency_key, stale, received_at, received_by`

	selectReceiptQuery = `SELECT receipt_id, run_id, step_run_id, idempotency_key, stale, received_at, received_by
	 FROM callback_receipts
	 WHERE run_id = $1 AND step_run_id = $2 AND idempotency_key = $3`

	deleteExpiredReceiptsQuery = `DELETE FROM callback_receipts
	 WHERE receipt_id IN (
		SELECT receipt_id FROM callback_receipts
		WHERE received_at < $1
		ORDER BY received_at ASC
		LIMIT $2
	 )`
)

func NewReceiptStore(db DB) *ReceiptStore {
	if db == nil {
		return nil
	}
	return &ReceiptStore{db: db}
}

func (s *ReceiptStore) InsertReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error) {
	if s == nil || s.db == nil {
		return domain.CallbackReceipt{}, false, fmt.Errorf("receipt store not initialized")
	}
	if err := receipt.Validate(); err != nil {
		return domain.CallbackReceipt{}, false, err
	}

	id := strings.TrimSpace(receipt.ID)
	if id == "" {
		id = uuid.NewString()
	}
	receivedAt := receipt.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	var inserted domain.CallbackReceipt
	var insertedBy sql.NullString
	err := s.db.QueryRowContext(
		ctx,
		insertReceiptQuery,
		id,
		strings.TrimSpace(receipt.RunID),
		strings.TrimSpace(receipt.StepRunID),
		strings.TrimSpace(receipt.IdempotencyKey),
		receipt.Stale,
		receivedAt.UTC(),
		nullIfEmpty(receipt.ReceivedBy),
	).Scan(
		&inserted.ID,
		&inserted.RunID,
		&inserted.StepRunID,
		&inserted.IdempotencyKey,
		&inserted.Stale,
		&inserted.ReceivedAt,
		&insertedBy,
	)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return domain.CallbackReceipt{}, false, fmt.Errorf("insert receipt: %w", err)
		}
		existing, err := s.GetReceipt(ctx, receipt.RunID, receipt.StepRunID, receipt.IdempotencyKey)
		if err != nil {
			return domain.CallbackReceipt{}, false, err
		}
		return existing, false, nil
	}
	inserted.ReceivedAt = inserted.ReceivedAt.UTC()
	inserted.ReceivedBy = strings.TrimSpace(insertedBy.String)
	return inserted, true, nil
}

func (s *ReceiptStore) GetReceipt(ctx context.Context, runID, stepRunID, idempotencyKey string) (domain.CallbackReceipt, error) {
	if s == nil || s.db == nil {
		return domain.CallbackReceipt{}, fmt.Errorf("receipt store not initialized")
	}
	runID = strings.TrimSpace(runID)
	stepRunID = strings.TrimSpace(stepRunID)
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if runID == "" || stepRunID == "" || idempotencyKey == "" {
		return domain.CallbackReceipt{}, fmt.Errorf("run id, step run id and idempotency key are required")
	}
	var receipt domain.CallbackReceipt
	var receivedBy sql.NullString
	err := s.db.QueryRowContext(ctx, selectReceiptQuery, runID, stepRunID, idempotencyKey).Scan(
		&receipt.ID,
		&receipt.RunID,
		&receipt.StepRunID,
		&receipt.IdempotencyKey,
		&receipt.Stale,
		&receipt.ReceivedAt,
		&receivedBy,
	)
	if err != nil {
		return domain.CallbackReceipt{}, handleNotFound(err)
	}
	receipt.ReceivedAt = receipt.ReceivedAt.UTC()
	receipt.ReceivedBy = strings.TrimSpace(receivedBy.String)
	return receipt, nil
}

func (s *ReceiptStore) DeleteExpiredReceipts(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("receipt store not initialized")
	}
	if limit < 1 || limit > 10000 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, deleteExpiredReceiptsQuery, cutoff.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired receipts: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired receipts: %w", err)
	}
	return deleted, nil
}
