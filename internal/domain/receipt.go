package domain

import (
	"errors"
	"strings"
	"time"
)

// CallbackReceipt records the first successful application of a callback.
// The (run_id, step_run_id, idempotency_key) uniqueness is the sole dedup
// authority for the at-most-once guarantee.
type CallbackReceipt struct {
	ID             string
	RunID          string
	StepRunID      string
	IdempotencyKey string
	Stale          bool
	ReceivedAt     time.Time
	ReceivedBy     string
}

func (r CallbackReceipt) Validate() error {
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.StepRunID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(r.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	return nil
}

// DeriveIdempotencyKey builds the fallback key for senders that omit an
// explicit one. The timeout sweep uses the same derivation so that it and a
// late real callback contend on one receipt row.
func DeriveIdempotencyKey(runID, stepRunID string) string {
	return strings.TrimSpace(runID) + ":" + strings.TrimSpace(stepRunID)
}
