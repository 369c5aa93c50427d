package postgres

import (
	"strings"
	"testing"
)

func TestReceiptInsertIsIdempotent(t *testing.T) {
	if !strings.Contains(insertReceiptQuery, "ON CONFLICT (run_id, step_run_id, idempotency_key) DO NOTHING") {
		t.Fatalf("expected idempotency conflict clause in insert query")
	}
	if !strings.Contains(insertReceiptQuery, "RETURNING") {
		t.Fatalf("expected RETURNING clause so a lost conflict is observable")
	}
}

func TestStepRunCompletionIsCompareAndSet(t *testing.T) {
	if !strings.Contains(completeFromCallbackQuery, "status = 'AWAITING_CALLBACK'") {
		t.Fatalf("expected awaiting-callback predicate in completion query")
	}
}

func TestRunTransitionIsCompareAndSet(t *testing.T) {
	if !strings.Contains(transitionRunQuery, "status = $2") {
		t.Fatalf("expected expected-status predicate in transition query")
	}
}

func TestExpiredStepRunQueryBoundsResults(t *testing.T) {
	if !strings.Contains(listExpiredAwaitingQuery, "deadline < $1") {
		t.Fatalf("expected deadline predicate")
	}
	if !strings.Contains(listExpiredAwaitingQuery, "LIMIT $2") {
		t.Fatalf("expected bounded batch")
	}
}

func TestPurgeDueQuerySkipsFlaggedRows(t *testing.T) {
	if !strings.Contains(listPurgeDueQuery, "purge_state IN ('retained', 'purge_failed')") {
		t.Fatalf("expected retryable purge states only")
	}
	if !strings.Contains(listPurgeDueQuery, "next_purge_at IS NULL OR next_purge_at <= $1") {
		t.Fatalf("expected backoff window predicate")
	}
}

func TestLockIDIsStable(t *testing.T) {
	if lockID("stuck_runs") != lockID("stuck_runs") {
		t.Fatalf("lock id must be deterministic")
	}
	if lockID("stuck_runs") == lockID("purge_retry") {
		t.Fatalf("distinct sweeps must not share a lock id")
	}
}
