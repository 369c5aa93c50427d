package repo

import (
	"context"
	"errors"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type WorkflowFilter struct {
	WorkflowID string
	ActiveOnly bool
	Limit      int
}

type RunFilter struct {
	WorkflowDefID string
	SubmissionID  string
	OrgID         string
	Status        domain.RunStatus
	Limit         int
}

// WorkflowRepository manages published workflow versions. Versions are
// immutable once published; activation moves between versions of the same
// workflow.
type WorkflowRepository interface {
	CreateDefinition(ctx context.Context, def domain.WorkflowDefinition) error
	GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error)
	GetActiveDefinition(ctx context.Context, workflowID string) (domain.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, filter WorkflowFilter) ([]domain.WorkflowDefinition, error)
	NextVersion(ctx context.Context, workflowID string) (int, error)
}

// RunRepository manages validation run state.
type RunRepository interface {
	CreateRun(ctx context.Context, run domain.ValidationRun) error
	GetRun(ctx context.Context, id string) (domain.ValidationRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.ValidationRun, error)
	// TransitionRun applies a compare-and-set status change. It reports
	// false without error when the run was not in the expected status.
	TransitionRun(ctx context.Context, id string, from, to domain.RunStatus, failureReason string, at time.Time) (bool, error)
}

// StepRunRepository manages per-step execution records.
type StepRunRepository interface {
	CreateStepRun(ctx context.Context, stepRun domain.StepRun) error
	GetStepRun(ctx context.Context, id string) (domain.StepRun, error)
	ListStepRunsByRun(ctx context.Context, runID string) ([]domain.StepRun, error)
	MarkDispatched(ctx context.Context, id string, envelopeSent []byte, dispatchedAt time.Time, deadline *time.Time) error
	// CompleteFromCallback applies a callback result only while the step is
	// still awaiting one. It reports false when the step had already left
	// AWAITING_CALLBACK, in which case the caller records a stale receipt.
	CompleteFromCallback(ctx context.Context, id string, status domain.StepRunStatus, envelopeReceived []byte, findings []domain.Finding, completedAt time.Time) (bool, error)
	CompleteInProcess(ctx context.Context, id string, status domain.StepRunStatus, findings []domain.Finding, completedAt time.Time) error
	ListExpiredAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]domain.StepRun, error)
}

// ReceiptRepository is the dedup authority for callback application.
type ReceiptRepository interface {
	// InsertReceipt claims the idempotency key. It reports false when the
	// key was already claimed, returning the existing receipt.
	InsertReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error)
	GetReceipt(ctx context.Context, runID, stepRunID, idempotencyKey string) (domain.CallbackReceipt, error)
	DeleteExpiredReceipts(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// SubmissionRepository manages submission metadata and retention state.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, submission domain.Submission) error
	GetSubmission(ctx context.Context, id string) (domain.Submission, error)
	ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error)
	MarkPurged(ctx context.Context, id string, at time.Time) error
	RecordPurgeFailure(ctx context.Context, id string, attempts int, nextAttempt time.Time) error
	FlagPurgeFailed(ctx context.Context, id string) error
}
