package runs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/veritide-labs/veritide-go/internal/domain"
)

// ResolveStepTimeout resolves a step whose callback deadline has lapsed. It
// claims the derived idempotency key first, so a late real callback with the
// default key loses cleanly, then applies the same compare-and-set a
// callback would. It reports true when this call resolved the step.
func (s *Service) ResolveStepTimeout(ctx context.Context, stepRun domain.StepRun) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("run service not initialized")
	}
	if stepRun.Status != domain.StepRunStatusAwaitingCallback {
		return false, nil
	}

	now := s.now()
	receipt := domain.CallbackReceipt{
		RunID:          stepRun.RunID,
		StepRunID:      stepRun.ID,
		IdempotencyKey: domain.DeriveIdempotencyKey(stepRun.RunID, stepRun.ID),
		ReceivedAt:     now,
		ReceivedBy:     "maintenance:stuck-run-sweep",
	}
	existing, claimed, err := s.receipts.InsertReceipt(ctx, receipt)
	if err != nil {
		return false, fmt.Errorf("claim timeout receipt: %w", err)
	}
	if !claimed && !existing.Stale {
		// A real callback already claimed the default key; leave the step
		// to it.
		return false, nil
	}
	// A stale receipt under the default key never resolved the step, so it
	// does not block the sweep from doing so.

	findings := []domain.Finding{{
		Source:   domain.FindingSourceSystem,
		Severity: domain.SeveritySystem,
		Passed:   false,
		Message:  "validator callback deadline exceeded",
	}}
	swapped, err := s.stepRuns.CompleteFromCallback(ctx, stepRun.ID, domain.StepRunStatusErrored, nil, findings, now)
	if err != nil {
		return false, fmt.Errorf("resolve step timeout: %w", err)
	}
	if !swapped {
		return false, nil
	}

	if _, err := s.runs.TransitionRun(ctx, stepRun.RunID, domain.RunStatusRunning, domain.RunStatusTimedOut,
		fmt.Sprintf("step %s timed out awaiting its callback", stepRun.StepName), now); err != nil {
		return false, fmt.Errorf("time out run: %w", err)
	}
	s.logger.Info("step timed out",
		slog.String("run_id", stepRun.RunID),
		slog.String("step_run_id", stepRun.ID),
	)
	return true, nil
}
