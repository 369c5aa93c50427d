package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

// CallbackParams carries one authenticated callback delivery.
type CallbackParams struct {
	RunID          string
	StepRunID      string
	IdempotencyKey string
	Payload        []byte
	ReceivedBy     string
}

// CallbackResult tells the handler how the delivery was absorbed. Every
// variant is acknowledged to the sender; only Applied mutated run state.
type CallbackResult struct {
	Applied   bool
	Duplicate bool
	Stale     bool
	Malformed bool
	Reason    string
}

// HandleCallback applies a validator callback with at-most-once semantics:
// receipt insert is the sole dedup authority, the step transition is a
// compare-and-set out of AWAITING_CALLBACK, and anything arriving after the
// step resolved is absorbed as stale.
func (s *Service) HandleCallback(ctx context.Context, params CallbackParams) (CallbackResult, error) {
	if s == nil {
		return CallbackResult{}, fmt.Errorf("run service not initialized")
	}
	runID := strings.TrimSpace(params.RunID)
	stepRunID := strings.TrimSpace(params.StepRunID)
	if runID == "" || stepRunID == "" {
		return CallbackResult{}, fmt.Errorf("run id and step run id are required")
	}

	stepRun, err := s.stepRuns.GetStepRun(ctx, stepRunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CallbackResult{}, ErrStepRunNotFound
		}
		return CallbackResult{}, fmt.Errorf("load step run: %w", err)
	}
	if stepRun.RunID != runID {
		return CallbackResult{}, fmt.Errorf("step run %s does not belong to run %s", stepRunID, runID)
	}

	key := strings.TrimSpace(params.IdempotencyKey)
	if key == "" {
		key = domain.DeriveIdempotencyKey(runID, stepRunID)
	}

	// A malformed envelope is logged and acknowledged without claiming the
	// idempotency key, so a corrected resend is still applicable.
	out, err := envelope.DecodeOutput(params.Payload)
	if err != nil {
		s.logger.Warn("malformed callback envelope",
			slog.String("run_id", runID),
			slog.String("step_run_id", stepRunID),
			slog.String("error", err.Error()),
		)
		return CallbackResult{Malformed: true, Reason: err.Error()}, nil
	}
	if err := out.Match(runID, stepRun.ValidatorType); err != nil {
		s.logger.Warn("callback envelope mismatch",
			slog.String("run_id", runID),
			slog.String("step_run_id", stepRunID),
			slog.String("error", err.Error()),
		)
		return CallbackResult{Malformed: true, Reason: err.Error()}, nil
	}

	stale := stepRun.Status != domain.StepRunStatusAwaitingCallback
	receipt := domain.CallbackReceipt{
		RunID:          runID,
		StepRunID:      stepRunID,
		IdempotencyKey: key,
		Stale:          stale,
		ReceivedAt:     s.now(),
		ReceivedBy:     strings.TrimSpace(params.ReceivedBy),
	}
	_, claimed, err := s.receipts.InsertReceipt(ctx, receipt)
	if err != nil {
		return CallbackResult{}, fmt.Errorf("insert receipt: %w", err)
	}
	if !claimed {
		return CallbackResult{Duplicate: true, Reason: "idempotency key already applied"}, nil
	}
	if stale {
		s.logger.Info("stale callback absorbed",
			slog.String("run_id", runID),
			slog.String("step_run_id", stepRunID),
			slog.String("status", string(stepRun.Status)),
		)
		return CallbackResult{Stale: true, Reason: "step run already resolved"}, nil
	}

	status, findings, err := s.resolveCallback(ctx, runID, stepRun, out)
	if err != nil {
		return CallbackResult{}, err
	}

	swapped, err := s.stepRuns.CompleteFromCallback(ctx, stepRunID, status, out.Raw, findings, s.now())
	if err != nil {
		return CallbackResult{}, fmt.Errorf("complete step run: %w", err)
	}
	if !swapped {
		// Lost the race with the timeout sweep or a cancel between the
		// receipt claim and the transition.
		s.logger.Info("callback lost completion race",
			slog.String("run_id", runID),
			slog.String("step_run_id", stepRunID),
		)
		return CallbackResult{Stale: true, Reason: "step run resolved concurrently"}, nil
	}

	s.logger.Info("callback applied",
		slog.String("run_id", runID),
		slog.String("step_run_id", stepRunID),
		slog.String("status", string(status)),
	)
	if err := s.Advance(ctx, runID); err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{Applied: true}, nil
}

// resolveCallback turns an output envelope into the step's terminal state:
// validator messages become findings, assertions run over the reported
// outputs, and an ERROR status errors the step without assertions.
func (s *Service) resolveCallback(ctx context.Context, runID string, stepRun domain.StepRun, out envelope.Output) (domain.StepRunStatus, []domain.Finding, error) {
	if out.Status == envelope.StatusError {
		message := "validator reported an internal error"
		for _, m := range out.Messages {
			if strings.TrimSpace(m.Text) != "" {
				message = m.Text
				break
			}
		}
		return domain.StepRunStatusErrored, []domain.Finding{{
			Source:   domain.FindingSourceSystem,
			Severity: domain.SeveritySystem,
			Passed:   false,
			Message:  message,
		}}, nil
	}

	run, err := s.getRun(ctx, runID)
	if err != nil {
		return "", nil, err
	}
	def, err := s.workflows.GetDefinition(ctx, run.WorkflowDefID)
	if err != nil {
		return "", nil, fmt.Errorf("load workflow: %w", err)
	}
	step, ok := def.StepByOrdinal(stepRun.Ordinal)
	if !ok {
		return "", nil, fmt.Errorf("run %s references unknown step ordinal %d", runID, stepRun.Ordinal)
	}
	submission, err := s.submissions.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return "", nil, fmt.Errorf("load submission: %w", err)
	}

	outputs, err := out.OutputSignals()
	if err != nil {
		return domain.StepRunStatusErrored, []domain.Finding{{
			Source:   domain.FindingSourceSystem,
			Severity: domain.SeveritySystem,
			Passed:   false,
			Message:  err.Error(),
		}}, nil
	}

	findings := dispatch.FindingsFromMessages(out.Messages)
	findings = append(findings, s.evaluateStepAssertions(step, inputSignals(step, submission), outputs)...)
	return domain.StepRunStatusComplete, findings, nil
}
