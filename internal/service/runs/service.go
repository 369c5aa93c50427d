// Package runs owns the validation run state machine: starting runs,
// advancing them step by step, resolving callbacks and timeouts, and
// finalizing terminal status.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

var (
	ErrRunNotFound        = errors.New("run not found")
	ErrStepRunNotFound    = errors.New("step run not found")
	ErrWorkflowNotFound   = errors.New("workflow not found")
	ErrSubmissionNotFound = errors.New("submission not found")
)

// Dispatcher is the slice of the dispatch layer the service needs. A
// Pending dispatch outcome is fired with TriggerIsolated only after the
// step run is persisted as awaiting its callback.
type Dispatcher interface {
	Dispatch(ctx context.Context, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, submission domain.Submission, inputs map[string]any) (dispatch.Outcome, error)
	TriggerIsolated(ctx context.Context, in envelope.Input) error
}

// AssertionSource resolves the default assertions a validator type
// contributes. *dispatch.Registry satisfies it.
type AssertionSource interface {
	DefaultAssertions(validatorType string) ([]domain.Assertion, error)
}

type Service struct {
	logger      *slog.Logger
	workflows   repo.WorkflowRepository
	runs        repo.RunRepository
	stepRuns    repo.StepRunRepository
	receipts    repo.ReceiptRepository
	submissions repo.SubmissionRepository
	dispatcher  Dispatcher
	defaults    AssertionSource
	now         func() time.Time
}

func NewService(
	logger *slog.Logger,
	workflows repo.WorkflowRepository,
	runs repo.RunRepository,
	stepRuns repo.StepRunRepository,
	receipts repo.ReceiptRepository,
	submissions repo.SubmissionRepository,
	dispatcher Dispatcher,
	defaults AssertionSource,
) (*Service, error) {
	if logger == nil || workflows == nil || runs == nil || stepRuns == nil || receipts == nil || submissions == nil || dispatcher == nil || defaults == nil {
		return nil, fmt.Errorf("all run service dependencies are required")
	}
	return &Service{
		logger:      logger,
		workflows:   workflows,
		runs:        runs,
		stepRuns:    stepRuns,
		receipts:    receipts,
		submissions: submissions,
		dispatcher:  dispatcher,
		defaults:    defaults,
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

type StartParams struct {
	// WorkflowID selects the active version; WorkflowDefID pins an exact
	// version. Exactly one must be set.
	WorkflowID    string
	WorkflowDefID string
	SubmissionID  string
	OrgID         string
	OrgName       string
}

// StartRun creates a run in PENDING with one PENDING step run per workflow
// step, moves it to RUNNING, and advances it.
func (s *Service) StartRun(ctx context.Context, params StartParams) (domain.ValidationRun, error) {
	if s == nil {
		return domain.ValidationRun{}, fmt.Errorf("run service not initialized")
	}
	workflowID := strings.TrimSpace(params.WorkflowID)
	workflowDefID := strings.TrimSpace(params.WorkflowDefID)
	if (workflowID == "") == (workflowDefID == "") {
		return domain.ValidationRun{}, fmt.Errorf("exactly one of workflow id and workflow definition id is required")
	}

	var def domain.WorkflowDefinition
	var err error
	if workflowDefID != "" {
		def, err = s.workflows.GetDefinition(ctx, workflowDefID)
	} else {
		def, err = s.workflows.GetActiveDefinition(ctx, workflowID)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationRun{}, ErrWorkflowNotFound
		}
		return domain.ValidationRun{}, fmt.Errorf("load workflow: %w", err)
	}

	submission, err := s.submissions.GetSubmission(ctx, params.SubmissionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationRun{}, ErrSubmissionNotFound
		}
		return domain.ValidationRun{}, fmt.Errorf("load submission: %w", err)
	}

	now := s.now()
	run := domain.ValidationRun{
		ID:            uuid.NewString(),
		WorkflowDefID: def.ID,
		SubmissionID:  submission.ID,
		OrgID:         strings.TrimSpace(params.OrgID),
		OrgName:       strings.TrimSpace(params.OrgName),
		Status:        domain.RunStatusPending,
		CreatedAt:     now,
	}
	if run.OrgID == "" {
		run.OrgID = submission.OrgID
	}
	if err := s.runs.CreateRun(ctx, run); err != nil {
		return domain.ValidationRun{}, fmt.Errorf("create run: %w", err)
	}

	for _, step := range def.Steps {
		stepRun := domain.StepRun{
			ID:            uuid.NewString(),
			RunID:         run.ID,
			Ordinal:       step.Ordinal,
			StepName:      step.Name,
			ValidatorType: step.ValidatorType,
			ValidatorMode: step.ValidatorMode,
			Status:        domain.StepRunStatusPending,
		}
		if err := s.stepRuns.CreateStepRun(ctx, stepRun); err != nil {
			return domain.ValidationRun{}, fmt.Errorf("create step run: %w", err)
		}
	}

	if _, err := s.runs.TransitionRun(ctx, run.ID, domain.RunStatusPending, domain.RunStatusRunning, "", s.now()); err != nil {
		return domain.ValidationRun{}, fmt.Errorf("start run: %w", err)
	}
	s.logger.Info("run started",
		slog.String("run_id", run.ID),
		slog.String("workflow_def_id", def.ID),
		slog.String("submission_id", submission.ID),
	)

	if err := s.Advance(ctx, run.ID); err != nil {
		return domain.ValidationRun{}, err
	}
	return s.getRun(ctx, run.ID)
}

// Advance drives a run forward: it dispatches the next pending step, waits
// on an in-flight callback, or finalizes. Re-entry on a terminal run is a
// no-op.
func (s *Service) Advance(ctx context.Context, runID string) error {
	if s == nil {
		return fmt.Errorf("run service not initialized")
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.Status != domain.RunStatusRunning {
		return fmt.Errorf("run %s is not running", runID)
	}

	def, err := s.workflows.GetDefinition(ctx, run.WorkflowDefID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	submission, err := s.submissions.GetSubmission(ctx, run.SubmissionID)
	if err != nil {
		return fmt.Errorf("load submission: %w", err)
	}

	for {
		stepRuns, err := s.stepRuns.ListStepRunsByRun(ctx, run.ID)
		if err != nil {
			return fmt.Errorf("list step runs: %w", err)
		}

		// At most one step run awaits a callback per run; while one does,
		// there is nothing to drive.
		for _, stepRun := range stepRuns {
			if stepRun.Status == domain.StepRunStatusAwaitingCallback || stepRun.Status == domain.StepRunStatusDispatched {
				return nil
			}
		}

		if halted, reason := s.shouldHalt(def, stepRuns); halted {
			return s.finalize(ctx, run.ID, stepRuns, reason)
		}

		next, ok := nextPending(stepRuns)
		if !ok {
			return s.finalize(ctx, run.ID, stepRuns, "")
		}
		step, ok := def.StepByOrdinal(next.Ordinal)
		if !ok {
			return fmt.Errorf("run %s references unknown step ordinal %d", run.ID, next.Ordinal)
		}

		pending, err := s.executeStep(ctx, run, next, step, submission)
		if err != nil {
			return err
		}
		if pending {
			return nil
		}
	}
}

// executeStep dispatches one step and resolves it if the dispatch completed
// inline. It reports true when the step now awaits a callback.
func (s *Service) executeStep(ctx context.Context, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, submission domain.Submission) (bool, error) {
	inputs := inputSignals(step, submission)
	now := s.now()

	if step.ValidatorMode == domain.ValidatorModeInProcess {
		// Claim the step before executing so a concurrent Advance cannot
		// run the same validator twice.
		if err := s.stepRuns.MarkDispatched(ctx, stepRun.ID, nil, now, nil); err != nil {
			return false, fmt.Errorf("mark dispatched: %w", err)
		}
	}

	outcome, err := s.dispatcher.Dispatch(ctx, run, stepRun, step, submission, inputs)
	if err != nil {
		if step.ValidatorMode == domain.ValidatorModeInProcess {
			findings := []domain.Finding{{
				Source:   domain.FindingSourceSystem,
				Severity: domain.SeveritySystem,
				Passed:   false,
				Message:  fmt.Sprintf("dispatch failed: %v", err),
			}}
			if cErr := s.stepRuns.CompleteInProcess(ctx, stepRun.ID, domain.StepRunStatusErrored, findings, s.now()); cErr != nil {
				return false, fmt.Errorf("record dispatch failure: %w", cErr)
			}
			return false, nil
		}
		return false, fmt.Errorf("dispatch step %s: %w", step.Name, err)
	}

	if outcome.Pending {
		// Persist the awaiting step before firing the trigger so a
		// validator that calls back immediately finds it resolvable.
		if err := s.stepRuns.MarkDispatched(ctx, stepRun.ID, outcome.EnvelopeSent, s.now(), outcome.Deadline); err != nil {
			return false, fmt.Errorf("mark awaiting callback: %w", err)
		}
		if err := s.dispatcher.TriggerIsolated(ctx, outcome.Envelope); err != nil {
			return false, s.failTriggeredStep(ctx, run, stepRun, step, err)
		}
		s.logger.Info("step dispatched",
			slog.String("run_id", run.ID),
			slog.String("step_run_id", stepRun.ID),
			slog.String("validator_type", step.ValidatorType),
			slog.Time("deadline", *outcome.Deadline),
		)
		return true, nil
	}

	findings := outcome.Findings
	status := outcome.Status
	if status != domain.StepRunStatusErrored {
		findings = append(findings, s.evaluateStepAssertions(step, inputs, outcome.OutputSignals)...)
		status = domain.StepRunStatusComplete
	}
	if err := s.stepRuns.CompleteInProcess(ctx, stepRun.ID, status, findings, s.now()); err != nil {
		return false, fmt.Errorf("complete step: %w", err)
	}
	s.logger.Info("step completed",
		slog.String("run_id", run.ID),
		slog.String("step_run_id", stepRun.ID),
		slog.String("status", string(status)),
	)
	return false, nil
}

// failTriggeredStep resolves a step whose external trigger failed after the
// step was persisted as awaiting. It claims the derived idempotency key and
// applies the same compare-and-set a callback would, so a callback from a
// partially started validator lands as a duplicate or stale.
func (s *Service) failTriggeredStep(ctx context.Context, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, cause error) error {
	s.logger.Error("trigger failed",
		slog.String("run_id", run.ID),
		slog.String("step_run_id", stepRun.ID),
		slog.String("validator_type", step.ValidatorType),
		slog.String("error", cause.Error()),
	)
	now := s.now()
	receipt := domain.CallbackReceipt{
		RunID:          run.ID,
		StepRunID:      stepRun.ID,
		IdempotencyKey: domain.DeriveIdempotencyKey(run.ID, stepRun.ID),
		ReceivedAt:     now,
		ReceivedBy:     "orchestrator:trigger-failure",
	}
	_, claimed, err := s.receipts.InsertReceipt(ctx, receipt)
	if err != nil {
		return fmt.Errorf("claim trigger-failure receipt: %w", err)
	}
	if !claimed {
		// A callback beat us to the key; it owns the resolution.
		return nil
	}
	findings := []domain.Finding{{
		Source:   domain.FindingSourceSystem,
		Severity: domain.SeveritySystem,
		Passed:   false,
		Message:  fmt.Sprintf("dispatch failed: %v", cause),
	}}
	if _, err := s.stepRuns.CompleteFromCallback(ctx, stepRun.ID, domain.StepRunStatusErrored, nil, findings, now); err != nil {
		return fmt.Errorf("record trigger failure: %w", err)
	}
	return nil
}

// shouldHalt applies the workflow halting policy to the resolved steps.
func (s *Service) shouldHalt(def domain.WorkflowDefinition, stepRuns []domain.StepRun) (bool, string) {
	if def.HaltPolicy == domain.HaltPolicyRunAll {
		return false, ""
	}
	for _, stepRun := range stepRuns {
		switch stepRun.Status {
		case domain.StepRunStatusErrored:
			return true, fmt.Sprintf("step %s errored", stepRun.StepName)
		case domain.StepRunStatusComplete:
			if domain.FailedRequired(stepRun.Findings) {
				return true, fmt.Sprintf("step %s failed a required assertion", stepRun.StepName)
			}
		}
	}
	return false, ""
}

// finalize resolves the run's terminal status from its step outcomes.
// Steps still pending (halted early) remain PENDING by design of the
// stop_on_failure policy.
func (s *Service) finalize(ctx context.Context, runID string, stepRuns []domain.StepRun, haltReason string) error {
	status := domain.RunStatusSucceeded
	reason := ""
	for _, stepRun := range stepRuns {
		switch stepRun.Status {
		case domain.StepRunStatusErrored:
			status = domain.RunStatusFailed
			if reason == "" {
				reason = fmt.Sprintf("step %s errored", stepRun.StepName)
			}
		case domain.StepRunStatusComplete:
			if domain.FailedRequired(stepRun.Findings) {
				status = domain.RunStatusFailed
				if reason == "" {
					reason = fmt.Sprintf("step %s failed a required assertion", stepRun.StepName)
				}
			}
		}
	}
	if haltReason != "" {
		status = domain.RunStatusFailed
		reason = haltReason
	}

	swapped, err := s.runs.TransitionRun(ctx, runID, domain.RunStatusRunning, status, reason, s.now())
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if swapped {
		s.logger.Info("run finalized",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.String("reason", reason),
		)
	}
	return nil
}

// Cancel marks a run FAILED and errors any step still awaiting a callback so
// the late callback is absorbed as stale. Canceling a terminal run is a
// no-op.
func (s *Service) Cancel(ctx context.Context, runID, reason string) (domain.ValidationRun, error) {
	if s == nil {
		return domain.ValidationRun{}, fmt.Errorf("run service not initialized")
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return domain.ValidationRun{}, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "canceled"
	} else {
		reason = "canceled: " + reason
	}

	stepRuns, err := s.stepRuns.ListStepRunsByRun(ctx, run.ID)
	if err != nil {
		return domain.ValidationRun{}, fmt.Errorf("list step runs: %w", err)
	}
	now := s.now()
	for _, stepRun := range stepRuns {
		if stepRun.Status != domain.StepRunStatusAwaitingCallback {
			continue
		}
		findings := []domain.Finding{{
			Source:   domain.FindingSourceSystem,
			Severity: domain.SeveritySystem,
			Passed:   false,
			Message:  reason,
		}}
		if _, err := s.stepRuns.CompleteFromCallback(ctx, stepRun.ID, domain.StepRunStatusErrored, nil, findings, now); err != nil {
			return domain.ValidationRun{}, fmt.Errorf("cancel step run: %w", err)
		}
	}

	if _, err := s.runs.TransitionRun(ctx, run.ID, run.Status, domain.RunStatusFailed, reason, now); err != nil {
		return domain.ValidationRun{}, fmt.Errorf("cancel run: %w", err)
	}
	s.logger.Info("run canceled", slog.String("run_id", run.ID), slog.String("reason", reason))
	return s.getRun(ctx, run.ID)
}

// RunState is the read-side aggregate for one run.
type RunState struct {
	Run      domain.ValidationRun
	StepRuns []domain.StepRun
}

func (s *Service) Get(ctx context.Context, runID string) (RunState, error) {
	if s == nil {
		return RunState{}, fmt.Errorf("run service not initialized")
	}
	run, err := s.getRun(ctx, runID)
	if err != nil {
		return RunState{}, err
	}
	stepRuns, err := s.stepRuns.ListStepRunsByRun(ctx, run.ID)
	if err != nil {
		return RunState{}, fmt.Errorf("list step runs: %w", err)
	}
	return RunState{Run: run, StepRuns: stepRuns}, nil
}

func (s *Service) List(ctx context.Context, filter repo.RunFilter) ([]domain.ValidationRun, error) {
	if s == nil {
		return nil, fmt.Errorf("run service not initialized")
	}
	return s.runs.ListRuns(ctx, filter)
}

func (s *Service) getRun(ctx context.Context, runID string) (domain.ValidationRun, error) {
	run, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ValidationRun{}, ErrRunNotFound
		}
		return domain.ValidationRun{}, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

func nextPending(stepRuns []domain.StepRun) (domain.StepRun, bool) {
	for _, stepRun := range stepRuns {
		if stepRun.Status == domain.StepRunStatusPending {
			return stepRun, true
		}
	}
	return domain.StepRun{}, false
}

// inputSignals builds the input-side assertion bindings: declared step
// inputs plus standard submission facts.
func inputSignals(step domain.Step, submission domain.Submission) map[string]any {
	signals := map[string]any{
		"filename":     submission.Filename,
		"content_type": submission.ContentType,
		"size_bytes":   float64(submission.SizeBytes),
		"org_id":       submission.OrgID,
	}
	if len(step.Config) > 0 {
		var cfg struct {
			Inputs map[string]any `json:"inputs"`
		}
		if err := json.Unmarshal(step.Config, &cfg); err == nil {
			for name, value := range cfg.Inputs {
				signals[name] = value
			}
		}
	}
	return signals
}
