package domain

import (
	"errors"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of a ValidationRun.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
	RunStatusTimedOut  RunStatus = "TIMED_OUT"
)

// ValidationRun is one execution of a workflow version against one
// submission. State transitions are owned by the run service; the callback
// path is the only other writer.
type ValidationRun struct {
	ID            string
	WorkflowDefID string
	SubmissionID  string
	OrgID         string
	OrgName       string
	Status        RunStatus
	FailureReason string
	CreatedAt     time.Time
	StartedAt     *time.Time
	EndedAt       *time.Time
}

func (r ValidationRun) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkflowDefID) == "" {
		return errors.New("workflow definition id is required")
	}
	if strings.TrimSpace(r.SubmissionID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(r.OrgID) == "" {
		return errors.New("org id is required")
	}
	if NormalizeRunStatus(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusTimedOut:
		return true
	}
	return false
}

func NormalizeRunStatus(value string) RunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(RunStatusPending):
		return RunStatusPending
	case string(RunStatusRunning):
		return RunStatusRunning
	case string(RunStatusSucceeded):
		return RunStatusSucceeded
	case string(RunStatusFailed):
		return RunStatusFailed
	case string(RunStatusTimedOut):
		return RunStatusTimedOut
	default:
		return ""
	}
}

// CanTransitionRunStatus enforces the run lifecycle: PENDING -> RUNNING ->
// one of the terminal states. TIMED_OUT is reachable only from RUNNING.
func CanTransitionRunStatus(current, next RunStatus) bool {
	if current == "" || next == "" {
		return false
	}
	if current.Terminal() {
		return false
	}
	switch current {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed || next == RunStatusTimedOut
	}
	return false
}
