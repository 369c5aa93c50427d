package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// StepRunStatus is the lifecycle state of a single step execution record.
type StepRunStatus string

const (
	StepRunStatusPending          StepRunStatus = "PENDING"
	StepRunStatusDispatched       StepRunStatus = "DISPATCHED"
	StepRunStatusAwaitingCallback StepRunStatus = "AWAITING_CALLBACK"
	StepRunStatusComplete         StepRunStatus = "COMPLETE"
	StepRunStatusErrored          StepRunStatus = "ERRORED"
)

// StepRun records one step's execution: the envelope sent (isolated mode),
// the envelope or result received, and the resolved findings.
type StepRun struct {
	ID               string
	RunID            string
	Ordinal          int
	StepName         string
	ValidatorType    string
	ValidatorMode    string
	Status           StepRunStatus
	EnvelopeSent     json.RawMessage
	EnvelopeReceived json.RawMessage
	Findings         []Finding
	DispatchedAt     *time.Time
	Deadline         *time.Time
	CompletedAt      *time.Time
}

// Finding is one assertion outcome or validator-native message attached to a
// step run.
type Finding struct {
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

// Finding sources.
const (
	FindingSourceAssertion = "assertion"
	FindingSourceValidator = "validator"
	FindingSourceSystem    = "system"
)

func (s StepRun) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("step run id is required")
	}
	if strings.TrimSpace(s.RunID) == "" {
		return errors.New("run id is required")
	}
	if s.Ordinal < 1 {
		return errors.New("ordinal must be >= 1")
	}
	if strings.TrimSpace(s.StepName) == "" {
		return errors.New("step name is required")
	}
	if NormalizeStepRunStatus(string(s.Status)) == "" {
		return errors.New("status is required")
	}
	return nil
}

// Terminal reports whether the step run can no longer change state.
func (s StepRunStatus) Terminal() bool {
	switch s {
	case StepRunStatusComplete, StepRunStatusErrored:
		return true
	}
	return false
}

func NormalizeStepRunStatus(value string) StepRunStatus {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case string(StepRunStatusPending):
		return StepRunStatusPending
	case string(StepRunStatusDispatched):
		return StepRunStatusDispatched
	case string(StepRunStatusAwaitingCallback):
		return StepRunStatusAwaitingCallback
	case string(StepRunStatusComplete):
		return StepRunStatusComplete
	case string(StepRunStatusErrored):
		return StepRunStatusErrored
	default:
		return ""
	}
}

// FailedRequired reports whether any finding is a failed required assertion.
// System findings count: an assertion the evaluator could not evaluate must
// not silently pass.
func FailedRequired(findings []Finding) bool {
	for _, f := range findings {
		if f.Passed {
			continue
		}
		if f.Severity == SeverityRequired || f.Severity == SeveritySystem {
			return true
		}
	}
	return false
}
