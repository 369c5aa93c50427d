package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Halt policy decides whether a failed required assertion stops the pipeline
// or the remaining steps still run.
const (
	HaltPolicyStopOnFailure = "stop_on_failure"
	HaltPolicyRunAll        = "run_all"
)

// Validator execution modes.
const (
	ValidatorModeInProcess = "in_process"
	ValidatorModeIsolated  = "isolated"
)

// Assertion severities. SeveritySystem marks assertions the evaluator could
// not evaluate; those always count as failed.
const (
	SeverityRequired = "required"
	SeverityOptional = "optional"
	SeveritySystem   = "system"
)

// WorkflowDefinition is one published, immutable version of a workflow.
// A new edit creates a new version; at most one version is active per
// workflow at a time.
type WorkflowDefinition struct {
	ID          string
	WorkflowID  string
	Name        string
	Version     int
	Active      bool
	HaltPolicy  string
	Steps       []Step
	PublishedAt time.Time
	PublishedBy string
}

// Step references a validator type and carries its opaque configuration and
// step-defined assertions. Default assertions contributed by the validator
// type run in addition and are not stored here.
type Step struct {
	Ordinal        int
	Name           string
	ValidatorType  string
	ValidatorMode  string
	Config         json.RawMessage
	TimeoutSeconds int
	Assertions     []Assertion
}

type Assertion struct {
	Expression string
	Severity   string
	Message    string
}

func (w WorkflowDefinition) Validate() error {
	if strings.TrimSpace(w.ID) == "" {
		return errors.New("workflow definition id is required")
	}
	if strings.TrimSpace(w.WorkflowID) == "" {
		return errors.New("workflow id is required")
	}
	if w.Version < 1 {
		return errors.New("version must be >= 1")
	}
	switch w.HaltPolicy {
	case HaltPolicyStopOnFailure, HaltPolicyRunAll:
	default:
		return fmt.Errorf("unsupported halt policy: %q", w.HaltPolicy)
	}
	if len(w.Steps) == 0 {
		return errors.New("at least one step is required")
	}

	names := make(map[string]struct{}, len(w.Steps))
	for i, step := range w.Steps {
		if step.Ordinal != i+1 {
			return fmt.Errorf("step ordinals must be gap-free starting at 1 (step[%d] has ordinal %d)", i, step.Ordinal)
		}
		name := strings.TrimSpace(step.Name)
		if name == "" {
			return fmt.Errorf("step[%d] name is required", i)
		}
		if _, exists := names[name]; exists {
			return fmt.Errorf("duplicate step name %q", name)
		}
		names[name] = struct{}{}

		if strings.TrimSpace(step.ValidatorType) == "" {
			return fmt.Errorf("step[%s] validator type is required", name)
		}
		switch step.ValidatorMode {
		case ValidatorModeInProcess, ValidatorModeIsolated:
		default:
			return fmt.Errorf("step[%s] validator mode unsupported: %q", name, step.ValidatorMode)
		}
		if step.ValidatorMode == ValidatorModeIsolated && step.TimeoutSeconds < 1 {
			return fmt.Errorf("step[%s] timeout_seconds is required for isolated validators", name)
		}
		for j, assertion := range step.Assertions {
			if strings.TrimSpace(assertion.Expression) == "" {
				return fmt.Errorf("step[%s] assertion[%d] expression is required", name, j)
			}
			switch assertion.Severity {
			case SeverityRequired, SeverityOptional:
			default:
				return fmt.Errorf("step[%s] assertion[%d] severity unsupported: %q", name, j, assertion.Severity)
			}
		}
	}
	return nil
}

// StepByOrdinal returns the step with the given ordinal, or false if the
// ordinal is out of range.
func (w WorkflowDefinition) StepByOrdinal(ordinal int) (Step, bool) {
	if ordinal < 1 || ordinal > len(w.Steps) {
		return Step{}, false
	}
	return w.Steps[ordinal-1], true
}
