package runs

import (
	"log/slog"
	"strings"

	"github.com/veritide-labs/veritide-go/internal/assertion"
	"github.com/veritide-labs/veritide-go/internal/domain"
)

// evaluateStepAssertions runs the step's own assertions plus the validator
// type's defaults against the resolved signals. An expression that cannot be
// evaluated becomes a failed system finding rather than an orchestrator
// error.
func (s *Service) evaluateStepAssertions(step domain.Step, inputs, outputs map[string]any) []domain.Finding {
	assertions := make([]domain.Assertion, 0, len(step.Assertions)+2)
	if defaults, err := s.defaults.DefaultAssertions(step.ValidatorType); err == nil {
		assertions = append(assertions, defaults...)
	} else {
		s.logger.Warn("no default assertions for validator type",
			slog.String("validator_type", step.ValidatorType),
			slog.String("error", err.Error()),
		)
	}
	assertions = append(assertions, step.Assertions...)

	signals := assertion.Signals{Inputs: inputs, Outputs: outputs}
	findings := make([]domain.Finding, 0, len(assertions))
	for _, a := range assertions {
		findings = append(findings, evaluateAssertion(a, signals))
	}
	return findings
}

func evaluateAssertion(a domain.Assertion, signals assertion.Signals) domain.Finding {
	message := strings.TrimSpace(a.Message)
	if message == "" {
		message = a.Expression
	}

	passed, err := assertion.Evaluate(a.Expression, signals)
	if err != nil {
		return domain.Finding{
			Source:   domain.FindingSourceSystem,
			Severity: domain.SeveritySystem,
			Passed:   false,
			Message:  "assertion " + a.Expression + ": " + err.Error(),
		}
	}
	return domain.Finding{
		Source:   domain.FindingSourceAssertion,
		Severity: a.Severity,
		Passed:   passed,
		Message:  message,
	}
}
