package validators

import (
	"time"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
)

// EnergyPlus is the descriptor for the containerized EnergyPlus simulation
// validator. Execution happens outside the orchestrator; results arrive via
// the callback endpoint.
type EnergyPlus struct{}

func (EnergyPlus) Type() string                  { return "energyplus" }
func (EnergyPlus) Version() string               { return "23.2" }
func (EnergyPlus) DefaultTimeout() time.Duration { return 30 * time.Minute }

func (EnergyPlus) DefaultAssertions() []domain.Assertion {
	return []domain.Assertion{
		{
			Expression: "output.fatal_errors == 0",
			Severity:   domain.SeverityRequired,
			Message:    "simulation reported fatal errors",
		},
		{
			Expression: "output.severe_errors == 0",
			Severity:   domain.SeverityOptional,
			Message:    "simulation reported severe errors",
		},
	}
}

// FMI is the descriptor for the containerized FMU co-simulation validator.
type FMI struct{}

func (FMI) Type() string                  { return "fmi" }
func (FMI) Version() string               { return "2.0" }
func (FMI) DefaultTimeout() time.Duration { return 20 * time.Minute }

func (FMI) DefaultAssertions() []domain.Assertion {
	return []domain.Assertion{{
		Expression: "output.solver_converged == true",
		Severity:   domain.SeverityRequired,
		Message:    "co-simulation did not converge",
	}}
}

// RegisterBuiltins registers every validator shipped with the orchestrator.
func RegisterBuiltins(registry *dispatch.Registry) error {
	if err := registry.RegisterInProcess(JSONSchema{}); err != nil {
		return err
	}
	if err := registry.RegisterInProcess(XMLCheck{}); err != nil {
		return err
	}
	if err := registry.RegisterIsolated(EnergyPlus{}); err != nil {
		return err
	}
	return registry.RegisterIsolated(FMI{})
}
