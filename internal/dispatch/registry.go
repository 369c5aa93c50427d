package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
)

var ErrUnknownValidator = errors.New("unknown validator type")

// ValidationInput is what an in-process validator sees: the step's opaque
// config, the submission content, and the declared input signals.
type ValidationInput struct {
	Config      json.RawMessage
	Filename    string
	ContentType string
	Content     io.Reader
	Inputs      map[string]any
}

// Result is an in-process validator's verdict, expressed in the same
// vocabulary as the output envelope so both execution modes resolve
// identically downstream.
type Result struct {
	Status   string
	Messages []envelope.Message
	Metrics  []envelope.Metric
	Outputs  map[string]any
}

// InProcessValidator runs inside the orchestrator process.
type InProcessValidator interface {
	Type() string
	Version() string
	DefaultAssertions() []domain.Assertion
	Validate(ctx context.Context, input ValidationInput) (Result, error)
}

// IsolatedValidator describes an externally executed validator: the
// orchestrator only builds its input envelope and triggers it.
type IsolatedValidator interface {
	Type() string
	Version() string
	DefaultAssertions() []domain.Assertion
	DefaultTimeout() time.Duration
}

// Registry maps validator types to their implementations. A type is either
// in-process or isolated, never both.
type Registry struct {
	inProcess map[string]InProcessValidator
	isolated  map[string]IsolatedValidator
}

func NewRegistry() *Registry {
	return &Registry{
		inProcess: make(map[string]InProcessValidator),
		isolated:  make(map[string]IsolatedValidator),
	}
}

func (r *Registry) RegisterInProcess(v InProcessValidator) error {
	if r == nil || v == nil {
		return errors.New("registry and validator are required")
	}
	name := strings.TrimSpace(v.Type())
	if name == "" {
		return errors.New("validator type is required")
	}
	if _, exists := r.inProcess[name]; exists {
		return fmt.Errorf("validator type %q already registered", name)
	}
	if _, exists := r.isolated[name]; exists {
		return fmt.Errorf("validator type %q already registered as isolated", name)
	}
	r.inProcess[name] = v
	return nil
}

func (r *Registry) RegisterIsolated(v IsolatedValidator) error {
	if r == nil || v == nil {
		return errors.New("registry and validator are required")
	}
	name := strings.TrimSpace(v.Type())
	if name == "" {
		return errors.New("validator type is required")
	}
	if _, exists := r.isolated[name]; exists {
		return fmt.Errorf("validator type %q already registered", name)
	}
	if _, exists := r.inProcess[name]; exists {
		return fmt.Errorf("validator type %q already registered as in-process", name)
	}
	r.isolated[name] = v
	return nil
}

func (r *Registry) LookupInProcess(validatorType string) (InProcessValidator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.inProcess[strings.TrimSpace(validatorType)]
	return v, ok
}

func (r *Registry) LookupIsolated(validatorType string) (IsolatedValidator, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.isolated[strings.TrimSpace(validatorType)]
	return v, ok
}

// Mode reports the execution mode registered for a validator type.
func (r *Registry) Mode(validatorType string) (string, error) {
	validatorType = strings.TrimSpace(validatorType)
	if _, ok := r.LookupInProcess(validatorType); ok {
		return domain.ValidatorModeInProcess, nil
	}
	if _, ok := r.LookupIsolated(validatorType); ok {
		return domain.ValidatorModeIsolated, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownValidator, validatorType)
}

// DefaultAssertions returns the assertions a validator type contributes in
// addition to the step's own.
func (r *Registry) DefaultAssertions(validatorType string) ([]domain.Assertion, error) {
	validatorType = strings.TrimSpace(validatorType)
	if v, ok := r.LookupInProcess(validatorType); ok {
		return v.DefaultAssertions(), nil
	}
	if v, ok := r.LookupIsolated(validatorType); ok {
		return v.DefaultAssertions(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownValidator, validatorType)
}
