package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
	"github.com/veritide-labs/veritide-go/internal/platform/objectstore"
)

// Trigger starts an isolated validator execution somewhere else. The
// orchestrator does not care where: a container launcher, a queue producer
// and a test fake all satisfy it.
type Trigger interface {
	TriggerValidator(ctx context.Context, in envelope.Input) error
}

// ContentSource resolves submission content and storage URIs.
// *objectstore.Store satisfies it.
type ContentSource interface {
	GetSubmission(ctx context.Context, key string) (io.ReadCloser, objectstore.ObjectInfo, error)
	SubmissionURI(key string) string
	BundleURI(prefix string) string
}

type Config struct {
	// CallbackBaseURL is the externally reachable prefix isolated
	// validators call back to, without a trailing slash.
	CallbackBaseURL string
	// MaxInProcess bounds concurrent in-process validator executions.
	MaxInProcess int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.CallbackBaseURL) == "" {
		return fmt.Errorf("callback base url is required")
	}
	if c.MaxInProcess < 1 {
		return fmt.Errorf("max in-process executions must be >= 1")
	}
	return nil
}

// Outcome is what a dispatch produced. Pending means an isolated dispatch
// was prepared: the caller must persist the step as awaiting its callback
// and then fire TriggerIsolated with Envelope. Persisting first closes the
// window where a fast validator calls back before the step is awaiting.
type Outcome struct {
	Pending       bool
	Status        domain.StepRunStatus
	Findings      []domain.Finding
	OutputSignals map[string]any
	EnvelopeSent  json.RawMessage
	Envelope      envelope.Input
	Deadline      *time.Time
}

type Dispatcher struct {
	cfg      Config
	registry *Registry
	content  ContentSource
	trigger  Trigger
	slots    chan struct{}
	now      func() time.Time
}

func NewDispatcher(cfg Config, registry *Registry, content ContentSource, trigger Trigger) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if content == nil {
		return nil, fmt.Errorf("content source is required")
	}
	if trigger == nil {
		return nil, fmt.Errorf("trigger is required")
	}
	return &Dispatcher{
		cfg:      cfg,
		registry: registry,
		content:  content,
		trigger:  trigger,
		slots:    make(chan struct{}, cfg.MaxInProcess),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dispatch executes one step of a run. In-process validators run inline
// under the concurrency bound with panic containment; isolated validators
// get an input envelope prepared for a Pending outcome, to be fired with
// TriggerIsolated once the step is persisted.
func (d *Dispatcher) Dispatch(ctx context.Context, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, submission domain.Submission, inputs map[string]any) (Outcome, error) {
	if d == nil {
		return Outcome{}, fmt.Errorf("dispatcher not initialized")
	}
	switch step.ValidatorMode {
	case domain.ValidatorModeInProcess:
		v, ok := d.registry.LookupInProcess(step.ValidatorType)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownValidator, step.ValidatorType)
		}
		return d.dispatchInProcess(ctx, v, step, submission, inputs)
	case domain.ValidatorModeIsolated:
		v, ok := d.registry.LookupIsolated(step.ValidatorType)
		if !ok {
			return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownValidator, step.ValidatorType)
		}
		return d.dispatchIsolated(ctx, v, run, stepRun, step, submission, inputs)
	default:
		return Outcome{}, fmt.Errorf("unsupported validator mode: %q", step.ValidatorMode)
	}
}

func (d *Dispatcher) dispatchInProcess(ctx context.Context, v InProcessValidator, step domain.Step, submission domain.Submission, inputs map[string]any) (Outcome, error) {
	select {
	case d.slots <- struct{}{}:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
	defer func() { <-d.slots }()

	if submission.PurgeState != domain.PurgeStateRetained {
		return systemErrorOutcome("submission content is no longer retained"), nil
	}
	content, _, err := d.content.GetSubmission(ctx, submission.ContentKey)
	if err != nil {
		return systemErrorOutcome(fmt.Sprintf("fetch submission content: %v", err)), nil
	}
	defer content.Close()

	result, err := runProtected(ctx, v, ValidationInput{
		Config:      step.Config,
		Filename:    submission.Filename,
		ContentType: submission.ContentType,
		Content:     content,
		Inputs:      inputs,
	})
	if err != nil {
		return systemErrorOutcome(err.Error()), nil
	}
	return resolveResult(result), nil
}

// runProtected contains validator panics: a panicking validator must error
// its own step, never the orchestrator.
func runProtected(ctx context.Context, v InProcessValidator, input ValidationInput) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("validator %s panicked: %v", v.Type(), r)
		}
	}()
	return v.Validate(ctx, input)
}

func resolveResult(result Result) Outcome {
	status := strings.ToUpper(strings.TrimSpace(result.Status))
	if status == envelope.StatusError {
		message := "validator reported an internal error"
		for _, m := range result.Messages {
			if strings.TrimSpace(m.Text) != "" {
				message = m.Text
				break
			}
		}
		return systemErrorOutcome(message)
	}

	findings := FindingsFromMessages(result.Messages)
	signals := make(map[string]any, len(result.Outputs)+len(result.Metrics))
	for _, metric := range result.Metrics {
		if name := strings.TrimSpace(metric.Name); name != "" {
			signals[name] = metric.Value
		}
	}
	for name, value := range result.Outputs {
		signals[name] = value
	}
	return Outcome{
		Status:        domain.StepRunStatusComplete,
		Findings:      findings,
		OutputSignals: signals,
	}
}

func (d *Dispatcher) dispatchIsolated(ctx context.Context, v IsolatedValidator, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, submission domain.Submission, inputs map[string]any) (Outcome, error) {
	timeout := time.Duration(step.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = v.DefaultTimeout()
	}

	var inputsJSON json.RawMessage
	if len(inputs) > 0 {
		encoded, err := json.Marshal(inputs)
		if err != nil {
			return Outcome{}, fmt.Errorf("encode inputs: %w", err)
		}
		inputsJSON = encoded
	}

	bundlePrefix := run.ID + "/" + stepRun.ID
	in := envelope.Input{
		RunID: run.ID,
		Validator: envelope.Validator{
			ID:      step.ValidatorType + "@" + v.Version(),
			Type:    step.ValidatorType,
			Version: v.Version(),
		},
		Org: envelope.Org{ID: run.OrgID, Name: run.OrgName},
		Workflow: envelope.Workflow{
			ID:       run.WorkflowDefID,
			StepID:   stepRun.ID,
			StepName: step.Name,
		},
		InputFiles: []envelope.InputFile{{
			Name:     submission.Filename,
			MimeType: submission.ContentType,
			Role:     "submission",
			URI:      d.content.SubmissionURI(submission.ContentKey),
		}},
		Inputs: inputsJSON,
		Context: envelope.ExecutionContext{
			CallbackURL:        d.cfg.CallbackBaseURL + "/callbacks/" + run.ID + "/" + stepRun.ID,
			ExecutionBundleURI: d.content.BundleURI(bundlePrefix),
			TimeoutSeconds:     int(timeout / time.Second),
		},
	}

	encoded, err := envelope.EncodeInput(in)
	if err != nil {
		return Outcome{}, err
	}

	deadline := d.now().Add(timeout)
	return Outcome{
		Pending:      true,
		Status:       domain.StepRunStatusAwaitingCallback,
		EnvelopeSent: encoded,
		Envelope:     in,
		Deadline:     &deadline,
	}, nil
}

// TriggerIsolated fires the external trigger for a prepared isolated
// dispatch. The step must already be awaiting its callback when this runs.
func (d *Dispatcher) TriggerIsolated(ctx context.Context, in envelope.Input) error {
	if d == nil || d.trigger == nil {
		return fmt.Errorf("dispatcher not initialized")
	}
	if err := d.trigger.TriggerValidator(ctx, in); err != nil {
		return fmt.Errorf("trigger validator %s: %w", in.Validator.Type, err)
	}
	return nil
}

func systemErrorOutcome(message string) Outcome {
	return Outcome{
		Status: domain.StepRunStatusErrored,
		Findings: []domain.Finding{{
			Source:   domain.FindingSourceSystem,
			Severity: domain.SeveritySystem,
			Passed:   false,
			Message:  message,
		}},
	}
}

// FindingsFromMessages converts validator-native messages into findings.
// Error messages fail the step for required purposes; warnings are recorded
// but do not fail; informational messages pass.
func FindingsFromMessages(messages []envelope.Message) []domain.Finding {
	findings := make([]domain.Finding, 0, len(messages))
	for _, m := range messages {
		text := strings.TrimSpace(m.Text)
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(m.Severity)) {
		case "error":
			findings = append(findings, domain.Finding{
				Source:   domain.FindingSourceValidator,
				Severity: domain.SeverityRequired,
				Passed:   false,
				Message:  text,
			})
		case "warning":
			findings = append(findings, domain.Finding{
				Source:   domain.FindingSourceValidator,
				Severity: domain.SeverityOptional,
				Passed:   false,
				Message:  text,
			})
		default:
			findings = append(findings, domain.Finding{
				Source:   domain.FindingSourceValidator,
				Severity: domain.SeverityOptional,
				Passed:   true,
				Message:  text,
			})
		}
	}
	return findings
}
