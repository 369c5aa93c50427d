package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SchemaVersion tags every envelope so isolated validators can reject
// contracts they do not understand.
const SchemaVersion = "veritide.envelope.v1"

// Output envelope statuses reported by isolated validators.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusError   = "ERROR"
)

var (
	ErrRunMismatch       = errors.New("envelope run_id does not match step run")
	ErrValidatorMismatch = errors.New("envelope validator type does not match step run")
)

// Validator identifies which validator an envelope is for.
type Validator struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Version string `json:"version"`
}

type Org struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Workflow struct {
	ID       string `json:"id"`
	StepID   string `json:"step_id"`
	StepName string `json:"step_name"`
}

// InputFile references submission content by URI. Large payloads are never
// inlined; the validator fetches them from the scoped storage location.
type InputFile struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Role     string `json:"role,omitempty"`
	URI      string `json:"uri"`
}

// ExecutionContext tells the isolated validator where to call back, where it
// may write intermediate artifacts, and how long it has.
type ExecutionContext struct {
	CallbackURL        string `json:"callback_url"`
	ExecutionBundleURI string `json:"execution_bundle_uri"`
	TimeoutSeconds     int    `json:"timeout_seconds"`
}

// Input is the envelope handed to an isolated validator.
type Input struct {
	Schema     string           `json:"schema"`
	RunID      string           `json:"run_id"`
	Validator  Validator        `json:"validator"`
	Org        Org              `json:"org"`
	Workflow   Workflow         `json:"workflow"`
	InputFiles []InputFile      `json:"input_files"`
	Inputs     json.RawMessage  `json:"inputs,omitempty"`
	Context    ExecutionContext `json:"context"`
}

type Message struct {
	Severity string `json:"severity"`
	Text     string `json:"text"`
}

type Metric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

type Timing struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Output is the envelope reported back by an isolated validator. Raw holds
// the exact received payload so unknown optional fields survive re-encoding.
type Output struct {
	Schema    string          `json:"schema,omitempty"`
	RunID     string          `json:"run_id"`
	Validator Validator       `json:"validator"`
	Status    string          `json:"status"`
	Timing    *Timing         `json:"timing,omitempty"`
	Messages  []Message       `json:"messages"`
	Metrics   []Metric        `json:"metrics"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`

	Raw json.RawMessage `json:"-"`
}

func (in Input) Validate() error {
	if strings.TrimSpace(in.RunID) == "" {
		return errors.New("run_id is required")
	}
	if strings.TrimSpace(in.Validator.Type) == "" {
		return errors.New("validator.type is required")
	}
	if strings.TrimSpace(in.Workflow.StepID) == "" {
		return errors.New("workflow.step_id is required")
	}
	if strings.TrimSpace(in.Context.CallbackURL) == "" {
		return errors.New("context.callback_url is required")
	}
	if in.Context.TimeoutSeconds < 1 {
		return errors.New("context.timeout_seconds must be >= 1")
	}
	return nil
}

// EncodeInput serializes an input envelope, stamping the schema version.
func EncodeInput(in Input) ([]byte, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("input envelope: %w", err)
	}
	in.Schema = SchemaVersion
	if in.InputFiles == nil {
		in.InputFiles = []InputFile{}
	}
	return json.Marshal(in)
}

// DecodeOutput parses an output envelope and verifies its required fields.
// The original payload is retained on Raw; unknown fields are preserved, not
// rejected.
func DecodeOutput(raw []byte) (Output, error) {
	var out Output
	if err := json.Unmarshal(raw, &out); err != nil {
		return Output{}, fmt.Errorf("decode output envelope: %w", err)
	}
	if strings.TrimSpace(out.RunID) == "" {
		return Output{}, errors.New("output envelope: run_id is required")
	}
	if strings.TrimSpace(out.Validator.Type) == "" {
		return Output{}, errors.New("output envelope: validator.type is required")
	}
	switch strings.ToUpper(strings.TrimSpace(out.Status)) {
	case StatusSuccess, StatusFailure, StatusError:
		out.Status = strings.ToUpper(strings.TrimSpace(out.Status))
	default:
		return Output{}, fmt.Errorf("output envelope: unsupported status %q", out.Status)
	}
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	if out.Metrics == nil {
		out.Metrics = []Metric{}
	}
	out.Raw = append(json.RawMessage(nil), raw...)
	return out, nil
}

// Match rejects envelopes applied to the wrong step run, the defense against
// cross-run confusion.
func (out Output) Match(runID, validatorType string) error {
	if !strings.EqualFold(strings.TrimSpace(out.RunID), strings.TrimSpace(runID)) {
		return ErrRunMismatch
	}
	if !strings.EqualFold(strings.TrimSpace(out.Validator.Type), strings.TrimSpace(validatorType)) {
		return ErrValidatorMismatch
	}
	return nil
}

// OutputSignals decodes the validator-specific outputs object into signal
// bindings for assertion evaluation. Metrics are merged in by name; an
// explicit output wins over a metric with the same name.
func (out Output) OutputSignals() (map[string]any, error) {
	signals := make(map[string]any)
	for _, metric := range out.Metrics {
		name := strings.TrimSpace(metric.Name)
		if name == "" {
			continue
		}
		signals[name] = metric.Value
	}
	if len(out.Outputs) > 0 {
		var decoded map[string]any
		if err := json.Unmarshal(out.Outputs, &decoded); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
		for name, value := range decoded {
			signals[name] = value
		}
	}
	return signals, nil
}
