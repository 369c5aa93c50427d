// Package validators ships the built-in validator implementations and the
// descriptors for the externally executed ones.
package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
)

const maxDocumentBytes = 32 << 20

// JSONSchema validates a JSON submission against the schema carried in the
// step config.
type JSONSchema struct{}

type jsonSchemaConfig struct {
	Schema json.RawMessage `json:"schema"`
}

func (JSONSchema) Type() string    { return "json_schema" }
func (JSONSchema) Version() string { return "1.0" }

func (JSONSchema) DefaultAssertions() []domain.Assertion {
	return []domain.Assertion{{
		Expression: "output.valid == true",
		Severity:   domain.SeverityRequired,
		Message:    "document does not conform to the step schema",
	}}
}

func (JSONSchema) Validate(ctx context.Context, input dispatch.ValidationInput) (dispatch.Result, error) {
	var cfg jsonSchemaConfig
	if err := json.Unmarshal(input.Config, &cfg); err != nil {
		return dispatch.Result{}, fmt.Errorf("decode step config: %w", err)
	}
	if len(cfg.Schema) == 0 {
		return dispatch.Result{}, fmt.Errorf("step config is missing a schema")
	}

	var schema openapi3.Schema
	if err := schema.UnmarshalJSON(cfg.Schema); err != nil {
		return dispatch.Result{}, fmt.Errorf("parse step schema: %w", err)
	}

	raw, err := io.ReadAll(io.LimitReader(input.Content, maxDocumentBytes))
	if err != nil {
		return dispatch.Result{}, fmt.Errorf("read submission: %w", err)
	}
	var document any
	if err := json.Unmarshal(raw, &document); err != nil {
		return dispatch.Result{
			Status: envelope.StatusFailure,
			Messages: []envelope.Message{
				{Severity: "error", Text: fmt.Sprintf("submission is not valid JSON: %v", err)},
			},
			Outputs: map[string]any{"valid": false, "error_count": 1},
		}, nil
	}

	visitErr := schema.VisitJSON(document)
	if visitErr != nil {
		return dispatch.Result{
			Status: envelope.StatusFailure,
			Messages: []envelope.Message{
				{Severity: "error", Text: visitErr.Error()},
			},
			Outputs: map[string]any{"valid": false, "error_count": 1},
		}, nil
	}

	return dispatch.Result{
		Status: envelope.StatusSuccess,
		Messages: []envelope.Message{
			{Severity: "info", Text: "document conforms to the step schema"},
		},
		Outputs: map[string]any{"valid": true, "error_count": 0},
	}, nil
}
