package validators

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
)

// XMLCheck verifies a submission is well-formed XML by scanning the full
// token stream. It does not validate against any schema.
type XMLCheck struct{}

func (XMLCheck) Type() string    { return "xml_check" }
func (XMLCheck) Version() string { return "1.0" }

func (XMLCheck) DefaultAssertions() []domain.Assertion {
	return []domain.Assertion{{
		Expression: "output.well_formed == true",
		Severity:   domain.SeverityRequired,
		Message:    "document is not well-formed XML",
	}}
}

func (XMLCheck) Validate(ctx context.Context, input dispatch.ValidationInput) (dispatch.Result, error) {
	decoder := xml.NewDecoder(io.LimitReader(input.Content, maxDocumentBytes))

	var elementCount int
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return dispatch.Result{
				Status: envelope.StatusFailure,
				Messages: []envelope.Message{
					{Severity: "error", Text: fmt.Sprintf("malformed XML: %v", err)},
				},
				Outputs: map[string]any{"well_formed": false, "element_count": elementCount},
			}, nil
		}
		if _, ok := token.(xml.StartElement); ok {
			elementCount++
		}
	}

	if elementCount == 0 {
		return dispatch.Result{
			Status: envelope.StatusFailure,
			Messages: []envelope.Message{
				{Severity: "error", Text: "document contains no XML elements"},
			},
			Outputs: map[string]any{"well_formed": false, "element_count": 0},
		}, nil
	}

	return dispatch.Result{
		Status: envelope.StatusSuccess,
		Metrics: []envelope.Metric{
			{Name: "element_count", Value: float64(elementCount)},
		},
		Outputs: map[string]any{"well_formed": true, "element_count": elementCount},
	}, nil
}
