package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/envelope"
)

// WebhookTrigger posts input envelopes to an external validator runner at
// {base}/{validator_type}. The runner owns execution; the orchestrator only
// needs the POST to be accepted.
type WebhookTrigger struct {
	baseURL string
	client  *http.Client
}

func NewWebhookTrigger(baseURL string, timeout time.Duration) (*WebhookTrigger, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("webhook base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookTrigger{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (t *WebhookTrigger) TriggerValidator(ctx context.Context, in envelope.Input) error {
	if t == nil || t.client == nil {
		return fmt.Errorf("webhook trigger not initialized")
	}
	body, err := envelope.EncodeInput(in)
	if err != nil {
		return err
	}
	url := t.baseURL + "/" + strings.TrimSpace(in.Validator.Type)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("trigger webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("trigger webhook: status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return nil
}
