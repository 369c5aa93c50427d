package main

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	runsvc "github.com/veritide-labs/veritide-go/internal/service/runs"
)

const (
	headerIdempotencyKey = "X-Idempotency-Key"
	maxCallbackBytes     = 10 << 20
)

// handleCallback receives a validator's output envelope. Every authenticated
// delivery is acknowledged with 202 regardless of how it was absorbed:
// senders must not retry deliveries the orchestrator has already decided on.
func (api *orchestratorAPI) handleCallback(w http.ResponseWriter, r *http.Request) {
	identity, err := api.authenticator.Authenticate(r.Context(), r)
	if err != nil {
		api.logger.Warn("callback rejected",
			"run_id", r.PathValue("run_id"),
			"step_run_id", r.PathValue("step_run_id"),
			"error", err.Error(),
		)
		api.writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}

	result, err := api.svc.HandleCallback(r.Context(), runsvc.CallbackParams{
		RunID:          r.PathValue("run_id"),
		StepRunID:      r.PathValue("step_run_id"),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
		Payload:        payload,
		ReceivedBy:     identity.Subject,
	})
	if err != nil {
		if errors.Is(err, runsvc.ErrStepRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "step_run_not_found")
			return
		}
		api.logger.Error("apply callback",
			"run_id", r.PathValue("run_id"),
			"step_run_id", r.PathValue("step_run_id"),
			"error", err,
		)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if result.Applied && api.store != nil {
		// Best effort: archive the envelope next to any artifacts the
		// validator wrote under its bundle prefix.
		key := r.PathValue("run_id") + "/" + r.PathValue("step_run_id") + "/output-envelope.json"
		if err := api.store.PutBundleObject(r.Context(), key, bytes.NewReader(payload), int64(len(payload)), "application/json"); err != nil {
			api.logger.Warn("archive output envelope", "key", key, "error", err.Error())
		}
	}

	api.writeJSON(w, http.StatusAccepted, map[string]any{
		"applied":   result.Applied,
		"duplicate": result.Duplicate,
		"stale":     result.Stale,
		"malformed": result.Malformed,
		"reason":    result.Reason,
	})
}
