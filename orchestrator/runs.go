package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
	runsvc "github.com/veritide-labs/veritide-go/internal/service/runs"
)

type startRunRequest struct {
	WorkflowID    string `json:"workflow_id,omitempty"`
	WorkflowDefID string `json:"workflow_def_id,omitempty"`
	SubmissionID  string `json:"submission_id"`
	OrgID         string `json:"org_id,omitempty"`
	OrgName       string `json:"org_name,omitempty"`
}

type cancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

type runResponse struct {
	RunID         string     `json:"run_id"`
	WorkflowDefID string     `json:"workflow_def_id"`
	SubmissionID  string     `json:"submission_id"`
	OrgID         string     `json:"org_id"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
}

type stepRunResponse struct {
	StepRunID     string            `json:"step_run_id"`
	Ordinal       int               `json:"ordinal"`
	StepName      string            `json:"step_name"`
	ValidatorType string            `json:"validator_type"`
	ValidatorMode string            `json:"validator_mode"`
	Status        string            `json:"status"`
	Findings      []findingResponse `json:"findings,omitempty"`
	Envelope      json.RawMessage   `json:"envelope,omitempty"`
	DispatchedAt  *time.Time        `json:"dispatched_at,omitempty"`
	Deadline      *time.Time        `json:"deadline,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

type findingResponse struct {
	Source   string `json:"source"`
	Severity string `json:"severity"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message"`
}

func (api *orchestratorAPI) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.SubmissionID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "submission_id_required")
		return
	}

	run, err := api.svc.StartRun(r.Context(), runsvc.StartParams{
		WorkflowID:    req.WorkflowID,
		WorkflowDefID: req.WorkflowDefID,
		SubmissionID:  req.SubmissionID,
		OrgID:         req.OrgID,
		OrgName:       req.OrgName,
	})
	if err != nil {
		if errors.Is(err, runsvc.ErrWorkflowNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workflow_not_found")
			return
		}
		if errors.Is(err, runsvc.ErrSubmissionNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("start run", "submission_id", req.SubmissionID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/runs/"+run.ID)
	api.writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (api *orchestratorAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	state, err := api.svc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		if errors.Is(err, runsvc.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("get run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	steps := make([]stepRunResponse, 0, len(state.StepRuns))
	for _, stepRun := range state.StepRuns {
		steps = append(steps, toStepRunResponse(stepRun))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run":       toRunResponse(state.Run),
		"step_runs": steps,
	})
}

func (api *orchestratorAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repo.RunFilter{
		SubmissionID:  strings.TrimSpace(query.Get("submission_id")),
		WorkflowDefID: strings.TrimSpace(query.Get("workflow_def_id")),
		OrgID:         strings.TrimSpace(query.Get("org_id")),
		Status:        domain.NormalizeRunStatus(query.Get("status")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := api.svc.List(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *orchestratorAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var req cancelRunRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	run, err := api.svc.Cancel(r.Context(), r.PathValue("run_id"), req.Reason)
	if err != nil {
		if errors.Is(err, runsvc.ErrRunNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("cancel run", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func toRunResponse(run domain.ValidationRun) runResponse {
	return runResponse{
		RunID:         run.ID,
		WorkflowDefID: run.WorkflowDefID,
		SubmissionID:  run.SubmissionID,
		OrgID:         run.OrgID,
		Status:        string(run.Status),
		FailureReason: run.FailureReason,
		CreatedAt:     run.CreatedAt,
		StartedAt:     run.StartedAt,
		EndedAt:       run.EndedAt,
	}
}

func toStepRunResponse(stepRun domain.StepRun) stepRunResponse {
	out := stepRunResponse{
		StepRunID:     stepRun.ID,
		Ordinal:       stepRun.Ordinal,
		StepName:      stepRun.StepName,
		ValidatorType: stepRun.ValidatorType,
		ValidatorMode: stepRun.ValidatorMode,
		Status:        string(stepRun.Status),
		Envelope:      stepRun.EnvelopeReceived,
		DispatchedAt:  stepRun.DispatchedAt,
		Deadline:      stepRun.Deadline,
		CompletedAt:   stepRun.CompletedAt,
	}
	for _, finding := range stepRun.Findings {
		out.Findings = append(out.Findings, findingResponse{
			Source:   finding.Source,
			Severity: finding.Severity,
			Passed:   finding.Passed,
			Message:  finding.Message,
		})
	}
	return out
}
