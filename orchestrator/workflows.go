package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/veritide-labs/veritide-go/internal/assertion"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

const maxWorkflowSpecBytes = 1 << 20

// publishWorkflowRequest is accepted as YAML or JSON; YAML is a superset so
// one decoder covers both.
type publishWorkflowRequest struct {
	WorkflowID  string               `yaml:"workflow_id" json:"workflow_id"`
	Name        string               `yaml:"name" json:"name"`
	HaltPolicy  string               `yaml:"halt_policy" json:"halt_policy"`
	PublishedBy string               `yaml:"published_by" json:"published_by"`
	Steps       []publishStepRequest `yaml:"steps" json:"steps"`
}

type publishStepRequest struct {
	Name           string                    `yaml:"name" json:"name"`
	ValidatorType  string                    `yaml:"validator_type" json:"validator_type"`
	Config         map[string]any            `yaml:"config" json:"config"`
	TimeoutSeconds int                       `yaml:"timeout_seconds" json:"timeout_seconds"`
	Assertions     []publishAssertionRequest `yaml:"assertions" json:"assertions"`
}

type publishAssertionRequest struct {
	Expression string `yaml:"expression" json:"expression"`
	Severity   string `yaml:"severity" json:"severity"`
	Message    string `yaml:"message" json:"message"`
}

type workflowResponse struct {
	WorkflowDefID string         `json:"workflow_def_id"`
	WorkflowID    string         `json:"workflow_id"`
	Name          string         `json:"name"`
	Version       int            `json:"version"`
	Active        bool           `json:"active"`
	HaltPolicy    string         `json:"halt_policy"`
	Steps         []stepResponse `json:"steps"`
	PublishedAt   time.Time      `json:"published_at"`
	PublishedBy   string         `json:"published_by,omitempty"`
}

type stepResponse struct {
	Ordinal        int                 `json:"ordinal"`
	Name           string              `json:"name"`
	ValidatorType  string              `json:"validator_type"`
	ValidatorMode  string              `json:"validator_mode"`
	Config         json.RawMessage     `json:"config,omitempty"`
	TimeoutSeconds int                 `json:"timeout_seconds,omitempty"`
	Assertions     []assertionResponse `json:"assertions,omitempty"`
}

type assertionResponse struct {
	Expression string `json:"expression"`
	Severity   string `json:"severity"`
	Message    string `json:"message,omitempty"`
}

// handlePublishWorkflow validates and publishes a new workflow version. The
// new version becomes the active one; prior versions stay queryable so old
// runs remain interpretable.
func (api *orchestratorAPI) handlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWorkflowSpecBytes))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "unreadable_body")
		return
	}
	var req publishWorkflowRequest
	if err := yaml.Unmarshal(body, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_workflow_spec")
		return
	}

	def, problems := api.buildDefinition(req)
	if len(problems) > 0 {
		api.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "workflow_validation_failed", problems)
		return
	}

	version, err := api.workflows.NextVersion(r.Context(), def.WorkflowID)
	if err != nil {
		api.logger.Error("next workflow version", "workflow_id", def.WorkflowID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	def.Version = version
	if err := def.Validate(); err != nil {
		api.writeErrorWithDetails(w, r, http.StatusUnprocessableEntity, "workflow_validation_failed", []string{err.Error()})
		return
	}
	if err := api.workflows.CreateDefinition(r.Context(), def); err != nil {
		api.logger.Error("create workflow definition", "workflow_id", def.WorkflowID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/workflows/"+def.ID)
	api.writeJSON(w, http.StatusCreated, toWorkflowResponse(def))
}

// buildDefinition maps the request onto a definition, resolving each step's
// validator mode from the registry and compiling every assertion expression
// so a bad workflow is rejected at publish time rather than mid-run.
func (api *orchestratorAPI) buildDefinition(req publishWorkflowRequest) (domain.WorkflowDefinition, []string) {
	var problems []string
	def := domain.WorkflowDefinition{
		ID:          uuid.NewString(),
		WorkflowID:  strings.TrimSpace(req.WorkflowID),
		Name:        strings.TrimSpace(req.Name),
		Active:      true,
		HaltPolicy:  strings.TrimSpace(req.HaltPolicy),
		PublishedAt: time.Now().UTC(),
		PublishedBy: strings.TrimSpace(req.PublishedBy),
	}
	if def.WorkflowID == "" {
		problems = append(problems, "workflow_id is required")
	}
	if def.HaltPolicy == "" {
		def.HaltPolicy = domain.HaltPolicyStopOnFailure
	}

	for i, stepReq := range req.Steps {
		step := domain.Step{
			Ordinal:        i + 1,
			Name:           strings.TrimSpace(stepReq.Name),
			ValidatorType:  strings.TrimSpace(stepReq.ValidatorType),
			TimeoutSeconds: stepReq.TimeoutSeconds,
		}
		mode, err := api.registry.Mode(step.ValidatorType)
		if err != nil {
			problems = append(problems, "step "+step.Name+": "+err.Error())
		}
		step.ValidatorMode = mode
		if mode == domain.ValidatorModeIsolated && step.TimeoutSeconds < 1 {
			if v, ok := api.registry.LookupIsolated(step.ValidatorType); ok {
				step.TimeoutSeconds = int(v.DefaultTimeout().Seconds())
			}
		}
		if len(stepReq.Config) > 0 {
			raw, err := json.Marshal(stepReq.Config)
			if err != nil {
				problems = append(problems, "step "+step.Name+": config is not serializable")
			}
			step.Config = raw
		}
		for _, a := range stepReq.Assertions {
			if _, err := assertion.Compile(a.Expression); err != nil {
				problems = append(problems, "step "+step.Name+": assertion "+a.Expression+": "+err.Error())
			}
			step.Assertions = append(step.Assertions, domain.Assertion{
				Expression: strings.TrimSpace(a.Expression),
				Severity:   strings.TrimSpace(a.Severity),
				Message:    strings.TrimSpace(a.Message),
			})
		}
		def.Steps = append(def.Steps, step)
	}
	return def, problems
}

func (api *orchestratorAPI) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	filter := repo.WorkflowFilter{
		WorkflowID: strings.TrimSpace(r.URL.Query().Get("workflow_id")),
		ActiveOnly: r.URL.Query().Get("active") == "true",
	}
	defs, err := api.workflows.ListDefinitions(r.Context(), filter)
	if err != nil {
		api.logger.Error("list workflows", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	out := make([]workflowResponse, 0, len(defs))
	for _, def := range defs {
		out = append(out, toWorkflowResponse(def))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
}

func (api *orchestratorAPI) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, err := api.workflows.GetDefinition(r.Context(), r.PathValue("workflow_def_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "workflow_not_found")
			return
		}
		api.logger.Error("get workflow", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toWorkflowResponse(def))
}

func toWorkflowResponse(def domain.WorkflowDefinition) workflowResponse {
	out := workflowResponse{
		WorkflowDefID: def.ID,
		WorkflowID:    def.WorkflowID,
		Name:          def.Name,
		Version:       def.Version,
		Active:        def.Active,
		HaltPolicy:    def.HaltPolicy,
		PublishedAt:   def.PublishedAt,
		PublishedBy:   def.PublishedBy,
	}
	for _, step := range def.Steps {
		stepOut := stepResponse{
			Ordinal:        step.Ordinal,
			Name:           step.Name,
			ValidatorType:  step.ValidatorType,
			ValidatorMode:  step.ValidatorMode,
			Config:         step.Config,
			TimeoutSeconds: step.TimeoutSeconds,
		}
		for _, a := range step.Assertions {
			stepOut.Assertions = append(stepOut.Assertions, assertionResponse{
				Expression: a.Expression,
				Severity:   a.Severity,
				Message:    a.Message,
			})
		}
		out.Steps = append(out.Steps, stepOut)
	}
	return out
}
