package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/maintenance"
	"github.com/veritide-labs/veritide-go/internal/platform/auth"
	"github.com/veritide-labs/veritide-go/internal/platform/objectstore"
	"github.com/veritide-labs/veritide-go/internal/repo"
	runsvc "github.com/veritide-labs/veritide-go/internal/service/runs"
)

type apiConfig struct {
	uploadMaxBytes int64
	retention      time.Duration
}

type orchestratorAPI struct {
	logger        *slog.Logger
	svc           *runsvc.Service
	workflows     repo.WorkflowRepository
	submissions   repo.SubmissionRepository
	registry      *dispatch.Registry
	store         *objectstore.Store
	sweeper       *maintenance.Sweeper
	authenticator auth.Authenticator
	cfg           apiConfig
}

func newOrchestratorAPI(
	logger *slog.Logger,
	svc *runsvc.Service,
	workflows repo.WorkflowRepository,
	submissions repo.SubmissionRepository,
	registry *dispatch.Registry,
	store *objectstore.Store,
	sweeper *maintenance.Sweeper,
	authenticator auth.Authenticator,
	cfg apiConfig,
) *orchestratorAPI {
	if cfg.uploadMaxBytes <= 0 {
		cfg.uploadMaxBytes = int64(512) << 20
	}
	if cfg.retention <= 0 {
		cfg.retention = 30 * 24 * time.Hour
	}
	return &orchestratorAPI{
		logger:        logger,
		svc:           svc,
		workflows:     workflows,
		submissions:   submissions,
		registry:      registry,
		store:         store,
		sweeper:       sweeper,
		authenticator: authenticator,
		cfg:           cfg,
	}
}

func (api *orchestratorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workflows", api.handlePublishWorkflow)
	mux.HandleFunc("GET /workflows", api.handleListWorkflows)
	mux.HandleFunc("GET /workflows/{workflow_def_id}", api.handleGetWorkflow)

	mux.HandleFunc("POST /submissions", api.handleCreateSubmission)
	mux.HandleFunc("GET /submissions/{submission_id}", api.handleGetSubmission)

	mux.HandleFunc("POST /runs", api.handleStartRun)
	mux.HandleFunc("GET /runs", api.handleListRuns)
	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}/cancel", api.handleCancelRun)

	mux.HandleFunc("POST /callbacks/{run_id}/{step_run_id}", api.handleCallback)

	mux.HandleFunc("POST /maintenance/sweeps/stuck-runs", api.handleSweepStuckRuns)
	mux.HandleFunc("POST /maintenance/sweeps/purges", api.handleSweepPurges)
	mux.HandleFunc("POST /maintenance/sweeps/receipts", api.handleSweepReceipts)
}

func (api *orchestratorAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *orchestratorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *orchestratorAPI) writeErrorWithDetails(w http.ResponseWriter, r *http.Request, status int, code string, details any) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
		"details":    details,
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}
