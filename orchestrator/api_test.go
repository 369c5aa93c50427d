package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/veritide-labs/veritide-go/internal/dispatch"
	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/envelope"
	"github.com/veritide-labs/veritide-go/internal/maintenance"
	"github.com/veritide-labs/veritide-go/internal/platform/auth"
	"github.com/veritide-labs/veritide-go/internal/repo"
	runsvc "github.com/veritide-labs/veritide-go/internal/service/runs"
	"github.com/veritide-labs/veritide-go/internal/validators"
)

const testCallbackSecret = "test-callback-secret"

// memRepo is an in-memory implementation of every repository interface the
// API touches.
type memRepo struct {
	defs        map[string]domain.WorkflowDefinition
	runs        map[string]domain.ValidationRun
	steps       map[string]domain.StepRun
	receipts    map[string]domain.CallbackReceipt
	submissions map[string]domain.Submission
}

func newMemRepo() *memRepo {
	return &memRepo{
		defs:        map[string]domain.WorkflowDefinition{},
		runs:        map[string]domain.ValidationRun{},
		steps:       map[string]domain.StepRun{},
		receipts:    map[string]domain.CallbackReceipt{},
		submissions: map[string]domain.Submission{},
	}
}

func (m *memRepo) CreateDefinition(ctx context.Context, def domain.WorkflowDefinition) error {
	for id, existing := range m.defs {
		if existing.WorkflowID == def.WorkflowID && existing.Active {
			existing.Active = false
			m.defs[id] = existing
		}
	}
	m.defs[def.ID] = def
	return nil
}

func (m *memRepo) GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	def, ok := m.defs[id]
	if !ok {
		return domain.WorkflowDefinition{}, repo.ErrNotFound
	}
	return def, nil
}

func (m *memRepo) GetActiveDefinition(ctx context.Context, workflowID string) (domain.WorkflowDefinition, error) {
	for _, def := range m.defs {
		if def.WorkflowID == workflowID && def.Active {
			return def, nil
		}
	}
	return domain.WorkflowDefinition{}, repo.ErrNotFound
}

func (m *memRepo) ListDefinitions(ctx context.Context, filter repo.WorkflowFilter) ([]domain.WorkflowDefinition, error) {
	out := make([]domain.WorkflowDefinition, 0, len(m.defs))
	for _, def := range m.defs {
		if filter.WorkflowID != "" && def.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.ActiveOnly && !def.Active {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

func (m *memRepo) NextVersion(ctx context.Context, workflowID string) (int, error) {
	next := 1
	for _, def := range m.defs {
		if def.WorkflowID == workflowID && def.Version >= next {
			next = def.Version + 1
		}
	}
	return next, nil
}

func (m *memRepo) CreateRun(ctx context.Context, run domain.ValidationRun) error {
	m.runs[run.ID] = run
	return nil
}

func (m *memRepo) GetRun(ctx context.Context, id string) (domain.ValidationRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return domain.ValidationRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (m *memRepo) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.ValidationRun, error) {
	out := make([]domain.ValidationRun, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.SubmissionID != "" && run.SubmissionID != filter.SubmissionID {
			continue
		}
		out = append(out, run)
	}
	return out, nil
}

func (m *memRepo) TransitionRun(ctx context.Context, id string, from, to domain.RunStatus, failureReason string, at time.Time) (bool, error) {
	if !domain.CanTransitionRunStatus(from, to) {
		return false, fmt.Errorf("invalid run transition %s -> %s", from, to)
	}
	run, ok := m.runs[id]
	if !ok || run.Status != from {
		return false, nil
	}
	run.Status = to
	if failureReason != "" {
		run.FailureReason = failureReason
	}
	if to == domain.RunStatusRunning && run.StartedAt == nil {
		run.StartedAt = &at
	}
	if to.Terminal() {
		run.EndedAt = &at
	}
	m.runs[id] = run
	return true, nil
}

func (m *memRepo) CreateStepRun(ctx context.Context, stepRun domain.StepRun) error {
	m.steps[stepRun.ID] = stepRun
	return nil
}

func (m *memRepo) GetStepRun(ctx context.Context, id string) (domain.StepRun, error) {
	stepRun, ok := m.steps[id]
	if !ok {
		return domain.StepRun{}, repo.ErrNotFound
	}
	return stepRun, nil
}

func (m *memRepo) ListStepRunsByRun(ctx context.Context, runID string) ([]domain.StepRun, error) {
	out := make([]domain.StepRun, 0)
	for _, stepRun := range m.steps {
		if stepRun.RunID == runID {
			out = append(out, stepRun)
		}
	}
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].Ordinal < out[i].Ordinal {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (m *memRepo) MarkDispatched(ctx context.Context, id string, envelopeSent []byte, dispatchedAt time.Time, deadline *time.Time) error {
	stepRun, ok := m.steps[id]
	if !ok || stepRun.Status != domain.StepRunStatusPending {
		return fmt.Errorf("step run %s is not pending", id)
	}
	if deadline != nil {
		stepRun.Status = domain.StepRunStatusAwaitingCallback
	} else {
		stepRun.Status = domain.StepRunStatusDispatched
	}
	stepRun.EnvelopeSent = envelopeSent
	stepRun.DispatchedAt = &dispatchedAt
	stepRun.Deadline = deadline
	m.steps[id] = stepRun
	return nil
}

func (m *memRepo) CompleteFromCallback(ctx context.Context, id string, status domain.StepRunStatus, envelopeReceived []byte, findings []domain.Finding, completedAt time.Time) (bool, error) {
	stepRun, ok := m.steps[id]
	if !ok {
		return false, repo.ErrNotFound
	}
	if stepRun.Status != domain.StepRunStatusAwaitingCallback {
		return false, nil
	}
	stepRun.Status = status
	stepRun.EnvelopeReceived = envelopeReceived
	stepRun.Findings = findings
	stepRun.CompletedAt = &completedAt
	m.steps[id] = stepRun
	return true, nil
}

func (m *memRepo) CompleteInProcess(ctx context.Context, id string, status domain.StepRunStatus, findings []domain.Finding, completedAt time.Time) error {
	stepRun, ok := m.steps[id]
	if !ok || stepRun.Status != domain.StepRunStatusDispatched {
		return fmt.Errorf("step run %s is not dispatched", id)
	}
	stepRun.Status = status
	stepRun.Findings = findings
	stepRun.CompletedAt = &completedAt
	m.steps[id] = stepRun
	return nil
}

func (m *memRepo) ListExpiredAwaiting(ctx context.Context, cutoff time.Time, limit int) ([]domain.StepRun, error) {
	out := make([]domain.StepRun, 0)
	for _, stepRun := range m.steps {
		if stepRun.Status == domain.StepRunStatusAwaitingCallback && stepRun.Deadline != nil && stepRun.Deadline.Before(cutoff) {
			out = append(out, stepRun)
		}
	}
	return out, nil
}

func (m *memRepo) InsertReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error) {
	key := receipt.RunID + "|" + receipt.StepRunID + "|" + receipt.IdempotencyKey
	if existing, ok := m.receipts[key]; ok {
		return existing, false, nil
	}
	m.receipts[key] = receipt
	return receipt, true, nil
}

func (m *memRepo) GetReceipt(ctx context.Context, runID, stepRunID, idempotencyKey string) (domain.CallbackReceipt, error) {
	receipt, ok := m.receipts[runID+"|"+stepRunID+"|"+idempotencyKey]
	if !ok {
		return domain.CallbackReceipt{}, repo.ErrNotFound
	}
	return receipt, nil
}

func (m *memRepo) DeleteExpiredReceipts(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	return 0, nil
}

func (m *memRepo) CreateSubmission(ctx context.Context, submission domain.Submission) error {
	m.submissions[submission.ID] = submission
	return nil
}

func (m *memRepo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	submission, ok := m.submissions[id]
	if !ok {
		return domain.Submission{}, repo.ErrNotFound
	}
	return submission, nil
}

func (m *memRepo) ListPurgeDue(ctx context.Context, now time.Time, limit int) ([]domain.Submission, error) {
	return nil, nil
}

func (m *memRepo) MarkPurged(ctx context.Context, id string, at time.Time) error { return nil }

func (m *memRepo) RecordPurgeFailure(ctx context.Context, id string, attempts int, nextAttempt time.Time) error {
	return nil
}

func (m *memRepo) FlagPurgeFailed(ctx context.Context, id string) error { return nil }

// modeDispatcher completes in-process steps inline and leaves isolated steps
// awaiting a callback.
type modeDispatcher struct{}

func (modeDispatcher) Dispatch(ctx context.Context, run domain.ValidationRun, stepRun domain.StepRun, step domain.Step, submission domain.Submission, inputs map[string]any) (dispatch.Outcome, error) {
	if step.ValidatorMode == domain.ValidatorModeIsolated {
		deadline := time.Now().UTC().Add(time.Duration(step.TimeoutSeconds) * time.Second)
		return dispatch.Outcome{
			Pending:      true,
			Status:       domain.StepRunStatusAwaitingCallback,
			EnvelopeSent: json.RawMessage(`{"schema":"veritide.envelope.v1"}`),
			Deadline:     &deadline,
		}, nil
	}
	return dispatch.Outcome{
		Status:        domain.StepRunStatusComplete,
		OutputSignals: map[string]any{"valid": true},
	}, nil
}

func (modeDispatcher) TriggerIsolated(ctx context.Context, in envelope.Input) error { return nil }

type noopLocker struct{ contended bool }

type noopLock struct{}

func (noopLock) Unlock(ctx context.Context) error { return nil }

func (l *noopLocker) TryLock(ctx context.Context, key string) (maintenance.Lock, bool, error) {
	if l.contended {
		return nil, false, nil
	}
	return noopLock{}, true, nil
}

type noopPurger struct{}

func (noopPurger) DeleteSubmission(ctx context.Context, key string) error { return nil }

type testAPI struct {
	mux    *http.ServeMux
	repo   *memRepo
	locker *noopLocker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := newMemRepo()

	registry := dispatch.NewRegistry()
	if err := validators.RegisterBuiltins(registry); err != nil {
		t.Fatalf("register validators: %v", err)
	}

	svc, err := runsvc.NewService(logger, mem, mem, mem, mem, mem, modeDispatcher{}, registry)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	locker := &noopLocker{}
	sweepCfg := maintenance.Config{
		StuckRunGrace:      time.Minute,
		ReceiptRetention:   24 * time.Hour,
		PurgeBackoffBase:   time.Minute,
		PurgeBackoffFactor: 2,
		MaxPurgeAttempts:   3,
		BatchSize:          10,
		StuckRunInterval:   time.Hour,
		PurgeInterval:      time.Hour,
		ReceiptInterval:    time.Hour,
	}
	sweeper, err := maintenance.NewSweeper(logger, sweepCfg, locker, mem, mem, mem, svc, noopPurger{})
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	authenticator, err := auth.NewSharedSecretAuthenticator(auth.Config{
		Mode:         auth.ModeSharedSecret,
		SharedSecret: testCallbackSecret,
		MaxSkew:      5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	api := newOrchestratorAPI(logger, svc, mem, mem, registry, nil, sweeper, authenticator, apiConfig{
		uploadMaxBytes: 1 << 20,
		retention:      24 * time.Hour,
	})
	mux := http.NewServeMux()
	api.register(mux)

	mem.submissions["sub-1"] = domain.Submission{
		ID:          "sub-1",
		OrgID:       "org-1",
		Filename:    "model.json",
		ContentType: "application/json",
		ContentKey:  "org-1/sub-1/model.json",
		SizeBytes:   512,
		PurgeState:  domain.PurgeStateRetained,
	}
	return &testAPI{mux: mux, repo: mem, locker: locker}
}

func (ta *testAPI) do(t *testing.T, method, target, contentType string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, req)
	return rec
}

const workflowYAML = `
workflow_id: permit-intake
name: Permit intake checks
halt_policy: stop_on_failure
published_by: reviewer@example.com
steps:
  - name: schema
    validator_type: json_schema
    config:
      schema:
        type: object
  - name: simulate
    validator_type: energyplus
    assertions:
      - expression: output.site_eui < 120
        severity: required
        message: site EUI too high
`

func publishWorkflow(t *testing.T, ta *testAPI) workflowResponse {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/workflows", "application/yaml", workflowYAML)
	if rec.Code != http.StatusCreated {
		t.Fatalf("publish status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out workflowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestPublishWorkflowResolvesModesAndTimeouts(t *testing.T) {
	ta := newTestAPI(t)
	out := publishWorkflow(t, ta)

	if out.Version != 1 || !out.Active {
		t.Fatalf("version/active = %d/%v", out.Version, out.Active)
	}
	if out.Steps[0].ValidatorMode != domain.ValidatorModeInProcess {
		t.Fatalf("schema mode = %s", out.Steps[0].ValidatorMode)
	}
	if out.Steps[1].ValidatorMode != domain.ValidatorModeIsolated {
		t.Fatalf("simulate mode = %s", out.Steps[1].ValidatorMode)
	}
	// Isolated steps inherit the validator's default timeout when the
	// workflow document omits one.
	if out.Steps[1].TimeoutSeconds != 1800 {
		t.Fatalf("simulate timeout = %d, want 1800", out.Steps[1].TimeoutSeconds)
	}

	// Republishing bumps the version and takes over the active slot.
	second := publishWorkflow(t, ta)
	if second.Version != 2 {
		t.Fatalf("second version = %d, want 2", second.Version)
	}
	rec := ta.do(t, http.MethodGet, "/workflows/"+out.WorkflowDefID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	var first workflowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Active {
		t.Fatal("old version must lose the active slot")
	}
}

func TestPublishWorkflowRejectsBadAssertion(t *testing.T) {
	ta := newTestAPI(t)
	spec := strings.Replace(workflowYAML, "output.site_eui < 120", "output.site_eui <", 1)
	rec := ta.do(t, http.MethodPost, "/workflows", "application/yaml", spec)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422, body %s", rec.Code, rec.Body.String())
	}
}

func TestPublishWorkflowRejectsUnknownValidator(t *testing.T) {
	ta := newTestAPI(t)
	spec := strings.Replace(workflowYAML, "json_schema", "telepathy", 1)
	rec := ta.do(t, http.MethodPost, "/workflows", "application/yaml", spec)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func startRun(t *testing.T, ta *testAPI) runResponse {
	t.Helper()
	rec := ta.do(t, http.MethodPost, "/runs", "application/json",
		`{"workflow_id": "permit-intake", "submission_id": "sub-1"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("start run status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func awaitingStepRun(t *testing.T, ta *testAPI, runID string) domain.StepRun {
	t.Helper()
	for _, stepRun := range ta.repo.steps {
		if stepRun.RunID == runID && stepRun.Status == domain.StepRunStatusAwaitingCallback {
			return stepRun
		}
	}
	t.Fatalf("no awaiting step for run %s", runID)
	return domain.StepRun{}
}

func TestStartRunAndGetRun(t *testing.T) {
	ta := newTestAPI(t)
	publishWorkflow(t, ta)
	run := startRun(t, ta)

	if run.Status != string(domain.RunStatusRunning) {
		t.Fatalf("run status = %s, want RUNNING while simulate awaits", run.Status)
	}

	rec := ta.do(t, http.MethodGet, "/runs/"+run.RunID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get run status = %d", rec.Code)
	}
	var state struct {
		Run      runResponse       `json:"run"`
		StepRuns []stepRunResponse `json:"step_runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(state.StepRuns) != 2 {
		t.Fatalf("step runs = %d, want 2", len(state.StepRuns))
	}
	if state.StepRuns[0].Status != string(domain.StepRunStatusComplete) {
		t.Fatalf("schema step = %s", state.StepRuns[0].Status)
	}
	if state.StepRuns[1].Status != string(domain.StepRunStatusAwaitingCallback) {
		t.Fatalf("simulate step = %s", state.StepRuns[1].Status)
	}
}

func TestStartRunUnknownWorkflowIs404(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/runs", "application/json",
		`{"workflow_id": "missing", "submission_id": "sub-1"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodGet, "/runs/nope", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func signedCallback(t *testing.T, target string, payload string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader([]byte(payload)))
	req.Header.Set("Content-Type", "application/json")
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := auth.ComputeSignature(testCallbackSecret, ts, http.MethodPost, []byte(payload))
	if err != nil {
		t.Fatalf("sign callback: %v", err)
	}
	req.Header.Set(auth.HeaderCallbackTimestamp, ts)
	req.Header.Set(auth.HeaderCallbackSignature, sig)
	return req
}

func TestCallbackAppliedAndDuplicate(t *testing.T) {
	ta := newTestAPI(t)
	publishWorkflow(t, ta)
	run := startRun(t, ta)
	stepRun := awaitingStepRun(t, ta, run.RunID)

	payload := `{
		"run_id": "` + run.RunID + `",
		"validator": {"type": "energyplus", "version": "23.2"},
		"status": "SUCCESS",
		"outputs": {"site_eui": 92.4, "fatal_errors": 0, "severe_errors": 0}
	}`
	target := "/callbacks/" + run.RunID + "/" + stepRun.ID

	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, signedCallback(t, target, payload))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var ack map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["applied"] != true {
		t.Fatalf("ack = %v, want applied", ack)
	}
	if got := ta.repo.runs[run.RunID].Status; got != domain.RunStatusSucceeded {
		t.Fatalf("run status = %s, want SUCCEEDED", got)
	}

	// Redelivery with the same derived key is acked but not reapplied.
	rec = httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, signedCallback(t, target, payload))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("redelivery status = %d", rec.Code)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack["duplicate"] != true {
		t.Fatalf("redelivery ack = %v, want duplicate", ack)
	}
}

func TestCallbackUnauthenticated(t *testing.T) {
	ta := newTestAPI(t)
	publishWorkflow(t, ta)
	run := startRun(t, ta)
	stepRun := awaitingStepRun(t, ta, run.RunID)

	rec := ta.do(t, http.MethodPost, "/callbacks/"+run.RunID+"/"+stepRun.ID, "application/json",
		`{"run_id": "`+run.RunID+`", "validator": {"type": "energyplus"}, "status": "SUCCESS"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := ta.repo.steps[stepRun.ID].Status; got != domain.StepRunStatusAwaitingCallback {
		t.Fatalf("unauthenticated delivery must not mutate the step, status = %s", got)
	}
}

func TestCallbackUnknownStepIs404(t *testing.T) {
	ta := newTestAPI(t)
	rec := httptest.NewRecorder()
	ta.mux.ServeHTTP(rec, signedCallback(t, "/callbacks/run-x/step-x", `{"status": "SUCCESS"}`))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	ta := newTestAPI(t)
	publishWorkflow(t, ta)
	run := startRun(t, ta)

	rec := ta.do(t, http.MethodPost, "/runs/"+run.RunID+"/cancel", "application/json",
		`{"reason": "applicant withdrew"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var out runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Status != string(domain.RunStatusFailed) {
		t.Fatalf("status = %s, want FAILED", out.Status)
	}
	if !strings.Contains(out.FailureReason, "applicant withdrew") {
		t.Fatalf("failure reason = %q", out.FailureReason)
	}
}

func TestSweepEndpoints(t *testing.T) {
	ta := newTestAPI(t)

	rec := ta.do(t, http.MethodPost, "/maintenance/sweeps/stuck-runs", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stuck-runs status = %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/maintenance/sweeps/purges", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("purges status = %d", rec.Code)
	}
	rec = ta.do(t, http.MethodPost, "/maintenance/sweeps/receipts", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("receipts status = %d", rec.Code)
	}

	ta.locker.contended = true
	rec = ta.do(t, http.MethodPost, "/maintenance/sweeps/stuck-runs", "", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("contended status = %d, want 409", rec.Code)
	}
}

func TestCreateSubmissionRejectsMissingFields(t *testing.T) {
	ta := newTestAPI(t)
	rec := ta.do(t, http.MethodPost, "/submissions", "application/json", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestParseValidatorImages(t *testing.T) {
	images, err := parseValidatorImages("energyplus=registry.local/energyplus:23.2, fmi=registry.local/fmi:2.0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if images["energyplus"] != "registry.local/energyplus:23.2" || images["fmi"] != "registry.local/fmi:2.0" {
		t.Fatalf("images = %v", images)
	}
	if _, err := parseValidatorImages(""); err == nil {
		t.Fatal("expected error for empty mapping")
	}
	if _, err := parseValidatorImages("energyplus"); err == nil {
		t.Fatal("expected error for malformed pair")
	}
}
