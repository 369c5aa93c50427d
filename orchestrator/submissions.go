package main

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

type submissionResponse struct {
	SubmissionID string    `json:"submission_id"`
	OrgID        string    `json:"org_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	SizeBytes    int64     `json:"size_bytes"`
	RetainUntil  time.Time `json:"retain_until"`
	PurgeState   string    `json:"purge_state"`
	CreatedAt    time.Time `json:"created_at"`
}

// handleCreateSubmission accepts a multipart upload, streams the content to
// the object store, and records the submission with its retention window.
func (api *orchestratorAPI) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, api.cfg.uploadMaxBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_multipart")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	orgID := strings.TrimSpace(r.FormValue("org_id"))
	if orgID == "" {
		api.writeError(w, r, http.StatusBadRequest, "org_id_required")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "file_required")
		return
	}
	defer func() { _ = file.Close() }()

	filename := path.Base(strings.TrimSpace(header.Filename))
	if filename == "" || filename == "." || filename == "/" {
		api.writeError(w, r, http.StatusBadRequest, "filename_required")
		return
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	now := time.Now().UTC()
	submission := domain.Submission{
		ID:          uuid.NewString(),
		OrgID:       orgID,
		Filename:    filename,
		ContentType: contentType,
		ContentKey:  orgID + "/" + uuid.NewString() + "/" + filename,
		SizeBytes:   header.Size,
		RetainUntil: now.Add(api.cfg.retention),
		PurgeState:  domain.PurgeStateRetained,
		CreatedAt:   now,
	}

	if err := api.store.PutSubmission(r.Context(), submission.ContentKey, file, header.Size, contentType); err != nil {
		api.logger.Error("store submission content", "submission_id", submission.ID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "object_store_unavailable")
		return
	}
	if err := api.submissions.CreateSubmission(r.Context(), submission); err != nil {
		api.logger.Error("create submission", "submission_id", submission.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	w.Header().Set("Location", "/submissions/"+submission.ID)
	api.writeJSON(w, http.StatusCreated, toSubmissionResponse(submission))
}

func (api *orchestratorAPI) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	submission, err := api.submissions.GetSubmission(r.Context(), r.PathValue("submission_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "submission_not_found")
			return
		}
		api.logger.Error("get submission", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toSubmissionResponse(submission))
}

func toSubmissionResponse(submission domain.Submission) submissionResponse {
	return submissionResponse{
		SubmissionID: submission.ID,
		OrgID:        submission.OrgID,
		Filename:     submission.Filename,
		ContentType:  submission.ContentType,
		SizeBytes:    submission.SizeBytes,
		RetainUntil:  submission.RetainUntil,
		PurgeState:   submission.PurgeState,
		CreatedAt:    submission.CreatedAt,
	}
}
