package main

import (
	"errors"
	"net/http"

	"github.com/veritide-labs/veritide-go/internal/maintenance"
)

// The sweep endpoints trigger one pass on demand, on top of the background
// intervals. They are idempotent; a pass that finds nothing is a 200 with a
// zero count.

func (api *orchestratorAPI) handleSweepStuckRuns(w http.ResponseWriter, r *http.Request) {
	resolved, err := api.sweeper.SweepStuckRuns(r.Context())
	if err != nil {
		api.writeSweepError(w, r, "stuck-runs", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (api *orchestratorAPI) handleSweepPurges(w http.ResponseWriter, r *http.Request) {
	purged, err := api.sweeper.SweepPurges(r.Context())
	if err != nil {
		api.writeSweepError(w, r, "purges", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"purged": purged})
}

func (api *orchestratorAPI) handleSweepReceipts(w http.ResponseWriter, r *http.Request) {
	deleted, err := api.sweeper.SweepReceipts(r.Context())
	if err != nil {
		api.writeSweepError(w, r, "receipts", err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (api *orchestratorAPI) writeSweepError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, maintenance.ErrSweepContended) {
		api.writeError(w, r, http.StatusConflict, "sweep_already_running")
		return
	}
	api.logger.Error("sweep failed", "sweep", name, "error", err)
	api.writeError(w, r, http.StatusInternalServerError, "internal_error")
}
