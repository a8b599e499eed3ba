package server

import (
	"encoding/json"
	"net/http"
	"time"

	"marketcache/internal/batch"
	"marketcache/internal/marketdata"
)

type handler struct {
	fillSvc       *batch.Service
	orch          *batch.Orchestrator
	adminSvc      *marketdata.Service
	syncThreshold int
	syncWindow    time.Duration
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fillCache serves POST /fill-cache. Small fill requests run inline within
// the sync window; anything larger becomes a batch job the caller drives via
// the orchestrator endpoint.
func (h *handler) fillCache(w http.ResponseWriter, r *http.Request) {
	var req batch.FillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	switch req.Action {
	case batch.ActionValidate:
		resp, err := h.fillSvc.Validate(r.Context(), req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)

	case batch.ActionFill:
		if len(req.Tickers) <= h.syncThreshold {
			resp, err := h.fillSvc.FillSync(r.Context(), req, time.Now().Add(h.syncWindow))
			if err != nil {
				writeAppError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
			return
		}

		j, err := h.fillSvc.CreateJob(r.Context(), req)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, batch.CreateJobResponse{
			JobID: j.ID,
			BatchInfo: batch.BatchInfo{
				TickersToProcess: len(j.Tickers),
				TotalBatches:     j.TotalBatches,
			},
		})
	}
}

func (h *handler) batchStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	j, err := h.fillSvc.Get(r.Context(), jobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch.NewJobStatus(j))
}

// batchOrchestrator advances a job one execution window, or applies an
// explicit pause/resume. The response always reflects the last persisted
// state; a caller that times out waiting simply polls status and calls again.
func (h *handler) batchOrchestrator(w http.ResponseWriter, r *http.Request) {
	var req batch.OrchestratorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	switch req.Action {
	case "pause":
		if err := h.fillSvc.Pause(r.Context(), req.JobID); err != nil {
			writeAppError(w, err)
			return
		}
	case "resume":
		if err := h.fillSvc.Resume(r.Context(), req.JobID); err != nil {
			writeAppError(w, err)
			return
		}
	default:
		j, err := h.orch.Advance(r.Context(), req.JobID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batch.NewJobStatus(j))
		return
	}

	j, err := h.fillSvc.Get(r.Context(), req.JobID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch.NewJobStatus(j))
}

func (h *handler) failedTickers(w http.ResponseWriter, r *http.Request) {
	failed, err := h.adminSvc.ListFailed(r.Context())
	if err != nil {
		writeAppError(w, err)
		return
	}
	if failed == nil {
		failed = []marketdata.FailedTicker{}
	}
	writeJSON(w, http.StatusOK, failed)
}

func (h *handler) cacheManagement(w http.ResponseWriter, r *http.Request) {
	var req marketdata.ManageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if appErr := req.Validate(); appErr != nil {
		writeError(w, appErr.HTTPStatus(), appErr.Message())
		return
	}

	type result struct {
		Action  string `json:"action"`
		Records int64  `json:"records,omitempty"`
		Message string `json:"message"`
	}

	switch req.Action {
	case marketdata.ActionRemoveFailedTicker:
		if err := h.adminSvc.RemoveFailed(r.Context(), req.Ticker); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result{Action: req.Action, Message: "failure record removed for " + req.Ticker})

	case marketdata.ActionClearByTicker:
		n, err := h.adminSvc.ClearTicker(r.Context(), req.Ticker)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result{Action: req.Action, Records: n, Message: "cleared cached data for " + req.Ticker})

	case marketdata.ActionClearMarketData:
		n, err := h.adminSvc.ClearMarketData(r.Context(), req.Confirm)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result{Action: req.Action, Records: n, Message: "all market data cleared"})

	case marketdata.ActionClearEverything:
		if err := h.adminSvc.ClearEverything(r.Context(), req.Confirm); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result{Action: req.Action, Message: "cache, failure records, and job history cleared"})
	}
}
