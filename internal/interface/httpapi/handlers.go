package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	jobsdomain "github.com/getsafe360/cockpit/internal/module/jobs/domain"
	ledgerdomain "github.com/getsafe360/cockpit/internal/module/ledger/domain"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": code})
}

func readJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

type scanStartRequest struct {
	SiteID string `json:"siteId"`
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	var req scanStartRequest
	if err := readJSON(r, &req); err != nil || req.SiteID == "" {
		writeError(w, http.StatusBadRequest, "siteId_required")
		return
	}

	job, err := s.orchestrator.SubmitScan(r.Context(), req.SiteID)
	if err != nil {
		s.logger.Error("scan submit failed", "siteId", req.SiteID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "jobId": job.ID})
}

type fixStartRequest struct {
	SiteID string                `json:"siteId"`
	TeamID uuid.UUID             `json:"teamId"`
	Issues []jobsdomain.IssueRef `json:"issues"`
}

func (s *Server) handleFixStart(w http.ResponseWriter, r *http.Request) {
	var req fixStartRequest
	if err := readJSON(r, &req); err != nil || req.SiteID == "" || len(req.Issues) == 0 {
		writeError(w, http.StatusBadRequest, "siteId_and_issues_required")
		return
	}

	job, err := s.orchestrator.SubmitFix(r.Context(), req.TeamID, req.SiteID, req.Issues)
	if err != nil {
		var insufficient *ledgerdomain.InsufficientTokensError
		if errors.As(err, &insufficient) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"ok":    false,
				"error": "insufficient_tokens",
				"have":  insufficient.Have,
				"need":  insufficient.Need,
			})
			return
		}
		if jobsdomain.IsDuplicateJob(err) {
			writeError(w, http.StatusConflict, "duplicate_job")
			return
		}
		s.logger.Error("fix submit failed", "siteId", req.SiteID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"ok":        true,
		"jobId":     job.ID,
		"estTokens": job.ReservedTokens,
	})
}

func jobIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("id"))
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}

	job, err := s.orchestrator.Status(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobsdomain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found")
			return
		}
		s.logger.Error("status read failed", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	payload := map[string]any{
		"ok":       true,
		"jobId":    job.ID,
		"kind":     job.Kind,
		"status":   job.Status,
		"revision": job.Revision,
	}
	if job.ErrorMessage != "" {
		payload["errorMessage"] = job.ErrorMessage
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleJobResult(w http.ResponseWriter, r *http.Request) {
	jobID, err := jobIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_job_id")
		return
	}

	resultRef, err := s.orchestrator.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobsdomain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found")
			return
		}
		if errors.Is(err, jobsdomain.ErrResultNotReady) {
			writeJSON(w, http.StatusAccepted, map[string]any{"ok": false, "error": "not_ready"})
			return
		}
		s.logger.Error("result read failed", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "resultRef": resultRef})
}

type jobIDRequest struct {
	JobID uuid.UUID `json:"jobId"`
}

func (s *Server) handleFixAccept(w http.ResponseWriter, r *http.Request) {
	var req jobIDRequest
	if err := readJSON(r, &req); err != nil || req.JobID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "jobId_required")
		return
	}

	remaining, err := s.orchestrator.AcceptFix(r.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, jobsdomain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found")
			return
		}
		var invalid *jobsdomain.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusConflict, "job_not_done")
			return
		}
		if errors.Is(err, jobsdomain.ErrRevisionConflict) {
			writeError(w, http.StatusConflict, "conflict")
			return
		}
		s.logger.Error("fix accept failed", "jobId", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "remainingTokens": remaining})
}

func (s *Server) handleFixCancel(w http.ResponseWriter, r *http.Request) {
	var req jobIDRequest
	if err := readJSON(r, &req); err != nil || req.JobID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "jobId_required")
		return
	}

	if err := s.orchestrator.CancelFix(r.Context(), req.JobID); err != nil {
		if errors.Is(err, jobsdomain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job_not_found")
			return
		}
		var invalid *jobsdomain.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusConflict, "job_not_done")
			return
		}
		if errors.Is(err, jobsdomain.ErrRevisionConflict) {
			writeError(w, http.StatusConflict, "conflict")
			return
		}
		s.logger.Error("fix cancel failed", "jobId", req.JobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleTeamTokens(w http.ResponseWriter, r *http.Request) {
	teamID, err := uuid.Parse(r.URL.Query().Get("teamId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_team_id")
		return
	}

	balance, err := s.ledger.GetBalance(r.Context(), teamID)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "team_not_found")
			return
		}
		s.logger.Error("balance read failed", "teamId", teamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance": balance})
}

type purchaseRequest struct {
	TeamID uuid.UUID `json:"teamId"`
	Amount int64     `json:"amount"`
}

func (s *Server) handleTokensPurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if err := readJSON(r, &req); err != nil || req.TeamID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "teamId_required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_amount")
		return
	}

	balance, err := s.ledger.AddPurchasedTokens(r.Context(), req.TeamID, req.Amount)
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrAccountNotFound) {
			writeError(w, http.StatusNotFound, "team_not_found")
			return
		}
		s.logger.Error("token purchase failed", "teamId", req.TeamID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "balance": balance})
}
