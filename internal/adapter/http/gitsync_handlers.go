package http

import (
	"net/http"
	"strconv"

	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/corrctx"
	"github.com/fleetgate/gateway/internal/domain/syncop"
	"github.com/fleetgate/gateway/internal/service"
)

// GitSyncHandlers exposes the git-sync operation scheduler (§4.E) over HTTP.
type GitSyncHandlers struct {
	svc *service.GitSyncService
}

// NewGitSyncHandlers constructs a GitSyncHandlers.
func NewGitSyncHandlers(svc *service.GitSyncService) *GitSyncHandlers {
	return &GitSyncHandlers{svc: svc}
}

type queueOpRequest struct {
	RepositoryID string `json:"repositoryId"`
	AgentID      string `json:"agentId"`
	Operation    string `json:"operation"`
	Branch       string `json:"branch"`
	Priority     int    `json:"priority"`
}

func (h *GitSyncHandlers) Queue(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[queueOpRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, body.RepositoryID, "repositoryId") || !requireField(w, r, body.Operation, "operation") {
		return
	}
	req := syncop.Request{
		RepositoryID:  body.RepositoryID,
		AgentID:       body.AgentID,
		Operation:     syncop.Kind(body.Operation),
		Branch:        body.Branch,
		Priority:      body.Priority,
		CorrelationID: corrctx.CorrelationID(r.Context()),
	}
	op, err := h.svc.Queue(r.Context(), req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusAccepted, op)
}

func (h *GitSyncHandlers) Cancel(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	agentID := r.URL.Query().Get("agentId")
	cancelled, err := h.svc.Cancel(r.Context(), id, agentID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if !cancelled {
		writeAppError(w, r, apperr.New(apperr.KindConflict, "operation %s could not be cancelled", id))
		return
	}
	writeData(w, r, http.StatusOK, map[string]bool{"cancelled": true})
}

func (h *GitSyncHandlers) Get(w http.ResponseWriter, r *http.Request) {
	op, ok := h.svc.GetOperation(urlParam(r, "id"))
	if !ok {
		writeAppError(w, r, apperr.New(apperr.KindNotFound, "operation not found"))
		return
	}
	writeData(w, r, http.StatusOK, op)
}

func (h *GitSyncHandlers) Queued(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.svc.GetQueued(r.URL.Query().Get("repositoryId")))
}

func (h *GitSyncHandlers) Running(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.svc.GetRunning(r.URL.Query().Get("repositoryId")))
}

func (h *GitSyncHandlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.svc.GetQueueStats(r.URL.Query().Get("repositoryId")))
}

func (h *GitSyncHandlers) History(w http.ResponseWriter, r *http.Request) {
	repositoryID := r.URL.Query().Get("repositoryId")
	if !requireField(w, r, repositoryID, "repositoryId") {
		return
	}
	filter := syncop.HistoryFilter{
		Branch: r.URL.Query().Get("branch"),
		Status: syncop.Status(r.URL.Query().Get("status")),
	}
	if limitParam := r.URL.Query().Get("limit"); limitParam != "" {
		if limit, err := strconv.Atoi(limitParam); err == nil {
			filter.Limit = limit
		}
	}
	history, err := h.svc.GetHistory(r.Context(), repositoryID, filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, history)
}
