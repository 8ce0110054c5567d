package http

import (
	"net/http"

	"github.com/fleetgate/gateway/internal/domain/profile"
	"github.com/fleetgate/gateway/internal/service"
)

const maxBodyBytes = 1 << 20 // 1MiB

// CAAMHandlers exposes the credential-pool rotator (§4.D) over HTTP.
type CAAMHandlers struct {
	svc *service.CAAMService
}

// NewCAAMHandlers constructs a CAAMHandlers.
func NewCAAMHandlers(svc *service.CAAMService) *CAAMHandlers {
	return &CAAMHandlers{svc: svc}
}

type createProfileRequest struct {
	WorkspaceID string   `json:"workspaceId"`
	Provider    string   `json:"provider"`
	Name        string   `json:"name"`
	AuthMode    string   `json:"authMode"`
	Labels      []string `json:"labels"`
}

func (h *CAAMHandlers) CreateProfile(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[createProfileRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, req.WorkspaceID, "workspaceId") || !requireField(w, r, req.Name, "name") {
		return
	}
	prof, err := h.svc.CreateProfile(r.Context(), req.WorkspaceID, profile.Provider(req.Provider), req.Name, profile.AuthMode(req.AuthMode), req.Labels)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, prof)
}

func (h *CAAMHandlers) ActivateProfile(w http.ResponseWriter, r *http.Request) {
	prof, err := h.svc.ActivateProfile(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, prof)
}

func (h *CAAMHandlers) MarkVerified(w http.ResponseWriter, r *http.Request) {
	prof, err := h.svc.MarkVerified(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, prof)
}

type setCooldownRequest struct {
	Minutes int    `json:"minutes"`
	Reason  string `json:"reason"`
}

func (h *CAAMHandlers) SetCooldown(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[setCooldownRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	prof, err := h.svc.SetCooldown(r.Context(), urlParam(r, "id"), req.Minutes, req.Reason)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, prof)
}

type rotateRequest struct {
	WorkspaceID string `json:"workspaceId"`
	Provider    string `json:"provider"`
	Reason      string `json:"reason"`
}

func (h *CAAMHandlers) Rotate(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[rotateRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, req.WorkspaceID, "workspaceId") || !requireField(w, r, req.Provider, "provider") {
		return
	}
	result, err := h.svc.Rotate(r.Context(), req.WorkspaceID, profile.Provider(req.Provider), req.Reason)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}

func (h *CAAMHandlers) PeekNext(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspaceId")
	providerParam := r.URL.Query().Get("provider")
	if !requireField(w, r, workspaceID, "workspaceId") || !requireField(w, r, providerParam, "provider") {
		return
	}
	prof, err := h.svc.PeekNextProfile(r.Context(), workspaceID, profile.Provider(providerParam))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, prof)
}

func (h *CAAMHandlers) ByoaStatus(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspaceId")
	if !requireField(w, r, workspaceID, "workspaceId") {
		return
	}
	status, err := h.svc.GetByoaStatus(r.Context(), workspaceID)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, status)
}

func (h *CAAMHandlers) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	type req struct {
		WorkspaceID string `json:"workspaceId"`
		Provider    string `json:"provider"`
		Error       string `json:"error"`
	}
	body, ok := readJSON[req](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, body.WorkspaceID, "workspaceId") || !requireField(w, r, body.Provider, "provider") {
		return
	}
	result, err := h.svc.HandleRateLimit(r.Context(), body.WorkspaceID, profile.Provider(body.Provider), body.Error)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, result)
}
