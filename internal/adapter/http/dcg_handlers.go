package http

import (
	"net/http"
	"time"

	"github.com/fleetgate/gateway/internal/apperr"
	"github.com/fleetgate/gateway/internal/domain/dcg"
	"github.com/fleetgate/gateway/internal/service"
)

// DCGHandlers exposes the destructive-command-guard policy engine (§4.F)
// over HTTP.
type DCGHandlers struct {
	svc *service.DCGService
}

// NewDCGHandlers constructs a DCGHandlers.
func NewDCGHandlers(svc *service.DCGService) *DCGHandlers {
	return &DCGHandlers{svc: svc}
}

func (h *DCGHandlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.svc.GetConfig(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, cfg)
}

type updateConfigRequest struct {
	EnabledPacks  []string `json:"enabledPacks"`
	DisabledPacks []string `json:"disabledPacks"`
}

func (h *DCGHandlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[updateConfigRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	actor := resolveAuth(r).APIKeyID
	cfg, err := h.svc.UpdateConfig(r.Context(), actor, func(c *dcg.Config) {
		c.EnabledPacks = body.EnabledPacks
		c.DisabledPacks = body.DisabledPacks
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, cfg)
}

func (h *DCGHandlers) ListPacks(w http.ResponseWriter, r *http.Request) {
	packs, enabled, err := h.svc.ListPacks(r.Context())
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"packs": packs, "enabled": enabled})
}

func (h *DCGHandlers) EnablePack(w http.ResponseWriter, r *http.Request) {
	actor := resolveAuth(r).APIKeyID
	cfg, err := h.svc.EnablePack(r.Context(), urlParam(r, "name"), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, cfg)
}

func (h *DCGHandlers) DisablePack(w http.ResponseWriter, r *http.Request) {
	actor := resolveAuth(r).APIKeyID
	cfg, err := h.svc.DisablePack(r.Context(), urlParam(r, "name"), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, cfg)
}

type ingestRequest struct {
	AgentID  string `json:"agentId"`
	Command  string `json:"command"`
	Pack     string `json:"pack"`
	RuleID   string `json:"ruleId"`
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Reason   string `json:"reason"`
}

func (h *DCGHandlers) Ingest(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[ingestRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, body.Command, "command") {
		return
	}
	event, err := h.svc.Ingest(r.Context(), dcg.IngestRequest{
		AgentID:  body.AgentID,
		Command:  body.Command,
		Pack:     body.Pack,
		RuleID:   body.RuleID,
		Pattern:  body.Pattern,
		Severity: dcg.Severity(body.Severity),
		Reason:   body.Reason,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, event)
}

func (h *DCGHandlers) MarkFalsePositive(w http.ResponseWriter, r *http.Request) {
	actor := resolveAuth(r).APIKeyID
	event, err := h.svc.MarkFalsePositive(r.Context(), urlParam(r, "id"), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, event)
}

func (h *DCGHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	writeData(w, r, http.StatusOK, h.svc.GetStats(r.Context(), time.Now()))
}

type createExceptionRequest struct {
	Command string `json:"command"`
	RuleID  string `json:"ruleId"`
	Pack    string `json:"pack"`
	TTLSec  int    `json:"ttlSeconds"`
}

func (h *DCGHandlers) CreateException(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[createExceptionRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if !requireField(w, r, body.Command, "command") {
		return
	}
	ttl := time.Duration(body.TTLSec) * time.Second
	exception, err := h.svc.CreateException(r.Context(), body.Command, body.RuleID, body.Pack, ttl)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusCreated, exception)
}

func (h *DCGHandlers) ApproveException(w http.ResponseWriter, r *http.Request) {
	actor := resolveAuth(r).APIKeyID
	if actor == "" {
		writeAppError(w, r, apperr.New(apperr.KindUnauthenticated, "X-API-Key is required to approve an exception"))
		return
	}
	exception, err := h.svc.ApproveException(r.Context(), urlParam(r, "code"), actor)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, exception)
}

type redeemExceptionRequest struct {
	Command string `json:"command"`
}

func (h *DCGHandlers) RedeemException(w http.ResponseWriter, r *http.Request) {
	body, ok := readJSON[redeemExceptionRequest](w, r, maxBodyBytes)
	if !ok {
		return
	}
	if err := h.svc.RedeemException(r.Context(), urlParam(r, "code"), body.Command); err != nil {
		writeAppError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]bool{"redeemed": true})
}
