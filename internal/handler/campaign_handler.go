// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// CampaignHandler serves the read-only campaign views.
type CampaignHandler struct {
	Service *service.CampaignService
	Log     zerolog.Logger
}

func NewCampaignHandler(svc *service.CampaignService, log zerolog.Logger) *CampaignHandler {
	return &CampaignHandler{Service: svc, Log: log.With().Str("component", "campaign_handler").Logger()}
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	page, pageSize := pageParams(r)
	channel := r.URL.Query().Get("channel")
	status := r.URL.Query().Get("status")

	campaigns, pagination, err := h.Service.ListCampaigns(r.Context(), page, pageSize, channel, status)
	if err != nil {
		h.fail(w, "failed to fetch campaigns", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       campaigns,
		"pagination": pagination,
	})
}

// GetCampaignHandlerWithStats returns one campaign with its attempt counts
// and latest risk assessment.
func (h *CampaignHandler) GetCampaignHandlerWithStats(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	details, err := h.Service.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		h.fail(w, "failed to fetch campaign", err)
		return
	}
	writeJSON(w, http.StatusOK, details)
}

func (h *CampaignHandler) ListAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	page, pageSize := pageParams(r)

	attempts, pagination, err := h.Service.ListAttempts(r.Context(), id, r.URL.Query().Get("status"), page, pageSize)
	if err != nil {
		h.fail(w, "failed to fetch attempts", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":       attempts,
		"pagination": pagination,
	})
}

func (h *CampaignHandler) RiskHistoryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	history, err := h.Service.RiskHistory(r.Context(), id, limit)
	if err != nil {
		h.fail(w, "failed to fetch risk history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": history})
}

func (h *CampaignHandler) WarmupStatusHandler(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "id")
	status, err := h.Service.WarmupStatus(r.Context(), identity)
	if err != nil {
		h.fail(w, "failed to fetch warm-up status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *CampaignHandler) fail(w http.ResponseWriter, msg string, err error) {
	code := appErrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("❌ " + msg)
	}
	http.Error(w, msg+": "+err.Error(), code)
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	return page, pageSize
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
