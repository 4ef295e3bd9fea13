// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
	"github.com/unclebandit/campaign-dispatch/internal/service"
)

// CampaignController serves the operator actions on campaigns.
type CampaignController struct {
	CampaignService *service.CampaignService
	Log             zerolog.Logger
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body service.CreateCampaignInput
	if !decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.CreateCampaign(r.Context(), body)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

func (c *CampaignController) AddRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		RecipientIDs []int `json:"recipient_ids"`
	}
	if !decode(w, r, &body) {
		return
	}

	added, err := c.CampaignService.AddRecipients(r.Context(), id, body.RecipientIDs)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": id,
		"added":       added,
	})
}

func (c *CampaignController) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}

	campaign, err := c.CampaignService.ScheduleCampaign(r.Context(), id, body.ScheduledAt)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) StartCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.StartCampaign(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, campaign)
}

func (c *CampaignController) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	id, reason, ok := idAndReason(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.PauseCampaign(r.Context(), id, reason)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.ResumeCampaign(r.Context(), id)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, campaign)
}

func (c *CampaignController) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, reason, ok := idAndReason(w, r)
	if !ok {
		return
	}
	campaign, err := c.CampaignService.CancelCampaign(r.Context(), id, reason)
	if err != nil {
		c.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, campaign)
}

func (c *CampaignController) PersonalizedPreview(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}

	var body struct {
		RecipientID      int     `json:"recipient_id"`
		OverrideTemplate *string `json:"override_template"`
	}
	if !decode(w, r, &body) {
		return
	}

	rendered, err := c.CampaignService.RenderPreview(r.Context(), id, body.RecipientID, body.OverrideTemplate)
	if err != nil {
		c.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rendered_message": rendered,
		"used_template":    body.OverrideTemplate,
		"recipient_id":     body.RecipientID,
	})
}

func (c *CampaignController) ValidateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Template     string   `json:"template"`
		RequiredVars []string `json:"required_vars"`
	}
	if !decode(w, r, &body) {
		return
	}
	writeJSON(w, http.StatusOK, c.CampaignService.ValidateTemplate(body.Template, body.RequiredVars))
}

// RecordSignal accepts reply and block reports from the inbound channel.
func (c *CampaignController) RecordSignal(w http.ResponseWriter, r *http.Request) {
	id, ok := campaignID(w, r)
	if !ok {
		return
	}
	var body struct {
		RecipientID int    `json:"recipient_id"`
		Kind        string `json:"kind"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := c.CampaignService.RecordSignal(r.Context(), id, body.RecipientID, body.Kind); err != nil {
		c.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) fail(w http.ResponseWriter, err error) {
	code := appErrors.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		c.Log.Error().Err(err).Msg("❌ request failed")
	}
	http.Error(w, err.Error(), code)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return false
	}
	return true
}

func idAndReason(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	id, ok := campaignID(w, r)
	if !ok {
		return 0, "", false
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return 0, "", false
	}
	return id, body.Reason, true
}

func campaignID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		http.Error(w, "invalid campaign id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
