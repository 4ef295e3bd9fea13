package controller

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/unclebandit/campaign-dispatch/internal/handler"
	"github.com/unclebandit/campaign-dispatch/internal/metrics"
)

// NewRouter mounts the operator API, health and metrics endpoints.
func NewRouter(c *CampaignController, h *handler.CampaignHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)

	r.Get("/health", Health)
	r.Handle("/metrics", metrics.Handler())

	// Campaign routes
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", c.CreateCampaign)
		r.Get("/", h.ListCampaignsHandler)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaignHandlerWithStats)
			r.Post("/recipients", c.AddRecipients)
			r.Post("/schedule", c.ScheduleCampaign)
			r.Post("/start", c.StartCampaign)
			r.Post("/pause", c.PauseCampaign)
			r.Post("/resume", c.ResumeCampaign)
			r.Post("/cancel", c.CancelCampaign)
			r.Post("/personalized-preview", c.PersonalizedPreview)
			r.Post("/signals", c.RecordSignal)
			r.Get("/attempts", h.ListAttemptsHandler)
			r.Get("/risk", h.RiskHistoryHandler)
		})
	})

	r.Post("/templates/validate", c.ValidateTemplate)
	r.Get("/identities/{id}/warmup", h.WarmupStatusHandler)

	return r
}

func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
