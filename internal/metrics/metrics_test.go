package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

func TestHTTPMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(HTTPMiddleware)
	r.Get("/campaigns/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/campaigns/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/campaigns/7", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequests.WithLabelValues("GET", "/campaigns/{id}", "418")))
}

func TestDispatchCounters(t *testing.T) {
	before := testutil.ToFloat64(dispatchAttempts.WithLabelValues("sent"))
	IncDispatchOutcome("sent")
	assert.Equal(t, before+1, testutil.ToFloat64(dispatchAttempts.WithLabelValues("sent")))

	SetRiskScore(3, 72)
	assert.Equal(t, float64(72), testutil.ToFloat64(riskScore.WithLabelValues("3")))
}

type fakeLister map[model.CampaignStatus][]int

func (f fakeLister) ListIDsByStatus(_ context.Context, s model.CampaignStatus) ([]int, error) {
	return f[s], nil
}

func TestUpdateStatusGauges(t *testing.T) {
	updateStatusGauges(context.Background(), fakeLister{model.CampaignRunning: {1, 2}}, zerolog.Nop())

	assert.Equal(t, float64(2), testutil.ToFloat64(campaignStatus.WithLabelValues("running")))
	assert.Equal(t, float64(0), testutil.ToFloat64(campaignStatus.WithLabelValues("paused")))
}

func TestRegisterIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}
