package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware("/teapot", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/teapot", nil))

	assert.Contains(t, scrape(t), `contentflow_http_requests_total{method="GET",path="/teapot",status="418"} 1`)
}

func TestHandlerExposesNamespace(t *testing.T) {
	RequestsTotal.WithLabelValues("openai", "generate", "ok").Inc()
	assert.Contains(t, scrape(t), "contentflow_orchestrator_requests_total")
}
