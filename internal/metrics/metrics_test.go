package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/markets/{marketID}/queue", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	for _, id := range []string{"BTC-USD-PERP", "ETH-USD-PERP"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/markets/"+id+"/queue", nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `atmx_http_requests_total{method="GET",path="/api/v1/markets/{marketID}/queue",status="418"} 2`)
	assert.NotContains(t, body, "BTC-USD-PERP/queue")
}
