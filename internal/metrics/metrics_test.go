package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func scrape(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("scrape returned %d", w.Code)
	}
	return w.Body.String()
}

func TestExporterServesDomainGauges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	// Gauges export their zero value before any observation.
	body := scrape(t, r)
	for _, name := range []string{
		"fairhold_active_websocket_clients",
		"fairhold_escrow_held_amount",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape missing gauge %s", name)
		}
	}
}

func TestCountersAppearAfterObservation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	TransactionsTotal.WithLabelValues("FUNDED").Inc()
	PaymentsReconciledTotal.WithLabelValues("stripe", "completed").Inc()

	body := scrape(t, r)
	for _, name := range []string{
		"fairhold_transactions_total",
		"fairhold_payments_reconciled_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("scrape missing counter %s", name)
		}
	}
}

func TestMiddlewareObservesRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/transactions/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/transactions/txn_1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("request returned %d", w.Code)
	}

	// The middleware labels by route pattern, not the raw URL, so one
	// series covers every transaction ID.
	body := scrape(t, r)
	if !strings.Contains(body, "fairhold_http_requests_total") {
		t.Error("scrape missing fairhold_http_requests_total")
	}
	if strings.Contains(body, "txn_1") {
		t.Error("metrics must not contain raw path parameters")
	}
}
