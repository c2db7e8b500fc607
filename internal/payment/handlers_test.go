package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(r *Reconciler, userID, role string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	g := e.Group("/v1")
	g.Use(func(c *gin.Context) {
		c.Set("userID", userID)
		c.Set("userRole", role)
	})
	NewHandler(r, nil).RegisterRoutes(g)
	return e
}

func seedPayment(t *testing.T, store *MemoryStore, id, txnID, userID string) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.Create(context.Background(), &Payment{
		ID:            id,
		TransactionID: txnID,
		UserID:        userID,
		Gateway:       "stripe",
		Reference:     "ref_" + id,
		Amount:        dec("102.50"),
		Currency:      "USD",
		Status:        StatusCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}))
}

func listedPayments(t *testing.T, e *gin.Engine, path string) []*Payment {
	t.Helper()
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest("GET", path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Payments []*Payment `json:"payments"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Payments
}

func TestGetPaymentHiddenFromNonOwner(t *testing.T) {
	r, store, _, _ := newTestReconciler(&fakeProvider{name: "stripe"})
	seedPayment(t, store, "pay_1", "txn_1", "buyer-1")

	w := httptest.NewRecorder()
	testRouter(r, "buyer-1", "user").ServeHTTP(w, httptest.NewRequest("GET", "/v1/payments/pay_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	testRouter(r, "stranger", "user").ServeHTTP(w, httptest.NewRequest("GET", "/v1/payments/pay_1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListByTransactionReturnsOwnPaymentsOnly(t *testing.T) {
	r, store, _, _ := newTestReconciler(&fakeProvider{name: "stripe"})
	seedPayment(t, store, "pay_1", "txn_1", "buyer-1")
	seedPayment(t, store, "pay_2", "txn_1", "buyer-2")

	own := listedPayments(t, testRouter(r, "buyer-1", "user"), "/v1/transactions/txn_1/payments")
	require.Len(t, own, 1)
	assert.Equal(t, "pay_1", own[0].ID)

	assert.Empty(t, listedPayments(t, testRouter(r, "stranger", "user"), "/v1/transactions/txn_1/payments"))

	assert.Len(t, listedPayments(t, testRouter(r, "ops-1", "admin"), "/v1/transactions/txn_1/payments"), 2)
}
