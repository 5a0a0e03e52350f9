package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taybat_back_end/internal/catalog"
	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/drivers"
	"taybat_back_end/internal/eligibility"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/handlers"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/lock"
	"taybat_back_end/internal/metrics"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orderflow"
	"taybat_back_end/internal/orders"
	"taybat_back_end/internal/payments"
	"taybat_back_end/internal/pricing"
	"taybat_back_end/internal/realtime"
	"taybat_back_end/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("routes-secret")

type api struct {
	t     *testing.T
	r     *gin.Engine
	store *store.Memory
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	cat := catalog.NewMemory()
	cat.PutItem(catalog.ItemSnapshot{ItemID: "burger", Name: "Burger", Price: 500, RestaurantID: "r1", Available: true})
	cat.PutItem(catalog.ItemSnapshot{ItemID: "fries", Name: "Frites", Price: 300, RestaurantID: "r1", Available: true})

	ids := identity.NewStatic().
		Grant("admin-1", identity.RoleAdmin).
		Grant("seller-1", identity.RoleSeller).
		ApproveDriver("d1")
	dir := drivers.NewMemory(models.DriverProfile{
		ID:                "d1",
		Approval:          models.ApprovalApproved,
		Vehicle:           models.VehicleBike,
		AcceptsFood:       true,
		Online:            true,
		Location:          &models.Location{Lat: 48.857, Lng: 2.353},
		LocationUpdatedAt: time.Now(),
		Rating:            5,
	})

	rec := &events.Recorder{}
	queue := dispatch.NewMemoryQueue()
	machine := orderflow.NewMachine(st, ids, rec)
	evaluator := eligibility.NewEvaluator(dir, ids, st, eligibility.Policy{RadiusKm: 10, WeightDistance: 1})
	sched := dispatch.NewScheduler(st, evaluator, machine, rec, queue, dispatch.Policy{
		Mode: dispatch.ModeBroadcast, AcceptWindow: time.Minute, MaxCycles: 3, RetryDelay: time.Second,
	})
	svc := orders.NewService(orders.Deps{
		Store:    st,
		Catalog:  cat,
		Coupons:  cat,
		Identity: ids,
		Drivers:  dir,
		Locker:   lock.NewKeyedMutex(),
		Machine:  machine,
		Dispatch: sched,
		Queue:    queue,
		Payments: payments.NewCoordinator(st, payments.NewMockGateway(), rec, payments.Retry{Attempts: 1}),
	}, orders.Config{Currency: "eur", FoodDeliveryFee: 200, Rates: pricing.DefaultRates()})

	r := gin.New()
	RegisterRoutes(r, Deps{
		Handler:   handlers.New(svc),
		Hub:       realtime.NewHub(),
		Metrics:   metrics.New(prometheus.NewRegistry()),
		Identity:  ids,
		JWTSecret: secret,
	})
	return &api{t: t, r: r, store: st}
}

func (a *api) do(method, path, userID string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"user_id": userID,
			"exp":     time.Now().Add(time.Hour).Unix(),
		}).SignedString(secret)
		require.NoError(a.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.r.ServeHTTP(w, req)

	var out map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w, out
}

func errorKind(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	kind, _ := e["kind"].(string)
	return kind
}

func checkoutBody() gin.H {
	return gin.H{
		"type":   "FOOD",
		"pickup": gin.H{"lat": 48.8566, "lng": 2.3522},
		"items": []gin.H{
			{"item_id": "burger", "quantity": 1},
			{"item_id": "fries", "quantity": 2},
		},
	}
}

func TestOrderFlowOverHTTP(t *testing.T) {
	t.Parallel()
	a := newAPI(t)

	w, body := a.do(http.MethodPost, "/api/orders", "c1", checkoutBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := body["order"].(map[string]interface{})
	orderID := order["order_id"].(string)
	assert.Equal(t, "DISPATCHING", order["status"])
	assert.Equal(t, "13.00", order["breakdown"].(map[string]interface{})["total"])

	w, _ = a.do(http.MethodGet, "/api/orders/"+orderID, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	suggestions, err := a.store.ListSuggestions(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, suggestions, 1)

	w, _ = a.do(http.MethodPost, "/api/driver/suggestions/"+suggestions[0].ID+"/accept", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, body = a.do(http.MethodPost, "/api/driver/suggestions/"+suggestions[0].ID+"/accept", "d1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "already_assigned", errorKind(body))

	w, _ = a.do(http.MethodPost, "/api/driver/orders/"+orderID+"/start", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w, body = a.do(http.MethodPost, "/api/driver/orders/"+orderID+"/complete", "d1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "COMPLETED", body["order"].(map[string]interface{})["status"])

	w, body = a.do(http.MethodPost, "/api/orders/"+orderID+"/refunds", "seller-1", gin.H{"amount": "20.00", "reason": "erreur"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "refund_exceeds_captured", errorKind(body))

	w, _ = a.do(http.MethodPost, "/api/orders/"+orderID+"/refunds", "c1", gin.H{"amount": "1.00", "reason": "erreur"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, body = a.do(http.MethodPost, "/api/orders/"+orderID+"/refunds", "seller-1", gin.H{"amount": "13.00", "reason": "commande froide"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "REFUNDED", body["order"].(map[string]interface{})["status"])

	w, body = a.do(http.MethodGet, "/api/orders/"+orderID+"/transactions", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["transactions"], 3)

	w, body = a.do(http.MethodGet, "/api/orders/"+orderID+"/history", "c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["history"], 7)
}

func TestCancelOverHTTP(t *testing.T) {
	t.Parallel()
	a := newAPI(t)

	_, body := a.do(http.MethodPost, "/api/orders", "c1", checkoutBody())
	orderID := body["order"].(map[string]interface{})["order_id"].(string)

	w, body := a.do(http.MethodPost, "/api/orders/"+orderID+"/cancel", "c1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "REFUNDED", body["order"].(map[string]interface{})["status"])

	w, body = a.do(http.MethodPost, "/api/orders/"+orderID+"/cancel", "c1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_transition", errorKind(body))
}

func TestRouteGuards(t *testing.T) {
	t.Parallel()
	a := newAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		status int
	}{
		{"health", http.MethodGet, "/health", "", http.StatusOK},
		{"checkout needs auth", http.MethodPost, "/api/orders", "", http.StatusUnauthorized},
		{"driver routes need approval", http.MethodPost, "/api/driver/online", "c1", http.StatusForbidden},
		{"admin routes need admin", http.MethodGet, "/api/admin/dispatch/manual-queue", "seller-1", http.StatusForbidden},
		{"admin queue", http.MethodGet, "/api/admin/dispatch/manual-queue", "admin-1", http.StatusOK},
		{"missing order", http.MethodGet, "/api/orders/nope", "admin-1", http.StatusNotFound},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			if tt.user != "" {
				token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": tt.user}).SignedString(secret)
				require.NoError(t, err)
				req.Header.Set("Authorization", "Bearer "+token)
			}
			a.r.ServeHTTP(w, req)
			if w.Code != tt.status {
				t.Fatalf("expected %v, got %v (%s)", tt.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestQuoteIsPublic(t *testing.T) {
	t.Parallel()
	a := newAPI(t)
	w, body := a.do(http.MethodPost, "/api/quotes", "", gin.H{
		"type":         "TAXI",
		"vehicle_type": "CAR",
		"pickup":       gin.H{"lat": 48.8566, "lng": 2.3522},
		"dropoff":      gin.H{"lat": 48.8738, "lng": 2.2950},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Greater(t, body["distance_km"].(float64), 0.0)
}
