package orders

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/catalog"
	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/drivers"
	"taybat_back_end/internal/eligibility"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/lock"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orderflow"
	"taybat_back_end/internal/payments"
	"taybat_back_end/internal/pricing"
	"taybat_back_end/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type env struct {
	svc     *Service
	store   *store.Memory
	catalog *catalog.Memory
	gateway *payments.MockGateway
	events  *events.Recorder
	queue   *dispatch.MemoryQueue
	clock   *clock
}

var restaurant = &models.Location{Lat: 48.8566, Lng: 2.3522}

func newEnv(t *testing.T, policy dispatch.Policy, driverIDs ...string) *env {
	t.Helper()
	e := &env{
		store:   store.NewMemory(),
		catalog: catalog.NewMemory(),
		gateway: payments.NewMockGateway(),
		events:  &events.Recorder{},
		queue:   dispatch.NewMemoryQueue(),
		clock:   &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	e.catalog.PutItem(catalog.ItemSnapshot{ItemID: "burger", Name: "Burger", Price: 500, RestaurantID: "r1", Available: true})
	e.catalog.PutItem(catalog.ItemSnapshot{ItemID: "fries", Name: "Frites", Price: 300, RestaurantID: "r1", Available: true})

	ids := identity.NewStatic().
		Grant("admin-1", identity.RoleAdmin).
		Grant("seller-1", identity.RoleSeller)
	dir := drivers.NewMemory()
	for _, id := range driverIDs {
		ids.ApproveDriver(id)
		dir.Put(models.DriverProfile{
			ID:                id,
			Approval:          models.ApprovalApproved,
			Vehicle:           models.VehicleBike,
			AcceptsFood:       true,
			Online:            true,
			Location:          &models.Location{Lat: 48.857, Lng: 2.353},
			LocationUpdatedAt: e.clock.Now(),
			Rating:            4.8,
		})
	}

	machine := orderflow.NewMachine(e.store, ids, e.events).WithClock(e.clock.Now)
	evaluator := eligibility.NewEvaluator(dir, ids, e.store, eligibility.Policy{RadiusKm: 10, WeightDistance: 1}).
		WithClock(e.clock.Now)
	sched := dispatch.NewScheduler(e.store, evaluator, machine, e.events, e.queue, policy).WithClock(e.clock.Now)
	pay := payments.NewCoordinator(e.store, e.gateway, e.events, payments.Retry{Attempts: 2}).WithClock(e.clock.Now)

	e.svc = NewService(Deps{
		Store:    e.store,
		Catalog:  e.catalog,
		Coupons:  e.catalog,
		Identity: ids,
		Drivers:  dir,
		Locker:   lock.NewKeyedMutex(),
		Machine:  machine,
		Dispatch: sched,
		Queue:    e.queue,
		Payments: pay,
	}, Config{Currency: "eur", FoodDeliveryFee: 200, Rates: pricing.DefaultRates()}).WithClock(e.clock.Now)
	return e
}

func broadcast() dispatch.Policy {
	return dispatch.Policy{Mode: dispatch.ModeBroadcast, AcceptWindow: 30 * time.Second, MaxCycles: 3, RetryDelay: 10 * time.Second}
}

func foodCheckout() CheckoutRequest {
	return CheckoutRequest{
		Type:   models.OrderTypeFood,
		Pickup: restaurant,
		Items: []CheckoutItem{
			{ItemID: "burger", Quantity: 1},
			{ItemID: "fries", Quantity: 2},
		},
	}
}

func (e *env) checkout(t *testing.T) *models.Order {
	t.Helper()
	res, err := e.svc.Checkout(context.Background(), "c1", foodCheckout())
	require.NoError(t, err)
	return res.Order
}

func (e *env) pending(t *testing.T, orderID string) []models.OrderDriverSuggestion {
	t.Helper()
	list, err := e.store.ListSuggestions(context.Background(), orderID)
	require.NoError(t, err)
	var out []models.OrderDriverSuggestion
	for _, s := range list {
		if s.Status == models.SuggestionPending {
			out = append(out, s)
		}
	}
	return out
}

func (e *env) ledger(t *testing.T, orderID string) models.Ledger {
	t.Helper()
	txs, err := e.store.ListTransactions(context.Background(), orderID)
	require.NoError(t, err)
	return models.BuildLedger(txs)
}

func TestCheckoutThirteenDollars(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1", "d2")

	o := e.checkout(t)
	assert.Equal(t, models.Money(1100), o.Breakdown.Subtotal)
	assert.Equal(t, models.Money(200), o.Breakdown.DeliveryFee)
	assert.Equal(t, models.Money(1300), o.Breakdown.Total)
	assert.Equal(t, "r1", o.RestaurantID)
	assert.Equal(t, models.StatusDispatching, o.Status)

	assert.Equal(t, models.Money(1300), e.ledger(t, o.ID).Authorized)
	assert.Len(t, e.pending(t, o.ID), 2)
	assert.Len(t, e.events.OfType(events.OrderCreated), 1)
	assert.Len(t, e.events.OfType(events.DriverSuggested), 2)
}

func TestPriceStableAfterCatalogEdit(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")

	o := e.checkout(t)
	e.catalog.PutItem(catalog.ItemSnapshot{ItemID: "burger", Name: "Burger XL", Price: 900, RestaurantID: "r1", Available: true})

	got, err := e.svc.Get(context.Background(), "c1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.Money(1300), got.Breakdown.Total)
	assert.Equal(t, "Burger", got.Items[0].Name)
	assert.Equal(t, models.Money(500), got.Items[0].UnitPrice)
}

func TestCheckoutValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	e.catalog.PutItem(catalog.ItemSnapshot{ItemID: "pizza", Price: 900, RestaurantID: "r2", Available: true})
	e.catalog.PutItem(catalog.ItemSnapshot{ItemID: "gone", Price: 900, RestaurantID: "r1"})

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{"no items", CheckoutRequest{Type: models.OrderTypeFood}},
		{"zero quantity", CheckoutRequest{Type: models.OrderTypeFood, Items: []CheckoutItem{{ItemID: "burger"}}}},
		{"two restaurants", CheckoutRequest{Type: models.OrderTypeFood, Items: []CheckoutItem{{ItemID: "burger", Quantity: 1}, {ItemID: "pizza", Quantity: 1}}}},
		{"unavailable", CheckoutRequest{Type: models.OrderTypeFood, Items: []CheckoutItem{{ItemID: "gone", Quantity: 1}}}},
		{"taxi without addresses", CheckoutRequest{Type: models.OrderTypeTaxi, Vehicle: models.VehicleCar}},
		{"unknown type", CheckoutRequest{Type: "BOAT"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := e.svc.Checkout(context.Background(), "c1", tt.req)
			require.ErrorIs(t, err, apperr.ErrValidation)
			assert.Nil(t, res)
		})
	}
}

func TestConcurrentAcceptAssignsOnce(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1", "d2", "d3", "d4")
	o := e.checkout(t)
	offers := e.pending(t, o.ID)
	require.Len(t, offers, 4)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for _, sug := range offers {
		sug := sug
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.svc.AcceptSuggestion(context.Background(), sug.DriverID, sug.ID); err == nil {
				mu.Lock()
				wins = append(wins, sug.DriverID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := e.svc.Get(context.Background(), "c1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDriverAssigned, got.Status)
	assert.Equal(t, wins[0], got.AssignedDriver())

	history, err := e.svc.History(context.Background(), "c1", o.ID)
	require.NoError(t, err)
	assigned := 0
	for _, h := range history {
		if h.To == models.StatusDriverAssigned {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Empty(t, e.pending(t, o.ID))
}

func TestCancelBeforeAssignmentReleasesHold(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1", "d2")
	ctx := context.Background()
	o := e.checkout(t)

	_, err := e.svc.Cancel(ctx, "stranger", o.ID, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err := e.svc.Cancel(ctx, "c1", o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)
	assert.Equal(t, "annulée par le client", got.FailureReason)

	list, err := e.store.ListSuggestions(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, s := range list {
		assert.Equal(t, models.SuggestionExpired, s.Status)
	}

	l := e.ledger(t, o.ID)
	assert.Equal(t, l.Authorized, l.Released)
	assert.Zero(t, l.Captured)

	// une acceptation tardive ne passe plus
	_, err = e.svc.AcceptSuggestion(ctx, list[0].DriverID, list[0].ID)
	require.Error(t, err)

	history, err := e.store.ListHistory(ctx, o.ID)
	require.NoError(t, err)
	replayed, err := orderflow.Replay(history)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, replayed)
}

func TestFullLifecycleAndRefundBounds(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	ctx := context.Background()
	o := e.checkout(t)
	offer := e.pending(t, o.ID)[0]

	_, err := e.svc.AcceptSuggestion(ctx, "d1", offer.ID)
	require.NoError(t, err)

	_, err = e.svc.StartTrip(ctx, "d2", o.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = e.svc.StartTrip(ctx, "d1", o.ID)
	require.NoError(t, err)

	done, err := e.svc.CompleteTrip(ctx, "d1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, models.Money(1300), e.ledger(t, o.ID).Captured)
	assert.Len(t, e.events.OfType(events.PaymentCaptured), 1)

	cur, err := e.store.DriverAssignment(ctx, "d1")
	require.NoError(t, err)
	assert.Empty(t, cur)

	before, err := e.store.ListTransactions(ctx, o.ID)
	require.NoError(t, err)

	_, _, err = e.svc.Refund(ctx, "c1", o.ID, 500, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, _, err = e.svc.Refund(ctx, "seller-1", o.ID, 2000, "erreur")
	require.ErrorIs(t, err, apperr.ErrRefundExceedsCaptured)
	after, err := e.store.ListTransactions(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	tx, got, err := e.svc.Refund(ctx, "seller-1", o.ID, 300, "boisson manquante")
	require.NoError(t, err)
	assert.Equal(t, models.Money(300), tx.Amount)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, got, err = e.svc.Refund(ctx, "admin-1", o.ID, 1000, "geste commercial")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)

	l := e.ledger(t, o.ID)
	assert.LessOrEqual(t, int64(l.Captured-l.Refunded), int64(l.Authorized))
	assert.Zero(t, l.Refundable())
}

func TestDeclinedCheckoutCancelsOrder(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	e.gateway.FailNext("authorize", fmt.Errorf("%w: fonds insuffisants", apperr.ErrPaymentDeclined))

	res, err := e.svc.Checkout(context.Background(), "c1", foodCheckout())
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)
	require.NotNil(t, res)
	assert.Equal(t, models.StatusCancelled, res.Order.Status)
	assert.Equal(t, "paiement refusé", res.Order.FailureReason)
	assert.Empty(t, e.pending(t, res.Order.ID))
}

func TestCaptureOutageNeedsAdmin(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	ctx := context.Background()
	o := e.checkout(t)
	offer := e.pending(t, o.ID)[0]
	_, err := e.svc.AcceptSuggestion(ctx, "d1", offer.ID)
	require.NoError(t, err)
	_, err = e.svc.StartTrip(ctx, "d1", o.ID)
	require.NoError(t, err)

	outage := fmt.Errorf("%w: 503", apperr.ErrPaymentUnavailable)
	e.gateway.FailNext("capture", outage, outage)
	got, err := e.svc.CompleteTrip(ctx, "d1", o.ID)
	require.ErrorIs(t, err, apperr.ErrPaymentUnavailable)
	assert.Equal(t, models.StatusFailedDependency, got.Status)

	_, err = e.svc.Cancel(ctx, "c1", o.ID, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = e.svc.AdminComplete(ctx, "c1", o.ID)
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err = e.svc.AdminComplete(ctx, "admin-1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 1, e.gateway.Effects("capture"))
	assert.Equal(t, models.Money(1300), e.ledger(t, o.ID).Captured)
}

func TestSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1", "d2")
	ctx := context.Background()
	o := e.checkout(t)

	report, err := e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)

	e.clock.Advance(31 * time.Second)
	report, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Expired)
	assert.Zero(t, report.Offered)

	report, err = e.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Expired)
	assert.Zero(t, report.Offered)

	got, err := e.svc.Get(ctx, "c1", o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDispatching, got.Status)
}

func TestExhaustedDispatchCancelsAndRefunds(t *testing.T) {
	t.Parallel()
	policy := broadcast()
	policy.MaxCycles = 1
	policy.OnExhausted = dispatch.ExhaustedCancel
	e := newEnv(t, policy) // aucun livreur

	o := e.checkout(t)
	assert.Equal(t, models.StatusRefunded, o.Status)
	assert.Equal(t, "aucun livreur disponible", o.FailureReason)
	l := e.ledger(t, o.ID)
	assert.Equal(t, l.Authorized, l.Released)
	assert.Len(t, e.events.OfType(events.DispatchExhausted), 1)
}

func TestManualQueueAndAdminAssign(t *testing.T) {
	t.Parallel()
	policy := broadcast()
	policy.MaxCycles = 1
	e := newEnv(t, policy)
	ctx := context.Background()

	o := e.checkout(t)
	assert.Equal(t, models.StatusDispatching, o.Status)

	_, err := e.svc.ManualQueue(ctx, "c1")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	queued, err := e.svc.ManualQueue(ctx, "admin-1")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, o.ID, queued[0].ID)

	_, err = e.svc.AdminAssign(ctx, "admin-1", o.ID, "unknown-driver")
	require.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDriverOnlineRequiresApproval(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	ctx := context.Background()

	require.NoError(t, e.svc.SetDriverOnline(ctx, "d1", false))
	require.NoError(t, e.svc.SetDriverOnline(ctx, "d1", true))
	require.ErrorIs(t, e.svc.SetDriverOnline(ctx, "nobody", true), apperr.ErrValidation)
	require.ErrorIs(t, e.svc.UpdateDriverLocation(ctx, "d1", models.Location{Lat: 91}), apperr.ErrValidation)
	require.NoError(t, e.svc.UpdateDriverLocation(ctx, "d1", models.Location{Lat: 48.86, Lng: 2.35}))
}

func TestRefundOutageOnCancelNeedsAdmin(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	ctx := context.Background()
	o := e.checkout(t)

	outage := fmt.Errorf("%w: 503", apperr.ErrPaymentUnavailable)
	e.gateway.FailNext("refund", outage, outage)
	got, err := e.svc.Cancel(ctx, "c1", o.ID, "")
	require.ErrorIs(t, err, apperr.ErrPaymentUnavailable)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusFailedDependency, got.Status)
	assert.Equal(t, "remboursement impossible", got.FailureReason)
	assert.Equal(t, models.Money(1300), e.ledger(t, o.ID).Capturable())
	assert.Empty(t, e.pending(t, o.ID))

	_, err = e.svc.Cancel(ctx, "c1", o.ID, "")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	got, err = e.svc.AdminCancel(ctx, "admin-1", o.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRefunded, got.Status)

	l := e.ledger(t, o.ID)
	assert.Equal(t, l.Authorized, l.Released)
	assert.Equal(t, 1, e.gateway.Effects("refund"))

	txs, err := e.store.ListTransactions(ctx, o.ID)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Kind == models.TxRefund {
			refunds++
			assert.Equal(t, "order:"+o.ID+":refund:1", tx.IdempotencyKey)
		}
	}
	assert.Equal(t, 1, refunds)
}

func TestUnpaidOrdersGiveCouponBack(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	e.catalog.PutCoupon(models.Coupon{Code: "ONCE", Kind: models.CouponFixed, AmountOff: 100, MaxUses: 1, IsActive: true})
	ctx := context.Background()
	used := func() int {
		c, err := e.catalog.GetCoupon(ctx, "ONCE")
		require.NoError(t, err)
		return c.UsedCount
	}
	req := foodCheckout()
	req.CouponCode = "once"

	e.gateway.FailNext("authorize", fmt.Errorf("%w: carte refusée", apperr.ErrPaymentDeclined))
	_, err := e.svc.Checkout(ctx, "c1", req)
	require.ErrorIs(t, err, apperr.ErrPaymentDeclined)
	assert.Zero(t, used())

	res, err := e.svc.Checkout(ctx, "c1", req)
	require.NoError(t, err)
	assert.Equal(t, models.Money(1200), res.Order.Breakdown.Total)
	assert.Equal(t, 1, used())

	_, err = e.svc.Cancel(ctx, "c1", res.Order.ID, "")
	require.NoError(t, err)
	assert.Zero(t, used())
}

func TestRunReportsEverySweep(t *testing.T) {
	t.Parallel()
	e := newEnv(t, broadcast(), "d1")
	e.checkout(t)

	reports := make(chan SweepReport, 16)
	e.svc.OnSweep(func(r SweepReport) {
		select {
		case reports <- r:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.svc.Run(ctx, 5*time.Millisecond) }()

	for i := 0; i < 2; i++ {
		select {
		case r := <-reports:
			assert.Equal(t, 1, r.Orders)
		case <-time.After(2 * time.Second):
			t.Fatalf("expected a sweep report, got none")
		}
	}
	cancel()
	require.NoError(t, <-done)
}
