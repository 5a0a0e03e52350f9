package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/catalog"
	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/drivers"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/lock"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orderflow"
	"taybat_back_end/internal/payments"
	"taybat_back_end/internal/pricing"
	"taybat_back_end/internal/store"

	"github.com/google/uuid"
)

type Config struct {
	Currency        string
	FoodDeliveryFee models.Money
	ServiceFee      models.Money
	Rates           pricing.RateTable
	CatalogRetry    payments.Retry
}

type Deps struct {
	Store    store.Store
	Catalog  catalog.Catalog
	Coupons  catalog.Coupons
	Identity identity.Checker
	Drivers  drivers.Directory
	Locker   lock.Locker
	Machine  *orderflow.Machine
	Dispatch *dispatch.Scheduler
	Queue    dispatch.ManualQueue
	Payments *payments.Coordinator
}

// Service : points d'entrée du cycle de vie. Toute opération qui modifie une
// commande s'exécute sous son verrou.
type Service struct {
	Deps
	cfg     Config
	now     func() time.Time
	onSweep func(SweepReport)
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "eur"
	}
	if cfg.CatalogRetry.Attempts <= 0 {
		cfg.CatalogRetry.Attempts = 1
	}
	return &Service{Deps: d, cfg: cfg, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type CheckoutItem struct {
	ItemID   string `json:"item_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required"`
}

type CheckoutRequest struct {
	Type          models.OrderType   `json:"type" binding:"required"`
	Items         []CheckoutItem     `json:"items"`
	CouponCode    string             `json:"coupon_code"`
	Pickup        *models.Location   `json:"pickup"`
	Dropoff       *models.Location   `json:"dropoff"`
	Vehicle       models.VehicleType `json:"vehicle_type"`
	WeightKg      *float64           `json:"weight_kg"`
	Tip           models.Money       `json:"tip"`
	PaymentMethod string             `json:"payment_method"`
}

type CheckoutResult struct {
	Order        *models.Order `json:"order"`
	ClientSecret string        `json:"client_secret,omitempty"`
}

// Checkout fige les prix, crée la commande, pose l'empreinte puis lance le dispatch.
// En cas d'échec après création, la commande est retournée avec l'erreur.
func (s *Service) Checkout(ctx context.Context, customerID string, req CheckoutRequest) (*CheckoutResult, error) {
	o := &models.Order{
		ID:         uuid.NewString(),
		CustomerID: customerID,
		Type:       req.Type,
		Currency:   s.cfg.Currency,
		Pickup:     req.Pickup,
		Dropoff:    req.Dropoff,
	}

	switch req.Type {
	case models.OrderTypeFood:
		if err := s.priceFood(ctx, o, req); err != nil {
			return nil, err
		}
	case models.OrderTypeTaxi, models.OrderTypeShipping:
		if req.Pickup == nil || req.Dropoff == nil {
			return nil, apperr.Validationf("adresses de départ et d'arrivée requises")
		}
		q, err := s.cfg.Rates.Quote(pricing.QuoteRequest{
			Type:     req.Type,
			Vehicle:  req.Vehicle,
			Pickup:   *req.Pickup,
			Dropoff:  *req.Dropoff,
			WeightKg: req.WeightKg,
			Tip:      req.Tip,
		})
		if err != nil {
			return nil, err
		}
		o.Breakdown = q.Breakdown
		o.DistanceKm = q.DistanceKm
		o.RequestedVehicle = req.Vehicle
	default:
		return nil, apperr.Validationf("type de commande inconnu %q", req.Type)
	}

	if o.CouponCode != "" {
		if err := s.Coupons.RedeemCoupon(ctx, o.CouponCode); err != nil {
			return nil, err
		}
	}

	unlock, err := s.Locker.Lock(ctx, lock.OrderKey(o.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.Machine.Create(ctx, o, customerID); err != nil {
		return nil, err
	}

	_, res, err := s.Payments.Authorize(ctx, o, req.PaymentMethod)
	if err != nil {
		o = s.paymentFailed(ctx, o, err)
		return &CheckoutResult{Order: o}, err
	}

	o, err = s.Machine.Apply(ctx, o, orderflow.Transition{Event: orderflow.EventAuthorize, Actor: orderflow.ActorSystem})
	if err != nil {
		return nil, err
	}

	next, out, err := s.Dispatch.Start(ctx, o)
	if next != nil {
		o = next
	}
	o, err = s.afterDispatch(ctx, o, out, err)
	result := &CheckoutResult{Order: o, ClientSecret: res.ClientSecret}
	if err != nil {
		return result, err
	}
	log.Printf("✅ Commande %s créée (%s, total %s)", o.ID, o.Type, o.Breakdown.Total)
	return result, nil
}

func (s *Service) priceFood(ctx context.Context, o *models.Order, req CheckoutRequest) error {
	if len(req.Items) == 0 {
		return apperr.Validationf("la commande doit contenir au moins un article")
	}

	items := make([]models.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		snap, err := s.snapshot(ctx, it.ItemID)
		if err != nil {
			return err
		}
		if !snap.Available {
			return apperr.Validationf("article %s indisponible", it.ItemID)
		}
		if o.RestaurantID == "" {
			o.RestaurantID = snap.RestaurantID
		} else if snap.RestaurantID != o.RestaurantID {
			return apperr.Validationf("tous les articles doivent venir du même restaurant")
		}
		items = append(items, models.OrderItem{
			ItemID:       snap.ItemID,
			Name:         snap.Name,
			UnitPrice:    snap.Price,
			Quantity:     it.Quantity,
			RestaurantID: snap.RestaurantID,
		})
	}

	var coupon *models.Coupon
	if req.CouponCode != "" {
		c, err := s.Coupons.GetCoupon(ctx, req.CouponCode)
		if err != nil {
			return err
		}
		coupon = c
		o.CouponCode = c.Code
	}

	breakdown, err := pricing.Price(items, coupon, pricing.Fees{
		DeliveryFee: s.cfg.FoodDeliveryFee,
		ServiceFee:  s.cfg.ServiceFee,
		Tip:         req.Tip,
	}, s.now())
	if err != nil {
		return err
	}
	o.Items = items
	o.Breakdown = breakdown
	return nil
}

// snapshot lit le catalogue avec quelques nouvelles tentatives si indisponible.
func (s *Service) snapshot(ctx context.Context, itemID string) (catalog.ItemSnapshot, error) {
	wait := s.cfg.CatalogRetry.Backoff
	var err error
	for attempt := 1; attempt <= s.cfg.CatalogRetry.Attempts; attempt++ {
		var snap catalog.ItemSnapshot
		snap, err = s.Catalog.GetItemSnapshot(ctx, itemID)
		if err == nil || !errors.Is(err, apperr.ErrCatalogUnavailable) {
			return snap, err
		}
		if attempt < s.cfg.CatalogRetry.Attempts {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return catalog.ItemSnapshot{}, ctx.Err()
			}
			wait *= 2
		}
	}
	return catalog.ItemSnapshot{}, err
}

// paymentFailed : un refus annule la commande, une indisponibilité persistante
// la passe en FAILED_DEPENDENCY.
func (s *Service) paymentFailed(ctx context.Context, o *models.Order, cause error) *models.Order {
	t := orderflow.Transition{Event: orderflow.EventFailDependency, Actor: orderflow.ActorSystem, Reason: "service de paiement indisponible"}
	if errors.Is(cause, apperr.ErrPaymentDeclined) {
		t = orderflow.Transition{Event: orderflow.EventCancel, Actor: orderflow.ActorSystem, Reason: "paiement refusé"}
	}
	next, err := s.Machine.Apply(ctx, o, t)
	if err != nil {
		log.Printf("❌ Commande %s: impossible d'enregistrer l'échec de paiement: %v", o.ID, err)
		return o
	}
	if next.Status == models.StatusCancelled {
		s.releaseCoupon(ctx, next)
	}
	return next
}

// releaseCoupon rend l'usage du coupon d'une commande annulée sans encaissement.
func (s *Service) releaseCoupon(ctx context.Context, o *models.Order) {
	if o.CouponCode == "" {
		return
	}
	if err := s.Coupons.ReleaseCoupon(ctx, o.CouponCode); err != nil {
		log.Printf("⚠️ Coupon %s de la commande %s non rendu: %v", o.CouponCode, o.ID, err)
	}
}

// afterDispatch applique la politique d'épuisement : annulation ou file manuelle.
func (s *Service) afterDispatch(ctx context.Context, o *models.Order, out dispatch.Outcome, err error) (*models.Order, error) {
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, apperr.ErrDispatchExhausted) {
		return o, err
	}
	if !out.Cancel {
		// file manuelle : la commande attend un admin, ce n'est pas une erreur pour l'appelant
		return o, nil
	}
	return s.cancel(ctx, o, orderflow.Transition{
		Event:  orderflow.EventCancel,
		Actor:  orderflow.ActorSystem,
		Reason: "aucun livreur disponible",
	})
}

// cancel expire les offres, rend l'argent (empreinte ou capture) puis annule.
// Un remboursement impossible laisse la commande en FAILED_DEPENDENCY :
// l'admin relance l'annulation, la transaction PENDING garde sa clé.
func (s *Service) cancel(ctx context.Context, o *models.Order, t orderflow.Transition) (*models.Order, error) {
	if _, err := orderflow.Next(o.Status, t.Event); err != nil {
		return o, err
	}
	if orderflow.Privileged(t.Event) {
		if err := s.requireRole(ctx, t.Actor, identity.RoleAdmin); err != nil {
			return o, err
		}
	}
	driverID := o.AssignedDriver()
	if _, err := s.Dispatch.Cancel(ctx, o); err != nil {
		return o, err
	}

	if _, err := s.Payments.Settle(ctx, o, t.Reason); err != nil {
		log.Printf("❌ Commande %s: remboursement en échec, annulation suspendue: %v", o.ID, err)
		return s.settleFailed(ctx, o, err)
	}

	next, err := s.Machine.Apply(ctx, o, t)
	if err != nil {
		return o, err
	}
	if driverID != "" {
		s.markIdle(ctx, driverID)
	}

	ledger, _, err := s.Payments.Ledger(ctx, next.ID)
	if err != nil {
		return next, err
	}
	if ledger.Captured == 0 {
		s.releaseCoupon(ctx, next)
	}
	if ledger.Released+ledger.Refunded > 0 && ledger.Capturable() == 0 && ledger.Refundable() == 0 {
		return s.Machine.Apply(ctx, next, orderflow.Transition{Event: orderflow.EventRefund, Actor: orderflow.ActorSystem, Reason: t.Reason})
	}
	return next, nil
}

// settleFailed passe la commande en FAILED_DEPENDENCY (si elle n'y est pas déjà)
// et retourne l'erreur de paiement.
func (s *Service) settleFailed(ctx context.Context, o *models.Order, cause error) (*models.Order, error) {
	if o.Status == models.StatusFailedDependency {
		return o, cause
	}
	next, err := s.Machine.Apply(ctx, o, orderflow.Transition{
		Event:  orderflow.EventFailDependency,
		Actor:  orderflow.ActorSystem,
		Reason: "remboursement impossible",
	})
	if err != nil {
		log.Printf("❌ Commande %s: %v", o.ID, err)
		return o, cause
	}
	return next, cause
}

func (s *Service) markIdle(ctx context.Context, driverID string) {
	if err := s.Drivers.MarkIdle(ctx, driverID, s.now().UTC()); err != nil {
		log.Printf("⚠️ Livreur %s: %v", driverID, err)
	}
}

// withOrder charge la commande sous son verrou (et ceux des clés en plus).
func (s *Service) withOrder(ctx context.Context, orderID string, extra []string, fn func(o *models.Order) (*models.Order, error)) (*models.Order, error) {
	keys := append([]string{lock.OrderKey(orderID)}, extra...)
	unlock, err := lock.LockAll(ctx, s.Locker, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return fn(o)
}

func (s *Service) requireRole(ctx context.Context, userID, role string) error {
	ok, err := s.Identity.HasRole(ctx, userID, role)
	if err != nil {
		return fmt.Errorf("vérification rôle %s: %w", role, err)
	}
	if !ok {
		return fmt.Errorf("%w: rôle %s requis", apperr.ErrForbidden, role)
	}
	return nil
}

func (s *Service) isAdmin(ctx context.Context, userID string) bool {
	ok, err := s.Identity.HasRole(ctx, userID, identity.RoleAdmin)
	if err != nil {
		log.Printf("⚠️ Vérification admin %s: %v", userID, err)
		return false
	}
	return ok
}

// Quote : estimation taxi/livraison de colis, sans créer de commande.
func (s *Service) Quote(req pricing.QuoteRequest) (pricing.Quote, error) {
	return s.cfg.Rates.Quote(req)
}
