package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"

	"github.com/gocql/gocql"
	"github.com/shopspring/decimal"
	"gopkg.in/inf.v0"
)

// Scylla lit products et coupons dans le keyspace produits.
type Scylla struct {
	session *gocql.Session
}

func NewScylla(session *gocql.Session) *Scylla {
	return &Scylla{session: session}
}

func (s *Scylla) GetItemSnapshot(ctx context.Context, itemID string) (ItemSnapshot, error) {
	it := ItemSnapshot{ItemID: itemID}
	var price int64
	err := s.session.Query(`SELECT name, price_cents, restaurant_id, is_available FROM products WHERE product_id = ?`, itemID).
		WithContext(ctx).Scan(&it.Name, &price, &it.RestaurantID, &it.Available)
	if errors.Is(err, gocql.ErrNotFound) {
		return ItemSnapshot{}, fmt.Errorf("article %s: %w", itemID, apperr.ErrNotFound)
	}
	if err != nil {
		return ItemSnapshot{}, fmt.Errorf("%w: %v", apperr.ErrCatalogUnavailable, err)
	}
	it.Price = models.Money(price)
	return it, nil
}

func (s *Scylla) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	c := models.Coupon{Code: NormalizeCode(code)}
	var (
		kind                   string
		pct                    *inf.Dec
		amountOff, minSubtotal int64
		startsAt, expiresAt    *time.Time
	)
	err := s.session.Query(`SELECT restaurant_id, type, percentage, amount_off, min_subtotal, max_uses, used_count,
		starts_at, expires_at, is_active FROM coupons WHERE code = ?`, c.Code).WithContext(ctx).
		Scan(&c.RestaurantID, &kind, &pct, &amountOff, &minSubtotal, &c.MaxUses, &c.UsedCount,
			&startsAt, &expiresAt, &c.IsActive)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("%w: code %s inconnu", apperr.ErrInvalidCoupon, code)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrCatalogUnavailable, err)
	}

	c.Kind = models.CouponKind(kind)
	if pct != nil {
		c.Percentage, _ = decimal.NewFromString(pct.String())
	}
	c.AmountOff = models.Money(amountOff)
	c.MinSubtotal = models.Money(minSubtotal)
	c.StartsAt = startsAt
	c.ExpiresAt = expiresAt
	return &c, nil
}

// RedeemCoupon incrémente used_count par LWT pour ne jamais dépasser max_uses.
func (s *Scylla) RedeemCoupon(ctx context.Context, code string) error {
	key := NormalizeCode(code)
	for attempt := 0; attempt < 5; attempt++ {
		c, err := s.GetCoupon(ctx, key)
		if err != nil {
			return err
		}
		if c.MaxUses > 0 && c.UsedCount >= c.MaxUses {
			return fmt.Errorf("%w: coupon %s épuisé", apperr.ErrInvalidCoupon, key)
		}

		applied, err := s.session.Query(`UPDATE coupons SET used_count = ? WHERE code = ? IF used_count = ?`,
			c.UsedCount+1, key, c.UsedCount).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrCatalogUnavailable, err)
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("%w: coupon %s très sollicité", apperr.ErrConflict, key)
}

func (s *Scylla) ReleaseCoupon(ctx context.Context, code string) error {
	key := NormalizeCode(code)
	for attempt := 0; attempt < 5; attempt++ {
		c, err := s.GetCoupon(ctx, key)
		if err != nil {
			return err
		}
		if c.UsedCount <= 0 {
			return nil
		}

		applied, err := s.session.Query(`UPDATE coupons SET used_count = ? WHERE code = ? IF used_count = ?`,
			c.UsedCount-1, key, c.UsedCount).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("%w: %v", apperr.ErrCatalogUnavailable, err)
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("%w: coupon %s très sollicité", apperr.ErrConflict, key)
}
