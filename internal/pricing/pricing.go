package pricing

import (
	"fmt"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"

	"github.com/shopspring/decimal"
)

// Fees : frais ajoutés après la remise.
type Fees struct {
	DeliveryFee models.Money `json:"delivery_fee"`
	ServiceFee  models.Money `json:"service_fee"`
	Tip         models.Money `json:"tip"`
}

var hundred = decimal.NewFromInt(100)

// Price calcule le détail du prix à partir des instantanés figés au checkout.
// Fonction pure : elle ne relit jamais le catalogue.
func Price(items []models.OrderItem, coupon *models.Coupon, fees Fees, now time.Time) (models.PriceBreakdown, error) {
	var b models.PriceBreakdown

	if len(items) == 0 {
		return b, apperr.Validationf("la commande doit contenir au moins un article")
	}
	if fees.DeliveryFee < 0 || fees.ServiceFee < 0 || fees.Tip < 0 {
		return b, apperr.Validationf("frais négatifs")
	}

	for _, it := range items {
		if it.Quantity <= 0 {
			return b, apperr.Validationf("quantité invalide pour %s: %d", it.ItemID, it.Quantity)
		}
		if it.UnitPrice < 0 {
			return b, apperr.Validationf("prix négatif pour %s", it.ItemID)
		}
		b.Subtotal += it.LineTotal()
	}

	if coupon != nil {
		discount, err := Discount(*coupon, items, b.Subtotal, now)
		if err != nil {
			return models.PriceBreakdown{}, err
		}
		b.Discount = discount
	}

	b.DeliveryFee = fees.DeliveryFee
	b.ServiceFee = fees.ServiceFee
	b.Tip = fees.Tip
	b.Total = b.Subtotal - b.Discount + b.DeliveryFee + b.ServiceFee + b.Tip
	return b, nil
}

// Discount valide le coupon puis calcule la remise, plafonnée au sous-total.
func Discount(c models.Coupon, items []models.OrderItem, subtotal models.Money, now time.Time) (models.Money, error) {
	switch {
	case !c.IsActive:
		return 0, fmt.Errorf("%w: coupon %s désactivé", apperr.ErrInvalidCoupon, c.Code)
	case c.StartsAt != nil && now.Before(*c.StartsAt):
		return 0, fmt.Errorf("%w: coupon %s pas encore valable", apperr.ErrInvalidCoupon, c.Code)
	case c.ExpiresAt != nil && !now.Before(*c.ExpiresAt):
		return 0, fmt.Errorf("%w: coupon %s expiré", apperr.ErrInvalidCoupon, c.Code)
	case c.MaxUses > 0 && c.UsedCount >= c.MaxUses:
		return 0, fmt.Errorf("%w: coupon %s épuisé", apperr.ErrInvalidCoupon, c.Code)
	case subtotal < c.MinSubtotal:
		return 0, fmt.Errorf("%w: minimum de %s requis pour %s", apperr.ErrInvalidCoupon, c.MinSubtotal, c.Code)
	}

	if c.RestaurantID != "" {
		for _, it := range items {
			if it.RestaurantID != c.RestaurantID {
				return 0, fmt.Errorf("%w: coupon %s réservé à un autre restaurant", apperr.ErrInvalidCoupon, c.Code)
			}
		}
	}

	var discount models.Money
	switch c.Kind {
	case models.CouponPercentage:
		if c.Percentage.IsNegative() || c.Percentage.GreaterThan(hundred) {
			return 0, fmt.Errorf("%w: pourcentage %s hors limites", apperr.ErrInvalidCoupon, c.Percentage)
		}
		discount = models.MoneyFromDecimal(subtotal.Decimal().Mul(c.Percentage).Div(hundred))
	case models.CouponFixed:
		if c.AmountOff < 0 {
			return 0, fmt.Errorf("%w: remise négative", apperr.ErrInvalidCoupon)
		}
		discount = c.AmountOff
	default:
		return 0, fmt.Errorf("%w: type %q inconnu", apperr.ErrInvalidCoupon, c.Kind)
	}

	return models.Min(discount, subtotal), nil
}
