package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type CouponKind string

const (
	CouponPercentage CouponKind = "percentage"
	CouponFixed      CouponKind = "fixed"
)

type Coupon struct {
	Code         string          `json:"code"`
	RestaurantID string          `json:"restaurant_id,omitempty"`
	Kind         CouponKind      `json:"type"`
	Percentage   decimal.Decimal `json:"percentage"`
	AmountOff    Money           `json:"amount_off"`
	MinSubtotal  Money           `json:"min_subtotal"`
	MaxUses      int             `json:"max_uses"` // 0 = illimité
	UsedCount    int             `json:"used_count"`
	StartsAt     *time.Time      `json:"starts_at,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	IsActive     bool            `json:"is_active"`
}
