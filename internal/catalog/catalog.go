package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"
)

type ItemSnapshot struct {
	ItemID       string       `json:"item_id"`
	Name         string       `json:"name"`
	Price        models.Money `json:"price"`
	RestaurantID string       `json:"restaurant_id"`
	Available    bool         `json:"available"`
}

// Catalog n'est lu qu'au checkout ; ensuite la commande garde son instantané.
type Catalog interface {
	GetItemSnapshot(ctx context.Context, itemID string) (ItemSnapshot, error)
}

type Coupons interface {
	GetCoupon(ctx context.Context, code string) (*models.Coupon, error)
	RedeemCoupon(ctx context.Context, code string) error
	// ReleaseCoupon rend un usage consommé par une commande jamais encaissée.
	ReleaseCoupon(ctx context.Context, code string) error
}

// NormalizeCode : les codes promo sont insensibles à la casse.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Memory : catalogue et coupons en mémoire.
type Memory struct {
	mu      sync.RWMutex
	items   map[string]ItemSnapshot
	coupons map[string]models.Coupon
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]ItemSnapshot), coupons: make(map[string]models.Coupon)}
}

func (m *Memory) PutItem(it ItemSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[it.ItemID] = it
}

func (m *Memory) PutCoupon(c models.Coupon) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = NormalizeCode(c.Code)
	m.coupons[c.Code] = c
}

func (m *Memory) GetItemSnapshot(_ context.Context, itemID string) (ItemSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	it, ok := m.items[itemID]
	if !ok {
		return ItemSnapshot{}, fmt.Errorf("article %s: %w", itemID, apperr.ErrNotFound)
	}
	return it, nil
}

func (m *Memory) GetCoupon(_ context.Context, code string) (*models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.coupons[NormalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: code %s inconnu", apperr.ErrInvalidCoupon, code)
	}
	return &c, nil
}

func (m *Memory) RedeemCoupon(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeCode(code)
	c, ok := m.coupons[key]
	if !ok {
		return fmt.Errorf("%w: code %s inconnu", apperr.ErrInvalidCoupon, code)
	}
	if c.MaxUses > 0 && c.UsedCount >= c.MaxUses {
		return fmt.Errorf("%w: coupon %s épuisé", apperr.ErrInvalidCoupon, code)
	}
	c.UsedCount++
	m.coupons[key] = c
	return nil
}

func (m *Memory) ReleaseCoupon(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := NormalizeCode(code)
	c, ok := m.coupons[key]
	if !ok {
		return fmt.Errorf("%w: code %s inconnu", apperr.ErrInvalidCoupon, code)
	}
	if c.UsedCount > 0 {
		c.UsedCount--
		m.coupons[key] = c
	}
	return nil
}
