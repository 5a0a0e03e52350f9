package pricing

import (
	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/geo"
	"taybat_back_end/internal/models"

	"github.com/shopspring/decimal"
)

// Rate : tarif d'un véhicule. PerKm et PerKg sont en centimes.
type Rate struct {
	Base  models.Money
	PerKm models.Money
	PerKg models.Money
}

type RateTable struct {
	Taxi      map[models.VehicleType]Rate
	Shipping  map[models.VehicleType]Rate
	SpeedsKmh map[models.VehicleType]float64
}

// DefaultRates : grille v1. La config la surcharge par PRICING_RATE_* et PRICING_SPEED_*.
func DefaultRates() RateTable {
	return RateTable{
		Taxi: map[models.VehicleType]Rate{
			models.VehicleBike:  {Base: 500, PerKm: 200},
			models.VehicleMotor: {Base: 800, PerKm: 250},
			models.VehicleCar:   {Base: 1200, PerKm: 300},
			models.VehicleVan:   {Base: 1500, PerKm: 400},
		},
		Shipping: map[models.VehicleType]Rate{
			models.VehicleBike:  {Base: 300, PerKm: 150, PerKg: 10},
			models.VehicleMotor: {Base: 500, PerKm: 200, PerKg: 15},
			models.VehicleCar:   {Base: 800, PerKm: 250, PerKg: 20},
			models.VehicleVan:   {Base: 1000, PerKm: 300, PerKg: 25},
		},
		SpeedsKmh: map[models.VehicleType]float64{
			models.VehicleBike:  20,
			models.VehicleMotor: 40,
			models.VehicleCar:   50,
			models.VehicleVan:   45,
		},
	}
}

type QuoteRequest struct {
	Type     models.OrderType   `json:"type" binding:"required"`
	Vehicle  models.VehicleType `json:"vehicle_type" binding:"required"`
	Pickup   models.Location    `json:"pickup" binding:"required"`
	Dropoff  models.Location    `json:"dropoff" binding:"required"`
	WeightKg *float64           `json:"weight_kg,omitempty"`
	Tip      models.Money       `json:"tip"`
}

type Quote struct {
	DistanceKm       float64               `json:"distance_km"`
	EstimatedSeconds int                   `json:"estimated_seconds"`
	Breakdown        models.PriceBreakdown `json:"breakdown"`
}

// Quote calcule le tarif d'une course ou d'une livraison de colis.
// Sous-total = prise en charge, frais de livraison = km (+ poids).
func (t RateTable) Quote(req QuoteRequest) (Quote, error) {
	var table map[models.VehicleType]Rate
	switch req.Type {
	case models.OrderTypeTaxi:
		table = t.Taxi
	case models.OrderTypeShipping:
		table = t.Shipping
	default:
		return Quote{}, apperr.Validationf("pas de devis pour le type %q", req.Type)
	}

	rate, ok := table[req.Vehicle]
	if !ok {
		return Quote{}, apperr.Validationf("véhicule %q non pris en charge pour %s", req.Vehicle, req.Type)
	}
	if req.Tip < 0 {
		return Quote{}, apperr.Validationf("pourboire négatif")
	}
	if req.WeightKg != nil && *req.WeightKg < 0 {
		return Quote{}, apperr.Validationf("poids négatif")
	}

	distance := geo.DistanceKm(req.Pickup, req.Dropoff)

	fee := rate.PerKm.Decimal().Mul(decimal.NewFromFloat(distance))
	if req.WeightKg != nil && req.Type == models.OrderTypeShipping {
		fee = fee.Add(rate.PerKg.Decimal().Mul(decimal.NewFromFloat(*req.WeightKg)))
	}

	b := models.PriceBreakdown{
		Subtotal:    rate.Base,
		DeliveryFee: models.MoneyFromDecimal(fee),
		Tip:         req.Tip,
	}
	b.Total = b.Subtotal + b.DeliveryFee + b.Tip

	q := Quote{DistanceKm: distance, Breakdown: b}
	if speed := t.SpeedsKmh[req.Vehicle]; speed > 0 {
		q.EstimatedSeconds = int(distance / speed * 3600)
	}
	return q, nil
}
