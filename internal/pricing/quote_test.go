package pricing

import (
	"errors"
	"testing"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// (0,0) -> (0.09,0) : 10.008 km
var (
	origin = models.Location{Lat: 0, Lng: 0}
	tenKm  = models.Location{Lat: 0.09, Lng: 0}
)

func TestQuoteTaxi(t *testing.T) {
	t.Parallel()

	q, err := DefaultRates().Quote(QuoteRequest{
		Type:    models.OrderTypeTaxi,
		Vehicle: models.VehicleCar,
		Pickup:  origin,
		Dropoff: tenKm,
		Tip:     100,
	})
	require.NoError(t, err)

	assert.Equal(t, 10.008, q.DistanceKm)
	assert.Equal(t, 720, q.EstimatedSeconds)
	assert.Equal(t, models.Money(1200), q.Breakdown.Subtotal)
	assert.Equal(t, models.Money(3002), q.Breakdown.DeliveryFee)
	assert.Equal(t, models.Money(4302), q.Breakdown.Total)
}

func TestQuoteShippingWithWeight(t *testing.T) {
	t.Parallel()

	weight := 2.0
	q, err := DefaultRates().Quote(QuoteRequest{
		Type:     models.OrderTypeShipping,
		Vehicle:  models.VehicleBike,
		Pickup:   origin,
		Dropoff:  tenKm,
		WeightKg: &weight,
	})
	require.NoError(t, err)

	assert.Equal(t, models.Money(300), q.Breakdown.Subtotal)
	assert.Equal(t, models.Money(1521), q.Breakdown.DeliveryFee)
	assert.Equal(t, models.Money(1821), q.Breakdown.Total)
}

func TestQuoteRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  QuoteRequest
	}{
		{name: "food", req: QuoteRequest{Type: models.OrderTypeFood, Vehicle: models.VehicleBike}},
		{name: "unknown_vehicle", req: QuoteRequest{Type: models.OrderTypeTaxi, Vehicle: "TRUCK"}},
		{name: "negative_tip", req: QuoteRequest{Type: models.OrderTypeTaxi, Vehicle: models.VehicleCar, Tip: -1}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := DefaultRates().Quote(tt.req); !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
