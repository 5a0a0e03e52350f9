package config

import (
	"testing"
	"time"

	"taybat_back_end/internal/dispatch"
	"taybat_back_end/internal/models"

	"github.com/stretchr/testify/assert"
)

// t.Setenv interdit t.Parallel.

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("SCYLLA_HOSTS", "")
	t.Setenv("DISPATCH_MODE", "")
	t.Setenv("PRICING_FOOD_DELIVERY_FEE", "")

	cfg := FromEnv()
	assert.Equal(t, "8080", cfg.Port)
	assert.Empty(t, cfg.ScyllaHosts)
	assert.Equal(t, dispatch.ModeBatch, cfg.Dispatch.Mode)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.AcceptWindow)
	assert.Equal(t, models.Money(200), cfg.FoodDeliveryFee)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("SCYLLA_HOSTS", "10.0.0.1, 10.0.0.2")
	t.Setenv("DISPATCH_MODE", "broadcast")
	t.Setenv("DISPATCH_BATCH_SIZE", "pas-un-nombre")
	t.Setenv("DISPATCH_ACCEPT_WINDOW", "45s")
	t.Setenv("DISPATCH_WEIGHT_RATING", "0.5")
	t.Setenv("PRICING_FOOD_DELIVERY_FEE", "2.50")

	cfg := FromEnv()
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.ScyllaHosts)
	assert.Equal(t, dispatch.ModeBroadcast, cfg.Dispatch.Mode)
	assert.Equal(t, 3, cfg.Dispatch.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Dispatch.AcceptWindow)
	assert.Equal(t, 0.5, cfg.Eligibility.WeightRating)
	assert.Equal(t, models.Money(250), cfg.FoodDeliveryFee)
}

func TestFromEnvRates(t *testing.T) {
	t.Setenv("PRICING_RATE_TAXI_CAR_BASE", "13.50")
	t.Setenv("PRICING_RATE_SHIPPING_VAN_PER_KG", "0.40")
	t.Setenv("PRICING_RATE_TAXI_BIKE_PER_KM", "n/a")
	t.Setenv("PRICING_SPEED_MOTOR", "35")
	t.Setenv("EVENTS_REDELIVER_EVERY", "1m")

	cfg := FromEnv()
	assert.Equal(t, models.Money(1350), cfg.Rates.Taxi[models.VehicleCar].Base)
	assert.Equal(t, models.Money(300), cfg.Rates.Taxi[models.VehicleCar].PerKm)
	assert.Equal(t, models.Money(40), cfg.Rates.Shipping[models.VehicleVan].PerKg)
	assert.Equal(t, models.Money(200), cfg.Rates.Taxi[models.VehicleBike].PerKm)
	assert.Equal(t, 35.0, cfg.Rates.SpeedsKmh[models.VehicleMotor])
	assert.Equal(t, time.Minute, cfg.EventRedeliverEvery)
}
