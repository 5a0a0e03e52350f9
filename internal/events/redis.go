package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	ChannelOrders       = "order_events"
	channelOrderPrefix  = "order:"
	channelDriverPrefix = "driver_offers:"
)

func OrderChannel(orderID string) string   { return channelOrderPrefix + orderID }
func DriverChannel(driverID string) string { return channelDriverPrefix + driverID }

// RedisSink publie en pub/sub : flux global, canal par commande et, pour les
// offres, canal du livreur (écouté par le websocket livreur).
type RedisSink struct {
	client redis.UniversalClient
}

func NewRedisSink(client redis.UniversalClient) *RedisSink {
	return &RedisSink{client: client}
}

func (r *RedisSink) Name() string { return "redis" }

func (r *RedisSink) Send(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, ChannelOrders, data)
	pipe.Publish(ctx, OrderChannel(e.OrderID), data)
	if driverID := DriverOf(e); driverID != "" && e.Type == DriverSuggested {
		pipe.Publish(ctx, DriverChannel(driverID), data)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// DriverOf lit driver_id dans le payload.
func DriverOf(e Event) string {
	if e.Payload == nil {
		return ""
	}
	id, _ := e.Payload["driver_id"].(string)
	return id
}
