package models

import (
	"time"
)

type OrderType string

const (
	OrderTypeFood     OrderType = "FOOD"
	OrderTypeShipping OrderType = "SHIPPING"
	OrderTypeTaxi     OrderType = "TAXI"
)

func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeFood, OrderTypeShipping, OrderTypeTaxi:
		return true
	}
	return false
}

type OrderStatus string

const (
	StatusPlaced            OrderStatus = "PLACED"
	StatusPaymentAuthorized OrderStatus = "PAYMENT_AUTHORIZED"
	StatusDispatching       OrderStatus = "DISPATCHING"
	StatusDriverAssigned    OrderStatus = "DRIVER_ASSIGNED"
	StatusInProgress        OrderStatus = "IN_PROGRESS"
	StatusCompleted         OrderStatus = "COMPLETED"
	StatusCancelled         OrderStatus = "CANCELLED"
	StatusRefunded          OrderStatus = "REFUNDED"
	StatusFailedDependency  OrderStatus = "FAILED_DEPENDENCY"
)

// Terminal : COMPLETED, CANCELLED et REFUNDED.
// FAILED_DEPENDENCY attend une intervention admin, ce n'est pas un état final.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// OrderItem est un instantané du catalogue figé au moment du checkout.
type OrderItem struct {
	ItemID       string `json:"item_id"`
	Name         string `json:"name"`
	UnitPrice    Money  `json:"unit_price"`
	Quantity     int    `json:"quantity"`
	RestaurantID string `json:"restaurant_id,omitempty"`
}

func (i OrderItem) LineTotal() Money {
	return i.UnitPrice * Money(i.Quantity)
}

type PriceBreakdown struct {
	Subtotal    Money `json:"subtotal"`
	Discount    Money `json:"discount"`
	DeliveryFee Money `json:"delivery_fee"`
	ServiceFee  Money `json:"service_fee"`
	Tip         Money `json:"tip"`
	Total       Money `json:"total"`
}

type Order struct {
	ID               string         `json:"order_id"`
	CustomerID       string         `json:"customer_id"`
	Type             OrderType      `json:"type"`
	RestaurantID     string         `json:"restaurant_id,omitempty"`
	Status           OrderStatus    `json:"status"`
	Items            []OrderItem    `json:"items"`
	Breakdown        PriceBreakdown `json:"breakdown"`
	Currency         string         `json:"currency"`
	CouponCode       string         `json:"coupon_code,omitempty"`
	Pickup           *Location      `json:"pickup,omitempty"`
	Dropoff          *Location      `json:"dropoff,omitempty"`
	DistanceKm       float64        `json:"distance_km,omitempty"`
	RequestedVehicle VehicleType    `json:"requested_vehicle,omitempty"`
	DriverID         *string        `json:"driver_id,omitempty"`
	FailureReason    string         `json:"failure_reason,omitempty"`
	Version          int64          `json:"version"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Clone copie la commande, items et driver compris.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Items = append([]OrderItem(nil), o.Items...)
	if o.DriverID != nil {
		id := *o.DriverID
		cp.DriverID = &id
	}
	if o.Pickup != nil {
		p := *o.Pickup
		cp.Pickup = &p
	}
	if o.Dropoff != nil {
		d := *o.Dropoff
		cp.Dropoff = &d
	}
	return &cp
}

// AssignedDriver retourne l'id du livreur ou "".
func (o *Order) AssignedDriver() string {
	if o.DriverID == nil {
		return ""
	}
	return *o.DriverID
}

// OrderStatusHistory est une ligne d'audit, jamais modifiée ni supprimée.
type OrderStatusHistory struct {
	ID        string      `json:"id"`
	OrderID   string      `json:"order_id"`
	From      OrderStatus `json:"from_status,omitempty"`
	To        OrderStatus `json:"to_status"`
	Event     string      `json:"event"`
	ActorID   string      `json:"actor_id"`
	Reason    string      `json:"reason,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
