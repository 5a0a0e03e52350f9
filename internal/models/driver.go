package models

import "time"

type VehicleType string

const (
	VehicleBike  VehicleType = "BIKE"
	VehicleMotor VehicleType = "MOTOR"
	VehicleCar   VehicleType = "CAR"
	VehicleVan   VehicleType = "VAN"
)

func (v VehicleType) Valid() bool {
	switch v {
	case VehicleBike, VehicleMotor, VehicleCar, VehicleVan:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// DriverProfile appartient au service livreurs ; ici on ne modifie que
// la disponibilité et la position.
type DriverProfile struct {
	ID                string         `json:"driver_id"`
	Approval          ApprovalStatus `json:"approval_status"`
	Vehicle           VehicleType    `json:"vehicle_type"`
	AcceptsFood       bool           `json:"accepts_food"`
	AcceptsShipping   bool           `json:"accepts_shipping"`
	AcceptsTaxi       bool           `json:"accepts_taxi"`
	Online            bool           `json:"is_online"`
	Location          *Location      `json:"location,omitempty"`
	LocationUpdatedAt time.Time      `json:"location_updated_at"`
	Rating            float64        `json:"rating"`
	IdleSince         time.Time      `json:"idle_since"`
}

// Accepts indique si le livreur prend ce type de commande.
func (d DriverProfile) Accepts(t OrderType) bool {
	switch t {
	case OrderTypeFood:
		return d.AcceptsFood
	case OrderTypeShipping:
		return d.AcceptsShipping
	case OrderTypeTaxi:
		return d.AcceptsTaxi
	}
	return false
}
