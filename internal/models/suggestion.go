package models

import "time"

type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "PENDING"
	SuggestionAccepted SuggestionStatus = "ACCEPTED"
	SuggestionRejected SuggestionStatus = "REJECTED"
	SuggestionExpired  SuggestionStatus = "EXPIRED"
)

// OrderDriverSuggestion : une offre d'une commande à un livreur.
type OrderDriverSuggestion struct {
	ID          string           `json:"suggestion_id"`
	OrderID     string           `json:"order_id"`
	DriverID    string           `json:"driver_id"`
	Rank        int              `json:"rank"`
	Cycle       int              `json:"cycle"`
	DistanceKm  float64          `json:"distance_km"`
	Score       float64          `json:"score"`
	Status      SuggestionStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	RespondedAt *time.Time       `json:"responded_at,omitempty"`
}

// DispatchState suit les cycles de recherche d'un livreur pour une commande.
type DispatchState struct {
	OrderID     string     `json:"order_id"`
	Cycle       int        `json:"cycle"`
	Active      bool       `json:"active"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	ManualQueue bool       `json:"manual_queue"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
