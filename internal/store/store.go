package store

import (
	"context"
	"time"

	"taybat_back_end/internal/models"
)

// Orders : la commande et son historique sont écrits ensemble.
type Orders interface {
	CreateOrder(ctx context.Context, o *models.Order, entry models.OrderStatusHistory) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	// UpdateOrder n'écrit que si la version stockée vaut expected (sinon ErrConflict),
	// puis incrémente o.Version. entry est ajoutée dans la même écriture.
	UpdateOrder(ctx context.Context, o *models.Order, expected int64, entry *models.OrderStatusHistory) error
	ListHistory(ctx context.Context, orderID string) ([]models.OrderStatusHistory, error)
}

type Suggestions interface {
	CreateSuggestions(ctx context.Context, orderID string, s []models.OrderDriverSuggestion) error
	ListSuggestions(ctx context.Context, orderID string) ([]models.OrderDriverSuggestion, error)
	GetSuggestion(ctx context.Context, suggestionID string) (*models.OrderDriverSuggestion, error)
	// AcceptSuggestion passe la cible en ACCEPTED et les autres PENDING en EXPIRED,
	// en une seule écriture. ErrAlreadyAssigned si une suggestion est déjà acceptée.
	AcceptSuggestion(ctx context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error)
	RejectSuggestion(ctx context.Context, orderID, suggestionID string, at time.Time) (*models.OrderDriverSuggestion, error)
	// ExpireSuggestions expire les PENDING échues avant before (toutes si before est zéro).
	ExpireSuggestions(ctx context.Context, orderID string, before, at time.Time) ([]models.OrderDriverSuggestion, error)
}

type Dispatches interface {
	GetDispatch(ctx context.Context, orderID string) (*models.DispatchState, error)
	// PutDispatch retire l'état quand il n'est plus actif.
	PutDispatch(ctx context.Context, st models.DispatchState) error
	ListActiveDispatches(ctx context.Context) ([]models.DispatchState, error)
}

// Assignments garantit qu'un livreur ne porte qu'une commande à la fois.
type Assignments interface {
	ClaimDriver(ctx context.Context, driverID, orderID string) error
	ReleaseDriver(ctx context.Context, driverID, orderID string) error
	DriverAssignment(ctx context.Context, driverID string) (string, error)
}

type Transactions interface {
	// InsertTransaction échoue avec ErrConflict si la clé d'idempotence existe déjà.
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	UpdateTransaction(ctx context.Context, tx *models.Transaction) error
	TransactionByKey(ctx context.Context, key string) (*models.Transaction, error)
	ListTransactions(ctx context.Context, orderID string) ([]models.Transaction, error)
}

type Store interface {
	Orders
	Suggestions
	Dispatches
	Assignments
	Transactions
}
