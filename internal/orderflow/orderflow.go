package orderflow

import (
	"context"
	"fmt"
	"log"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/store"

	"github.com/google/uuid"
)

// Event : ce qui fait avancer une commande. Les overrides admin sont des
// événements comme les autres, soumis à la même table.
type Event string

const (
	EventCreate         Event = "create"
	EventAuthorize      Event = "authorize"
	EventStartDispatch  Event = "start_dispatch"
	EventAssignDriver   Event = "assign_driver"
	EventStartTrip      Event = "start_trip"
	EventComplete       Event = "complete"
	EventCancel         Event = "cancel"
	EventRefund         Event = "refund"
	EventFailDependency Event = "fail_dependency"

	EventAdminAssign   Event = "admin_assign_driver"
	EventAdminCancel   Event = "admin_cancel"
	EventAdminComplete Event = "admin_complete"
)

// ActorSystem signe les transitions faites par le moteur lui-même.
const ActorSystem = "system"

type rule struct {
	from       []models.OrderStatus // nil : tout état non terminal
	to         models.OrderStatus
	privileged bool
}

var table = map[Event]rule{
	EventAuthorize:     {from: []models.OrderStatus{models.StatusPlaced}, to: models.StatusPaymentAuthorized},
	EventStartDispatch: {from: []models.OrderStatus{models.StatusPaymentAuthorized}, to: models.StatusDispatching},
	EventAssignDriver:  {from: []models.OrderStatus{models.StatusDispatching}, to: models.StatusDriverAssigned},
	EventStartTrip:     {from: []models.OrderStatus{models.StatusDriverAssigned}, to: models.StatusInProgress},
	EventComplete:      {from: []models.OrderStatus{models.StatusInProgress}, to: models.StatusCompleted},
	EventCancel:        {to: models.StatusCancelled},
	EventRefund:        {from: []models.OrderStatus{models.StatusCancelled, models.StatusCompleted}, to: models.StatusRefunded},
	EventFailDependency: {
		from: []models.OrderStatus{models.StatusPlaced, models.StatusPaymentAuthorized, models.StatusDispatching,
			models.StatusDriverAssigned, models.StatusInProgress},
		to: models.StatusFailedDependency,
	},

	EventAdminAssign: {from: []models.OrderStatus{models.StatusDispatching}, to: models.StatusDriverAssigned, privileged: true},
	EventAdminCancel: {to: models.StatusCancelled, privileged: true},
	EventAdminComplete: {
		from:       []models.OrderStatus{models.StatusDriverAssigned, models.StatusInProgress, models.StatusFailedDependency},
		to:         models.StatusCompleted,
		privileged: true,
	},
}

// Next donne le statut atteint par ev depuis from, sans rien écrire.
func Next(from models.OrderStatus, ev Event) (models.OrderStatus, error) {
	r, ok := table[ev]
	if !ok || !r.allows(from) {
		return "", &apperr.TransitionError{From: string(from), Event: string(ev)}
	}
	return r.to, nil
}

// Privileged indique si l'événement exige le rôle admin.
func Privileged(ev Event) bool {
	return table[ev].privileged
}

func (r rule) allows(from models.OrderStatus) bool {
	if r.from == nil {
		return from != "" && !from.Terminal()
	}
	for _, s := range r.from {
		if s == from {
			return true
		}
	}
	return false
}

// Replay rejoue l'historique et retourne le statut obtenu.
// Chaque ligne doit partir du statut atteint par la précédente.
func Replay(history []models.OrderStatusHistory) (models.OrderStatus, error) {
	if len(history) == 0 {
		return "", fmt.Errorf("%w: historique vide", apperr.ErrValidation)
	}
	first := history[0]
	if first.From != "" || first.To != models.StatusPlaced {
		return "", fmt.Errorf("%w: l'historique doit commencer par PLACED", apperr.ErrValidation)
	}

	current := first.To
	for _, h := range history[1:] {
		if h.From != current {
			return "", fmt.Errorf("%w: ligne %s part de %s au lieu de %s", apperr.ErrValidation, h.ID, h.From, current)
		}
		to, err := Next(current, Event(h.Event))
		if err != nil {
			return "", err
		}
		if to != h.To {
			return "", fmt.Errorf("%w: ligne %s mène à %s au lieu de %s", apperr.ErrValidation, h.ID, h.To, to)
		}
		current = to
	}
	return current, nil
}

// Transition décrit une demande de changement de statut.
type Transition struct {
	Event  Event
	Actor  string
	Reason string
	// Mutate modifie la copie avant écriture (ex. affectation du livreur).
	Mutate func(o *models.Order)
}

// Machine est le seul chemin d'écriture du statut d'une commande.
type Machine struct {
	orders store.Orders
	roles  identity.Checker
	events events.Publisher
	now    func() time.Time
}

func NewMachine(orders store.Orders, roles identity.Checker, pub events.Publisher) *Machine {
	return &Machine{orders: orders, roles: roles, events: pub, now: time.Now}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

// Create enregistre la commande en PLACED avec sa première ligne d'historique.
func (m *Machine) Create(ctx context.Context, o *models.Order, actor string) error {
	now := m.now().UTC()
	o.Status = models.StatusPlaced
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now

	entry := models.OrderStatusHistory{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		To:        models.StatusPlaced,
		Event:     string(EventCreate),
		ActorID:   actor,
		CreatedAt: now,
	}
	if err := m.orders.CreateOrder(ctx, o, entry); err != nil {
		return fmt.Errorf("création commande %s: %w", o.ID, err)
	}

	m.events.Publish(ctx, events.New(events.OrderCreated, o.ID, now, map[string]interface{}{
		"customer_id": o.CustomerID,
		"type":        string(o.Type),
		"total":       o.Breakdown.Total.String(),
		"currency":    o.Currency,
	}))
	return nil
}

// Apply valide la transition, écrit statut et historique ensemble puis émet
// OrderStatusChanged. En cas de refus, o n'est pas modifiée.
func (m *Machine) Apply(ctx context.Context, o *models.Order, t Transition) (*models.Order, error) {
	to, err := Next(o.Status, t.Event)
	if err != nil {
		return nil, err
	}
	if Privileged(t.Event) {
		ok, err := m.roles.HasRole(ctx, t.Actor, identity.RoleAdmin)
		if err != nil {
			return nil, fmt.Errorf("vérification rôle admin: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s réservé aux admins", apperr.ErrForbidden, t.Event)
		}
	}

	now := m.now().UTC()
	next := o.Clone()
	next.Status = to
	next.UpdatedAt = now
	if t.Mutate != nil {
		t.Mutate(next)
	}
	if t.Reason != "" && (to == models.StatusCancelled || to == models.StatusFailedDependency) {
		next.FailureReason = t.Reason
	}

	entry := &models.OrderStatusHistory{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		From:      o.Status,
		To:        to,
		Event:     string(t.Event),
		ActorID:   t.Actor,
		Reason:    t.Reason,
		CreatedAt: now,
	}
	if err := m.orders.UpdateOrder(ctx, next, o.Version, entry); err != nil {
		return nil, fmt.Errorf("transition %s de %s: %w", t.Event, o.ID, err)
	}

	log.Printf("✅ Commande %s: %s -> %s (%s par %s)", o.ID, o.Status, to, t.Event, t.Actor)
	payload := map[string]interface{}{
		"from":        string(o.Status),
		"to":          string(to),
		"event":       string(t.Event),
		"customer_id": next.CustomerID,
	}
	if t.Reason != "" {
		payload["reason"] = t.Reason
	}
	if d := next.AssignedDriver(); d != "" {
		payload["driver_id"] = d
	}
	m.events.Publish(ctx, events.New(events.OrderStatusChanged, o.ID, now, payload))
	return next, nil
}
