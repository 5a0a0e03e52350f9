package orders

import (
	"context"
	"errors"
	"fmt"
	"log"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/lock"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orderflow"
)

// AcceptSuggestion : verrou de la commande puis du livreur, toujours dans cet ordre.
func (s *Service) AcceptSuggestion(ctx context.Context, driverID, suggestionID string) (*models.Order, error) {
	sug, err := s.Store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	return s.withOrder(ctx, sug.OrderID, []string{lock.DriverKey(driverID)}, func(o *models.Order) (*models.Order, error) {
		return s.Dispatch.Accept(ctx, o, suggestionID, driverID)
	})
}

func (s *Service) RejectSuggestion(ctx context.Context, driverID, suggestionID string) (*models.Order, error) {
	sug, err := s.Store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	return s.withOrder(ctx, sug.OrderID, nil, func(o *models.Order) (*models.Order, error) {
		out, err := s.Dispatch.Reject(ctx, o, suggestionID, driverID)
		return s.afterDispatch(ctx, o, out, err)
	})
}

func (s *Service) StartTrip(ctx context.Context, driverID, orderID string) (*models.Order, error) {
	return s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		if o.AssignedDriver() != driverID {
			return nil, fmt.Errorf("%w: commande %s non attribuée à ce livreur", apperr.ErrForbidden, orderID)
		}
		return s.Machine.Apply(ctx, o, orderflow.Transition{Event: orderflow.EventStartTrip, Actor: driverID})
	})
}

// CompleteTrip encaisse puis termine la commande.
func (s *Service) CompleteTrip(ctx context.Context, driverID, orderID string) (*models.Order, error) {
	return s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		if o.AssignedDriver() != driverID {
			return nil, fmt.Errorf("%w: commande %s non attribuée à ce livreur", apperr.ErrForbidden, orderID)
		}
		return s.complete(ctx, o, orderflow.Transition{Event: orderflow.EventComplete, Actor: driverID})
	})
}

func (s *Service) complete(ctx context.Context, o *models.Order, t orderflow.Transition) (*models.Order, error) {
	if _, err := orderflow.Next(o.Status, t.Event); err != nil {
		return nil, err
	}
	if orderflow.Privileged(t.Event) {
		if err := s.requireRole(ctx, t.Actor, identity.RoleAdmin); err != nil {
			return nil, err
		}
	}

	if _, err := s.Payments.Capture(ctx, o); err != nil {
		if o.Status == models.StatusFailedDependency {
			return nil, err
		}
		next, failErr := s.Machine.Apply(ctx, o, orderflow.Transition{
			Event:  orderflow.EventFailDependency,
			Actor:  orderflow.ActorSystem,
			Reason: "capture du paiement impossible",
		})
		if failErr != nil {
			log.Printf("❌ Commande %s: %v", o.ID, failErr)
			return nil, err
		}
		return next, err
	}

	next, err := s.Machine.Apply(ctx, o, t)
	if err != nil {
		return nil, err
	}
	if err := s.Dispatch.Release(ctx, next); err != nil {
		log.Printf("⚠️ Libération livreur (commande %s): %v", o.ID, err)
	}
	if d := next.AssignedDriver(); d != "" {
		s.markIdle(ctx, d)
	}
	return next, nil
}

// Cancel : le client propriétaire ou un admin. L'admin passe par l'événement privilégié.
func (s *Service) Cancel(ctx context.Context, actorID, orderID, reason string) (*models.Order, error) {
	return s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		ev := orderflow.EventCancel
		switch {
		case o.CustomerID == actorID && o.Status != models.StatusFailedDependency:
		case s.isAdmin(ctx, actorID):
			ev = orderflow.EventAdminCancel
		default:
			return nil, fmt.Errorf("%w: commande %s", apperr.ErrForbidden, orderID)
		}
		if reason == "" {
			reason = "annulée par le client"
		}
		return s.cancel(ctx, o, orderflow.Transition{Event: ev, Actor: actorID, Reason: reason})
	})
}

// Refund : remboursement partiel par un vendeur ou un admin, borné par le capturé.
// La commande passe en REFUNDED quand tout le capturé est rendu.
func (s *Service) Refund(ctx context.Context, actorID, orderID string, amount models.Money, reason string) (*models.Transaction, *models.Order, error) {
	if !s.isAdmin(ctx, actorID) {
		if err := s.requireRole(ctx, actorID, identity.RoleSeller); err != nil {
			return nil, nil, err
		}
	}

	var tx *models.Transaction
	o, err := s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		if o.Status != models.StatusCompleted && o.Status != models.StatusCancelled {
			return nil, &apperr.TransitionError{From: string(o.Status), Event: string(orderflow.EventRefund)}
		}
		var err error
		tx, err = s.Payments.Refund(ctx, o, amount, reason)
		if err != nil {
			return nil, err
		}
		ledger, _, err := s.Payments.Ledger(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		if ledger.Refundable() > 0 || ledger.Capturable() > 0 {
			return o, nil
		}
		return s.Machine.Apply(ctx, o, orderflow.Transition{Event: orderflow.EventRefund, Actor: actorID, Reason: reason})
	})
	if err != nil {
		return tx, nil, err
	}
	return tx, o, nil
}

func (s *Service) AdminAssign(ctx context.Context, actorID, orderID, driverID string) (*models.Order, error) {
	if err := s.requireRole(ctx, actorID, identity.RoleAdmin); err != nil {
		return nil, err
	}
	ok, err := s.Identity.IsApprovedDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Validationf("livreur %s non approuvé", driverID)
	}
	return s.withOrder(ctx, orderID, []string{lock.DriverKey(driverID)}, func(o *models.Order) (*models.Order, error) {
		return s.Dispatch.AdminAssign(ctx, o, driverID, actorID)
	})
}

func (s *Service) AdminCancel(ctx context.Context, actorID, orderID, reason string) (*models.Order, error) {
	return s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		if reason == "" {
			reason = "annulée par un administrateur"
		}
		return s.cancel(ctx, o, orderflow.Transition{Event: orderflow.EventAdminCancel, Actor: actorID, Reason: reason})
	})
}

func (s *Service) AdminComplete(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	return s.withOrder(ctx, orderID, nil, func(o *models.Order) (*models.Order, error) {
		return s.complete(ctx, o, orderflow.Transition{Event: orderflow.EventAdminComplete, Actor: actorID})
	})
}

// --- lectures ---

// Get : visible par le client, le livreur attribué et les admins.
func (s *Service) Get(ctx context.Context, actorID, orderID string) (*models.Order, error) {
	o, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.canView(ctx, actorID, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) History(ctx context.Context, actorID, orderID string) ([]models.OrderStatusHistory, error) {
	if _, err := s.Get(ctx, actorID, orderID); err != nil {
		return nil, err
	}
	return s.Store.ListHistory(ctx, orderID)
}

func (s *Service) Transactions(ctx context.Context, actorID, orderID string) (models.Ledger, []models.Transaction, error) {
	if err := s.requireRole(ctx, actorID, identity.RoleAdmin); err != nil {
		return models.Ledger{}, nil, err
	}
	if _, err := s.Store.GetOrder(ctx, orderID); err != nil {
		return models.Ledger{}, nil, err
	}
	return s.Payments.Ledger(ctx, orderID)
}

// ManualQueue liste les commandes en attente d'attribution manuelle.
func (s *Service) ManualQueue(ctx context.Context, actorID string) ([]*models.Order, error) {
	if err := s.requireRole(ctx, actorID, identity.RoleAdmin); err != nil {
		return nil, err
	}
	ids, err := s.Queue.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.Store.GetOrder(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Service) canView(ctx context.Context, actorID string, o *models.Order) error {
	if o.CustomerID == actorID || o.AssignedDriver() == actorID || s.isAdmin(ctx, actorID) {
		return nil
	}
	return fmt.Errorf("%w: commande %s", apperr.ErrForbidden, o.ID)
}
