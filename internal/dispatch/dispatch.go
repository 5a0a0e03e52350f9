package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/eligibility"
	"taybat_back_end/internal/events"
	"taybat_back_end/internal/models"
	"taybat_back_end/internal/orderflow"
	"taybat_back_end/internal/store"

	"github.com/google/uuid"
)

type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeBatch      Mode = "batch"
	ModeBroadcast  Mode = "broadcast"
)

type ExhaustedAction string

const (
	ExhaustedManual ExhaustedAction = "manual"
	ExhaustedCancel ExhaustedAction = "cancel"
)

type Policy struct {
	Mode         Mode
	BatchSize    int
	AcceptWindow time.Duration
	MaxCycles    int
	RetryDelay   time.Duration
	OnExhausted  ExhaustedAction
}

// offerSize : 0 veut dire tous les candidats.
func (p Policy) offerSize() int {
	switch p.Mode {
	case ModeSequential:
		return 1
	case ModeBroadcast:
		return 0
	}
	if p.BatchSize < 1 {
		return 1
	}
	return p.BatchSize
}

// Ranker fournit les candidats classés (eligibility.Evaluator).
type Ranker interface {
	EligibleDrivers(ctx context.Context, order *models.Order, exclude map[string]bool) ([]eligibility.Candidate, error)
}

type Store interface {
	store.Suggestions
	store.Dispatches
	store.Assignments
}

// Outcome résume un tour de dispatch.
type Outcome struct {
	Offered   []models.OrderDriverSuggestion
	Expired   []models.OrderDriverSuggestion
	Exhausted bool
	Cancel    bool // la politique demande l'annulation de la commande
}

// Scheduler transforme les candidats en suggestions et arbitre les acceptations.
// L'appelant tient le verrou de la commande pendant chaque opération.
type Scheduler struct {
	store   Store
	ranker  Ranker
	machine *orderflow.Machine
	events  events.Publisher
	queue   ManualQueue
	policy  Policy
	now     func() time.Time
}

func NewScheduler(st Store, ranker Ranker, machine *orderflow.Machine, pub events.Publisher, queue ManualQueue, policy Policy) *Scheduler {
	if policy.MaxCycles <= 0 {
		policy.MaxCycles = 1
	}
	if policy.AcceptWindow <= 0 {
		policy.AcceptWindow = 30 * time.Second
	}
	if policy.OnExhausted == "" {
		policy.OnExhausted = ExhaustedManual
	}
	return &Scheduler{
		store:   st,
		ranker:  ranker,
		machine: machine,
		events:  pub,
		queue:   queue,
		policy:  policy,
		now:     time.Now,
	}
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Start passe la commande en DISPATCHING et lance le premier tour.
func (s *Scheduler) Start(ctx context.Context, o *models.Order) (*models.Order, Outcome, error) {
	next, err := s.machine.Apply(ctx, o, orderflow.Transition{Event: orderflow.EventStartDispatch, Actor: orderflow.ActorSystem})
	if err != nil {
		return nil, Outcome{}, err
	}
	state := models.DispatchState{OrderID: o.ID, Active: true, UpdatedAt: s.now().UTC()}
	if err := s.store.PutDispatch(ctx, state); err != nil {
		return nil, Outcome{}, fmt.Errorf("état dispatch %s: %w", o.ID, err)
	}
	out, err := s.Offer(ctx, next)
	return next, out, err
}

// Offer propose la commande aux prochains candidats si aucune offre n'est en cours.
// Retourne ErrDispatchExhausted quand le nombre de cycles est atteint.
func (s *Scheduler) Offer(ctx context.Context, o *models.Order) (Outcome, error) {
	if o.Status != models.StatusDispatching {
		return Outcome{}, nil
	}
	now := s.now().UTC()

	state, err := s.state(ctx, o.ID, now)
	if err != nil {
		return Outcome{}, err
	}
	if !state.Active {
		return Outcome{}, nil
	}

	existing, err := s.store.ListSuggestions(ctx, o.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("suggestions %s: %w", o.ID, err)
	}
	exclude := make(map[string]bool, len(existing))
	for _, sug := range existing {
		if sug.Status == models.SuggestionPending && now.Before(sug.ExpiresAt) {
			return Outcome{}, nil
		}
		exclude[sug.DriverID] = true
	}

	if state.Cycle >= s.policy.MaxCycles {
		return s.exhaust(ctx, o, state, now)
	}

	candidates, err := s.ranker.EligibleDrivers(ctx, o, exclude)
	state.Cycle++
	state.UpdatedAt = now
	if errors.Is(err, apperr.ErrNoEligibleDriver) {
		if state.Cycle >= s.policy.MaxCycles {
			return s.exhaust(ctx, o, state, now)
		}
		retry := now.Add(s.policy.RetryDelay)
		state.NextRetryAt = &retry
		log.Printf("⚠️ Commande %s: aucun livreur (cycle %d/%d), nouvel essai à %s",
			o.ID, state.Cycle, s.policy.MaxCycles, retry.Format(time.RFC3339))
		return Outcome{}, s.store.PutDispatch(ctx, *state)
	}
	if err != nil {
		return Outcome{}, err
	}

	if n := s.policy.offerSize(); n > 0 && len(candidates) > n {
		candidates = candidates[:n]
	}
	expires := now.Add(s.policy.AcceptWindow)
	offered := make([]models.OrderDriverSuggestion, 0, len(candidates))
	for i, c := range candidates {
		offered = append(offered, models.OrderDriverSuggestion{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			DriverID:   c.Driver.ID,
			Rank:       len(existing) + i + 1,
			Cycle:      state.Cycle,
			DistanceKm: c.DistanceKm,
			Score:      c.Score,
			Status:     models.SuggestionPending,
			CreatedAt:  now,
			ExpiresAt:  expires,
		})
	}
	if err := s.store.CreateSuggestions(ctx, o.ID, offered); err != nil {
		return Outcome{}, fmt.Errorf("création suggestions %s: %w", o.ID, err)
	}

	state.NextRetryAt = &expires
	if err := s.store.PutDispatch(ctx, *state); err != nil {
		return Outcome{}, fmt.Errorf("état dispatch %s: %w", o.ID, err)
	}

	for _, sug := range offered {
		s.events.Publish(ctx, events.New(events.DriverSuggested, o.ID, now, map[string]interface{}{
			"driver_id":     sug.DriverID,
			"suggestion_id": sug.ID,
			"rank":          sug.Rank,
			"cycle":         sug.Cycle,
			"distance_km":   sug.DistanceKm,
			"expires_at":    sug.ExpiresAt.Format(time.RFC3339),
			"type":          string(o.Type),
		}))
	}
	log.Printf("📤 Commande %s proposée à %d livreur(s) (cycle %d)", o.ID, len(offered), state.Cycle)
	return Outcome{Offered: offered}, nil
}

func (s *Scheduler) exhaust(ctx context.Context, o *models.Order, state *models.DispatchState, now time.Time) (Outcome, error) {
	state.Active = false
	state.NextRetryAt = nil
	state.UpdatedAt = now
	out := Outcome{Exhausted: true}

	if s.policy.OnExhausted == ExhaustedCancel {
		out.Cancel = true
	} else {
		state.ManualQueue = true
		if err := s.queue.Push(ctx, o.ID); err != nil {
			return out, fmt.Errorf("file manuelle %s: %w", o.ID, err)
		}
	}
	if err := s.store.PutDispatch(ctx, *state); err != nil {
		return out, fmt.Errorf("état dispatch %s: %w", o.ID, err)
	}

	s.events.Publish(ctx, events.New(events.DispatchExhausted, o.ID, now, map[string]interface{}{
		"cycles": state.Cycle,
		"action": string(s.policy.OnExhausted),
	}))
	log.Printf("❌ Commande %s: recherche épuisée après %d cycle(s), action %s", o.ID, state.Cycle, s.policy.OnExhausted)
	return out, fmt.Errorf("%w: commande %s", apperr.ErrDispatchExhausted, o.ID)
}

// Accept : le premier livreur qui accepte gagne. Le store refuse toute seconde
// acceptation, et la réclamation du livreur l'empêche de porter deux commandes.
// Si l'attribution a échoué après l'acceptation, le même livreur peut la rejouer.
func (s *Scheduler) Accept(ctx context.Context, o *models.Order, suggestionID, driverID string) (*models.Order, error) {
	sug, err := s.ownSuggestion(ctx, o, suggestionID, driverID)
	if err != nil {
		return nil, err
	}
	if o.AssignedDriver() != "" {
		return nil, fmt.Errorf("%w: commande %s", apperr.ErrAlreadyAssigned, o.ID)
	}
	if o.Status != models.StatusDispatching {
		return nil, &apperr.TransitionError{From: string(o.Status), Event: string(orderflow.EventAssignDriver)}
	}

	if err := s.store.ClaimDriver(ctx, driverID, o.ID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if sug.Status != models.SuggestionAccepted {
		if _, err := s.store.AcceptSuggestion(ctx, o.ID, sug.ID, now); err != nil {
			if relErr := s.store.ReleaseDriver(ctx, driverID, o.ID); relErr != nil {
				log.Printf("⚠️ Libération livreur %s: %v", driverID, relErr)
			}
			return nil, err
		}
	} else {
		log.Printf("⚠️ Reprise de l'attribution de %s à %s", o.ID, driverID)
	}
	return s.assign(ctx, o, sug, now)
}

// assign écrit DRIVER_ASSIGNED pour une suggestion déjà acceptée. En cas
// d'échec, suggestion et réservation restent en place pour une reprise.
func (s *Scheduler) assign(ctx context.Context, o *models.Order, sug *models.OrderDriverSuggestion, now time.Time) (*models.Order, error) {
	driverID := sug.DriverID
	next, err := s.machine.Apply(ctx, o, orderflow.Transition{
		Event:  orderflow.EventAssignDriver,
		Actor:  driverID,
		Mutate: func(o *models.Order) { o.DriverID = &driverID },
	})
	if err != nil {
		log.Printf("❌ Suggestion %s acceptée mais commande %s non attribuée: %v", sug.ID, o.ID, err)
		return nil, err
	}

	s.stop(ctx, o.ID, now)
	s.events.Publish(ctx, events.New(events.DriverAccepted, o.ID, now, map[string]interface{}{
		"driver_id":     driverID,
		"suggestion_id": sug.ID,
		"customer_id":   o.CustomerID,
	}))
	return next, nil
}

// accepted retourne la suggestion acceptée de la commande, s'il y en a une.
func (s *Scheduler) accepted(ctx context.Context, orderID string) (*models.OrderDriverSuggestion, error) {
	list, err := s.store.ListSuggestions(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("suggestions %s: %w", orderID, err)
	}
	for i := range list {
		if list[i].Status == models.SuggestionAccepted {
			return &list[i], nil
		}
	}
	return nil, nil
}

// Reject enregistre le refus et relance un tour si plus rien n'est en attente.
func (s *Scheduler) Reject(ctx context.Context, o *models.Order, suggestionID, driverID string) (Outcome, error) {
	sug, err := s.ownSuggestion(ctx, o, suggestionID, driverID)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := s.store.RejectSuggestion(ctx, o.ID, sug.ID, s.now().UTC()); err != nil {
		return Outcome{}, err
	}
	return s.Offer(ctx, o)
}

// AdminAssign attribue la commande à la main (file manuelle).
func (s *Scheduler) AdminAssign(ctx context.Context, o *models.Order, driverID, actor string) (*models.Order, error) {
	if o.Status != models.StatusDispatching {
		return nil, &apperr.TransitionError{From: string(o.Status), Event: string(orderflow.EventAdminAssign)}
	}
	if err := s.store.ClaimDriver(ctx, driverID, o.ID); err != nil {
		return nil, err
	}

	next, err := s.machine.Apply(ctx, o, orderflow.Transition{
		Event:  orderflow.EventAdminAssign,
		Actor:  actor,
		Reason: "attribution manuelle",
		Mutate: func(o *models.Order) { o.DriverID = &driverID },
	})
	if err != nil {
		if relErr := s.store.ReleaseDriver(ctx, driverID, o.ID); relErr != nil {
			log.Printf("⚠️ Libération livreur %s: %v", driverID, relErr)
		}
		return nil, err
	}

	now := s.now().UTC()
	if _, err := s.store.ExpireSuggestions(ctx, o.ID, time.Time{}, now); err != nil {
		log.Printf("⚠️ Expiration suggestions %s: %v", o.ID, err)
	}
	s.stop(ctx, o.ID, now)
	s.events.Publish(ctx, events.New(events.DriverAccepted, o.ID, now, map[string]interface{}{
		"driver_id":   driverID,
		"customer_id": o.CustomerID,
		"manual":      true,
	}))
	return next, nil
}

// Cancel expire toutes les offres en attente et arrête la recherche.
// Appelée sous le verrou de la commande, avant la transition vers CANCELLED.
func (s *Scheduler) Cancel(ctx context.Context, o *models.Order) ([]models.OrderDriverSuggestion, error) {
	now := s.now().UTC()
	expired, err := s.store.ExpireSuggestions(ctx, o.ID, time.Time{}, now)
	if err != nil {
		return nil, fmt.Errorf("expiration suggestions %s: %w", o.ID, err)
	}
	s.stop(ctx, o.ID, now)
	d := o.AssignedDriver()
	if d == "" {
		// acceptation enregistrée sans attribution : la réservation est à rendre aussi
		acc, err := s.accepted(ctx, o.ID)
		if err != nil {
			return expired, err
		}
		if acc != nil {
			d = acc.DriverID
		}
	}
	if d != "" {
		if err := s.store.ReleaseDriver(ctx, d, o.ID); err != nil {
			return expired, fmt.Errorf("libération livreur %s: %w", d, err)
		}
	}
	return expired, nil
}

// Release libère le livreur en fin de course.
func (s *Scheduler) Release(ctx context.Context, o *models.Order) error {
	d := o.AssignedDriver()
	if d == "" {
		return nil
	}
	return s.store.ReleaseDriver(ctx, d, o.ID)
}

// Tick : passage du balayeur. Expire les offres échues puis relance un tour
// si le délai est écoulé. Idempotent.
func (s *Scheduler) Tick(ctx context.Context, o *models.Order) (Outcome, error) {
	now := s.now().UTC()
	expired, err := s.store.ExpireSuggestions(ctx, o.ID, now, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("expiration suggestions %s: %w", o.ID, err)
	}

	if o.Status != models.StatusDispatching {
		s.stop(ctx, o.ID, now)
		return Outcome{Expired: expired}, nil
	}

	// une acceptation restée sans attribution est terminée ici
	acc, err := s.accepted(ctx, o.ID)
	if err != nil {
		return Outcome{Expired: expired}, err
	}
	if acc != nil {
		if err := s.store.ClaimDriver(ctx, acc.DriverID, o.ID); err != nil {
			return Outcome{Expired: expired}, err
		}
		_, err := s.assign(ctx, o, acc, now)
		return Outcome{Expired: expired}, err
	}

	state, err := s.state(ctx, o.ID, now)
	if err != nil {
		return Outcome{Expired: expired}, err
	}
	if state.NextRetryAt != nil && state.NextRetryAt.After(now) {
		return Outcome{Expired: expired}, nil
	}

	out, err := s.Offer(ctx, o)
	out.Expired = expired
	return out, err
}

func (s *Scheduler) ownSuggestion(ctx context.Context, o *models.Order, suggestionID, driverID string) (*models.OrderDriverSuggestion, error) {
	sug, err := s.store.GetSuggestion(ctx, suggestionID)
	if err != nil {
		return nil, err
	}
	if sug.OrderID != o.ID {
		return nil, fmt.Errorf("suggestion %s: %w", suggestionID, apperr.ErrNotFound)
	}
	if sug.DriverID != driverID {
		return nil, fmt.Errorf("%w: suggestion %s adressée à un autre livreur", apperr.ErrForbidden, suggestionID)
	}
	return sug, nil
}

func (s *Scheduler) state(ctx context.Context, orderID string, now time.Time) (*models.DispatchState, error) {
	st, err := s.store.GetDispatch(ctx, orderID)
	// pas d'état : recherche jamais démarrée ou déjà terminée
	if errors.Is(err, apperr.ErrNotFound) {
		return &models.DispatchState{OrderID: orderID, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("état dispatch %s: %w", orderID, err)
	}
	return st, nil
}

func (s *Scheduler) stop(ctx context.Context, orderID string, now time.Time) {
	if err := s.store.PutDispatch(ctx, models.DispatchState{OrderID: orderID, Active: false, UpdatedAt: now}); err != nil {
		log.Printf("⚠️ Arrêt dispatch %s: %v", orderID, err)
	}
	if err := s.queue.Remove(ctx, orderID); err != nil {
		log.Printf("⚠️ Retrait file manuelle %s: %v", orderID, err)
	}
}
