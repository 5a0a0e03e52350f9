package eligibility

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/drivers"
	"taybat_back_end/internal/geo"
	"taybat_back_end/internal/identity"
	"taybat_back_end/internal/models"
)

// Policy : tous les seuils et poids viennent de la configuration.
type Policy struct {
	RadiusKm           float64
	MaxLocationAge     time.Duration // 0 = pas de contrôle
	TaxiMaxLocationAge time.Duration
	WeightDistance     float64
	WeightRating       float64
	WeightIdle         float64
	IdleCap            time.Duration
}

type Candidate struct {
	Driver     models.DriverProfile `json:"driver"`
	DistanceKm float64              `json:"distance_km"`
	Score      float64              `json:"score"`
}

// AssignmentReader dit si un livreur porte déjà une commande.
type AssignmentReader interface {
	DriverAssignment(ctx context.Context, driverID string) (string, error)
}

type Evaluator struct {
	directory   drivers.Directory
	identity    identity.Checker
	assignments AssignmentReader
	policy      Policy
	now         func() time.Time
}

func NewEvaluator(dir drivers.Directory, ids identity.Checker, assignments AssignmentReader, policy Policy) *Evaluator {
	if policy.IdleCap <= 0 {
		policy.IdleCap = time.Hour
	}
	return &Evaluator{
		directory:   dir,
		identity:    ids,
		assignments: assignments,
		policy:      policy,
		now:         time.Now,
	}
}

// WithClock remplace l'horloge (tests).
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// EligibleDrivers filtre puis classe les livreurs pour une commande.
// exclude contient les livreurs déjà sollicités pour cette commande.
func (e *Evaluator) EligibleDrivers(ctx context.Context, order *models.Order, exclude map[string]bool) ([]Candidate, error) {
	pool, err := e.directory.Online(ctx, order.Pickup, e.policy.RadiusKm)
	if err != nil {
		return nil, fmt.Errorf("annuaire livreurs: %w", err)
	}

	now := e.now()
	var out []Candidate
	for _, d := range pool {
		c, ok := e.check(ctx, order, d, exclude, now)
		if ok {
			out = append(out, c)
		}
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: commande %s", apperr.ErrNoEligibleDriver, order.ID)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Driver.ID < out[j].Driver.ID
	})
	return out, nil
}

func (e *Evaluator) check(ctx context.Context, order *models.Order, d models.DriverProfile, exclude map[string]bool, now time.Time) (Candidate, bool) {
	if exclude[d.ID] || d.ID == order.CustomerID {
		return Candidate{}, false
	}
	if !d.Online || d.Approval != models.ApprovalApproved {
		return Candidate{}, false
	}
	if !d.Accepts(order.Type) {
		return Candidate{}, false
	}
	if order.RequestedVehicle != "" && d.Vehicle != order.RequestedVehicle {
		return Candidate{}, false
	}

	maxAge := e.policy.MaxLocationAge
	if order.Type == models.OrderTypeTaxi && e.policy.TaxiMaxLocationAge > 0 {
		maxAge = e.policy.TaxiMaxLocationAge
	}
	if maxAge > 0 && (d.Location == nil || now.Sub(d.LocationUpdatedAt) > maxAge) {
		return Candidate{}, false
	}

	var distance float64
	if order.Pickup != nil {
		if d.Location == nil {
			return Candidate{}, false
		}
		distance = geo.DistanceKm(*order.Pickup, *d.Location)
		if e.policy.RadiusKm > 0 && distance > e.policy.RadiusKm {
			return Candidate{}, false
		}
	}

	approved, err := e.identity.IsApprovedDriver(ctx, d.ID)
	if err != nil {
		log.Printf("⚠️ Vérification livreur %s impossible: %v", d.ID, err)
		return Candidate{}, false
	}
	if !approved {
		return Candidate{}, false
	}

	current, err := e.assignments.DriverAssignment(ctx, d.ID)
	if err != nil {
		log.Printf("⚠️ Affectation du livreur %s illisible: %v", d.ID, err)
		return Candidate{}, false
	}
	if current != "" && current != order.ID {
		return Candidate{}, false
	}

	return Candidate{Driver: d, DistanceKm: distance, Score: e.score(d, distance, now)}, true
}

// score : plus c'est haut, mieux c'est. Proximité, note /5 et temps d'inactivité plafonné.
func (e *Evaluator) score(d models.DriverProfile, distanceKm float64, now time.Time) float64 {
	proximity := 1 / (1 + distanceKm)
	rating := math.Max(0, math.Min(d.Rating, 5)) / 5

	var idle float64
	if !d.IdleSince.IsZero() && now.After(d.IdleSince) {
		idle = math.Min(float64(now.Sub(d.IdleSince))/float64(e.policy.IdleCap), 1)
	}
	return e.policy.WeightDistance*proximity + e.policy.WeightRating*rating + e.policy.WeightIdle*idle
}
