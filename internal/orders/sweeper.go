package orders

import (
	"context"
	"errors"
	"log"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"
)

// SweepReport compte ce qu'un passage du balayeur a fait.
type SweepReport struct {
	Orders    int
	Expired   int
	Offered   int
	Exhausted int
}

// Sweep expire les offres échues et relance les recherches en attente.
// Plusieurs passages sur le même état ne changent rien de plus.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	states, err := s.Store.ListActiveDispatches(ctx)
	if err != nil {
		return report, err
	}

	for _, st := range states {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Orders++
		_, err := s.withOrder(ctx, st.OrderID, nil, func(o *models.Order) (*models.Order, error) {
			out, err := s.Dispatch.Tick(ctx, o)
			report.Expired += len(out.Expired)
			report.Offered += len(out.Offered)
			if out.Exhausted {
				report.Exhausted++
			}
			return s.afterDispatch(ctx, o, out, err)
		})
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			log.Printf("⚠️ Balayage commande %s: %v", st.OrderID, err)
		}
	}
	return report, nil
}

// Run lance Sweep à intervalle régulier jusqu'à l'annulation de ctx.
func (s *Service) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Printf("🚀 Balayeur de dispatch démarré (toutes les %s)", every)
	for {
		select {
		case <-ctx.Done():
			log.Println("✅ Balayeur de dispatch arrêté")
			return nil
		case <-ticker.C:
			report, err := s.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				log.Printf("❌ Balayage: %v", err)
				continue
			}
			if s.onSweep != nil {
				s.onSweep(report)
			}
			if report.Expired > 0 || report.Offered > 0 || report.Exhausted > 0 {
				log.Printf("✅ Balayage: %d commande(s), %d expirée(s), %d offre(s), %d épuisée(s)",
					report.Orders, report.Expired, report.Offered, report.Exhausted)
			}
		}
	}
}

// OnSweep installe un observateur appelé après chaque passage de Run.
func (s *Service) OnSweep(fn func(SweepReport)) *Service {
	s.onSweep = fn
	return s
}

// SetDriverOnline : seul un livreur approuvé peut se connecter.
func (s *Service) SetDriverOnline(ctx context.Context, driverID string, online bool) error {
	if online {
		ok, err := s.Identity.IsApprovedDriver(ctx, driverID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Validationf("livreur %s non approuvé", driverID)
		}
	}
	return s.Drivers.SetOnline(ctx, driverID, online, s.now().UTC())
}

func (s *Service) UpdateDriverLocation(ctx context.Context, driverID string, loc models.Location) error {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lng < -180 || loc.Lng > 180 {
		return apperr.Validationf("coordonnées invalides")
	}
	return s.Drivers.UpdateLocation(ctx, driverID, loc, s.now().UTC())
}
