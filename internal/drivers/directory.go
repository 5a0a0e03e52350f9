package drivers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/geo"
	"taybat_back_end/internal/models"

	"github.com/gocql/gocql"
)

// Directory expose les livreurs en ligne et leur position.
// Seuls la disponibilité et la position sont écrites ici.
type Directory interface {
	// Online liste les livreurs en ligne, autour de near si fourni (radiusKm > 0).
	Online(ctx context.Context, near *models.Location, radiusKm float64) ([]models.DriverProfile, error)
	Get(ctx context.Context, driverID string) (*models.DriverProfile, error)
	SetOnline(ctx context.Context, driverID string, online bool, at time.Time) error
	UpdateLocation(ctx context.Context, driverID string, loc models.Location, at time.Time) error
	MarkIdle(ctx context.Context, driverID string, at time.Time) error
}

// Memory : annuaire en mémoire. Avec une source, un livreur inconnu est
// chargé depuis elle au premier accès.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]models.DriverProfile
	source   ProfileSource
}

func NewMemory(profiles ...models.DriverProfile) *Memory {
	m := &Memory{profiles: make(map[string]models.DriverProfile)}
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	return m
}

// WithSource branche le référentiel des profils (Scylla sans Redis).
func (m *Memory) WithSource(src ProfileSource) *Memory {
	m.source = src
	return m
}

func (m *Memory) Put(p models.DriverProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *Memory) Online(_ context.Context, near *models.Location, radiusKm float64) ([]models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.DriverProfile
	for _, p := range m.profiles {
		if !p.Online {
			continue
		}
		if near != nil && radiusKm > 0 {
			if p.Location == nil || geo.DistanceKm(*near, *p.Location) > radiusKm {
				continue
			}
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	m.mu.RLock()
	p, ok := m.profiles[driverID]
	m.mu.RUnlock()
	if ok {
		return &p, nil
	}
	if err := m.load(ctx, driverID); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	p = m.profiles[driverID]
	return &p, nil
}

// load importe le profil statique depuis la source ; l'état en ligne reste local.
func (m *Memory) load(ctx context.Context, driverID string) error {
	if m.source == nil {
		return fmt.Errorf("livreur %s: %w", driverID, apperr.ErrNotFound)
	}
	p, err := m.source.Profile(ctx, driverID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return fmt.Errorf("livreur %s: %w", driverID, apperr.ErrNotFound)
		}
		return fmt.Errorf("profil livreur %s: %w", driverID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[driverID]; !ok {
		p.ID = driverID
		m.profiles[driverID] = *p
	}
	return nil
}

func (m *Memory) SetOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	return m.update(ctx, driverID, func(p *models.DriverProfile) {
		if online && !p.Online {
			p.IdleSince = at
		}
		p.Online = online
	})
}

func (m *Memory) UpdateLocation(ctx context.Context, driverID string, loc models.Location, at time.Time) error {
	return m.update(ctx, driverID, func(p *models.DriverProfile) {
		p.Location = &loc
		p.LocationUpdatedAt = at
	})
}

func (m *Memory) MarkIdle(ctx context.Context, driverID string, at time.Time) error {
	return m.update(ctx, driverID, func(p *models.DriverProfile) { p.IdleSince = at })
}

func (m *Memory) update(ctx context.Context, driverID string, fn func(*models.DriverProfile)) error {
	m.mu.RLock()
	_, ok := m.profiles[driverID]
	m.mu.RUnlock()
	if !ok {
		if err := m.load(ctx, driverID); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.profiles[driverID]
	fn(&p)
	m.profiles[driverID] = p
	return nil
}
