package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taybat_back_end/internal/models"

	"github.com/gocql/gocql"
	"github.com/redis/go-redis/v9"
)

const (
	RolesCacheTTL   = 5 * time.Minute
	ProfileCacheTTL = 1 * time.Minute
)

// Scylla lit user_roles, driver_profiles et users dans le keyspace utilisateurs,
// avec un cache Redis devant (cache-aside).
type Scylla struct {
	session *gocql.Session
	cache   redis.UniversalClient
}

func NewScylla(session *gocql.Session, cache redis.UniversalClient) *Scylla {
	return &Scylla{session: session, cache: cache}
}

func (s *Scylla) HasRole(ctx context.Context, userID, role string) (bool, error) {
	roles, err := s.roles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r == role {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scylla) roles(ctx context.Context, userID string) ([]string, error) {
	key := "user_roles:" + userID

	// 1. Essayer le cache Redis
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key).Result(); err == nil {
			var roles []string
			if json.Unmarshal([]byte(data), &roles) == nil {
				return roles, nil
			}
		}
	}

	// 2. Récupérer de ScyllaDB
	iter := s.session.Query(`SELECT role FROM user_roles WHERE user_id = ?`, userID).WithContext(ctx).Iter()
	var roles []string
	var role string
	for iter.Scan(&role) {
		roles = append(roles, role)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture rôles %s: %w", userID, err)
	}

	// 3. Mettre en cache
	if s.cache != nil {
		data, _ := json.Marshal(roles)
		s.cache.Set(ctx, key, data, RolesCacheTTL)
	}
	return roles, nil
}

func (s *Scylla) IsApprovedDriver(ctx context.Context, userID string) (bool, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Approval == models.ApprovalApproved, nil
}

// Profile retourne la partie statique du profil livreur (approbation, véhicule, capacités).
func (s *Scylla) Profile(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	key := "driver_profile:" + driverID
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, key).Result(); err == nil {
			var p models.DriverProfile
			if json.Unmarshal([]byte(data), &p) == nil {
				return &p, nil
			}
		}
	}

	p := models.DriverProfile{ID: driverID}
	var approval, vehicle string
	err := s.session.Query(`SELECT approval_status, vehicle_type, accepts_food, accepts_shipping, accepts_taxi, rating
		FROM driver_profiles WHERE driver_id = ?`, driverID).WithContext(ctx).
		Scan(&approval, &vehicle, &p.AcceptsFood, &p.AcceptsShipping, &p.AcceptsTaxi, &p.Rating)
	if err != nil {
		return nil, err
	}
	p.Approval = models.ApprovalStatus(approval)
	p.Vehicle = models.VehicleType(vehicle)

	if s.cache != nil {
		data, _ := json.Marshal(p)
		s.cache.Set(ctx, key, data, ProfileCacheTTL)
	}
	return &p, nil
}

func (s *Scylla) EmailOf(ctx context.Context, userID string) (string, error) {
	var email string
	err := s.session.Query(`SELECT email FROM users WHERE user_id = ?`, userID).WithContext(ctx).Scan(&email)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", nil
	}
	return email, err
}
