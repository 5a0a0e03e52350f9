package drivers

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"taybat_back_end/internal/apperr"
	"taybat_back_end/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey = "drivers:online"
	geoKey       = "drivers:geo"
)

func stateKey(driverID string) string { return "driver:state:" + driverID }

// ProfileSource fournit la partie statique du profil (service livreurs).
type ProfileSource interface {
	Profile(ctx context.Context, driverID string) (*models.DriverProfile, error)
}

// Redis garde l'état temps réel des livreurs : ensemble des connectés,
// index GEO des positions et un hash d'état par livreur.
type Redis struct {
	client   redis.UniversalClient
	profiles ProfileSource
}

func NewRedis(client redis.UniversalClient, profiles ProfileSource) *Redis {
	return &Redis{client: client, profiles: profiles}
}

func (r *Redis) Online(ctx context.Context, near *models.Location, radiusKm float64) ([]models.DriverProfile, error) {
	var ids []string
	var err error
	if near != nil && radiusKm > 0 {
		ids, err = r.client.GeoSearch(ctx, geoKey, &redis.GeoSearchQuery{
			Longitude:  near.Lng,
			Latitude:   near.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		}).Result()
	} else {
		ids, err = r.client.SMembers(ctx, onlineSetKey).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("lecture livreurs en ligne: %w", err)
	}

	out := make([]models.DriverProfile, 0, len(ids))
	for _, id := range ids {
		p, err := r.Get(ctx, id)
		if err != nil {
			log.Printf("⚠️ Profil livreur %s ignoré: %v", id, err)
			continue
		}
		if p.Online {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (r *Redis) Get(ctx context.Context, driverID string) (*models.DriverProfile, error) {
	p, err := r.profiles.Profile(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("livreur %s: %w", driverID, apperr.ErrNotFound)
	}

	state, err := r.client.HGetAll(ctx, stateKey(driverID)).Result()
	if err != nil {
		return nil, fmt.Errorf("état livreur %s: %w", driverID, err)
	}
	p.Online = state["online"] == "1"
	if lat, errLat := strconv.ParseFloat(state["lat"], 64); errLat == nil {
		if lng, errLng := strconv.ParseFloat(state["lng"], 64); errLng == nil {
			p.Location = &models.Location{Lat: lat, Lng: lng}
		}
	}
	p.LocationUpdatedAt = parseUnixMilli(state["location_at"])
	p.IdleSince = parseUnixMilli(state["idle_since"])
	return p, nil
}

func (r *Redis) SetOnline(ctx context.Context, driverID string, online bool, at time.Time) error {
	pipe := r.client.TxPipeline()
	if online {
		pipe.HSet(ctx, stateKey(driverID), "online", "1", "idle_since", at.UnixMilli())
		pipe.SAdd(ctx, onlineSetKey, driverID)
	} else {
		pipe.HSet(ctx, stateKey(driverID), "online", "0")
		pipe.SRem(ctx, onlineSetKey, driverID)
		pipe.ZRem(ctx, geoKey, driverID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) UpdateLocation(ctx context.Context, driverID string, loc models.Location, at time.Time) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, stateKey(driverID),
		"lat", strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lng", strconv.FormatFloat(loc.Lng, 'f', -1, 64),
		"location_at", at.UnixMilli())
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: driverID, Longitude: loc.Lng, Latitude: loc.Lat})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) MarkIdle(ctx context.Context, driverID string, at time.Time) error {
	return r.client.HSet(ctx, stateKey(driverID), "idle_since", at.UnixMilli()).Err()
}

func parseUnixMilli(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
