package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Every driver lives in
// the base key and, once its vehicle type is known, in "<key>:<type>".
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Apply(ctx context.Context, p models.LocationPing) error {
	vehicleType := p.VehicleType
	if vehicleType == "" {
		vehicleType, _ = r.client.HGet(ctx, MetaKey(p.DriverID), "vehicle_type").Result()
	}
	if err := r.geoAdd(ctx, p.DriverID, vehicleType, models.Coord{Lat: p.Lat, Lon: p.Lon}); err != nil {
		return err
	}
	meta := map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}
	if p.VehicleType != "" {
		meta["vehicle_type"] = p.VehicleType
	}
	return r.client.HSet(ctx, MetaKey(p.DriverID), meta).Err()
}

func (r *RedisGeo) geoAdd(ctx context.Context, id, vehicleType string, c models.Coord) error {
	loc := &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: id}
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, loc)
	if vehicleType != "" {
		pipe.GeoAdd(ctx, TypeKey(r.key, vehicleType), loc)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisGeo) Candidates(ctx context.Context, vehicleType string, near models.Coord, radiusKm float64) ([]models.Driver, error) {
	key := r.key
	if vehicleType != "" {
		key = TypeKey(r.key, vehicleType)
	}
	res, err := r.client.GeoSearchLocation(ctx, key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  near.Lon,
			Latitude:   near.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamService, err, "redis geo search")
	}
	out := make([]models.Driver, 0, len(res))
	for _, g := range res {
		d := models.Driver{ID: g.Name, VehicleType: vehicleType}
		d.Location = &models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		r.fillMeta(ctx, &d)
		out = append(out, d)
	}
	return out, nil
}

func (r *RedisGeo) Driver(ctx context.Context, id string) (models.Driver, error) {
	d := models.Driver{ID: id}
	found := r.fillMeta(ctx, &d)
	pos, err := r.client.GeoPos(ctx, r.key, id).Result()
	if err != nil {
		return d, errs.Wrap(errs.UpstreamService, err, "redis geo pos")
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Location = &models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
		found = true
	}
	if !found {
		return d, errs.New(errs.NotFound, "driver %s not found", id)
	}
	return d, nil
}

func (r *RedisGeo) fillMeta(ctx context.Context, d *models.Driver) bool {
	m, err := r.client.HGetAll(ctx, MetaKey(d.ID)).Result()
	if err != nil || len(m) == 0 {
		return false
	}
	if v, ok := m["vehicle_type"]; ok && v != "" {
		d.VehicleType = v
	}
	if v, ok := m["updated"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = ts
		}
	}
	return true
}

func MetaKey(id string) string { return "driver:meta:" + id }

func TypeKey(base, vehicleType string) string { return base + ":" + vehicleType }
