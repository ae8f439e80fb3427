package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	resultApplied    = "applied"
	resultInvalid    = "invalid"
	resultRedisError = "redis_error"
)

var pingsHandled = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "ride_dispatch",
	Subsystem: "consumer",
	Name:      "pings_total",
	Help:      "Driver location pings read from Kafka, by outcome",
}, []string{"result"})

func init() {
	prometheus.MustRegister(pingsHandled)
}

// messageReader is the part of *kafka.Reader the consumer drives.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// RedisUpdater is the subset of redis the consumer writes with.
type RedisUpdater interface {
	GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error
	HSet(ctx context.Context, key string, values map[string]interface{}) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	return r.c.GeoAdd(ctx, key, loc).Err()
}

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// locationConsumer folds driver pings into the shared Redis driver index.
// Offsets are committed after a message is handled, so a crash replays
// at most the in-flight ping.
type locationConsumer struct {
	reader  messageReader
	redis   RedisUpdater
	geoKey  string
	logger  *slog.Logger
	retries int
	delay   time.Duration
	// maxBackoff caps the wait between failed fetches.
	maxBackoff time.Duration
}

// run consumes until ctx is canceled.
func (c *locationConsumer) run(ctx context.Context) {
	backoff := c.delay
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("kafka_fetch_failed", "error", err, "backoff", backoff.String())
			if sleepCtx(ctx, backoff) != nil {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.delay

		pingsHandled.WithLabelValues(c.handle(ctx, m)).Inc()
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Warn("kafka_commit_failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}

// handle applies one message and reports its outcome. Undecodable pings and
// pings Redis keeps rejecting are logged and skipped.
func (c *locationConsumer) handle(ctx context.Context, m kafka.Message) string {
	p, err := decodePing(m.Value)
	if err != nil {
		c.logger.Warn("invalid_ping", "partition", m.Partition, "offset", m.Offset, "error", err)
		return resultInvalid
	}
	if p.At.IsZero() {
		p.At = m.Time
	}
	if err := updateRedisWithRetry(ctx, c.redis, c.geoKey, p, c.retries, c.delay); err != nil {
		c.logger.Error("redis_update_failed", "driver_id", p.DriverID, "error", err)
		return resultRedisError
	}
	return resultApplied
}

func decodePing(raw []byte) (models.LocationPing, error) {
	var p models.LocationPing
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, err
	}
	if p.DriverID == "" {
		return p, errors.New("driverId is required")
	}
	if !geo.ValidCoord(models.Coord{Lat: p.Lat, Lon: p.Lon}) {
		return p, errors.New("coordinates out of range")
	}
	return p, nil
}

// applyPing writes the keys the API's Redis index reads: the base GEO set,
// the per-vehicle-type set and the driver meta hash.
func applyPing(ctx context.Context, rc RedisUpdater, baseKey string, p models.LocationPing) error {
	loc := &redis.GeoLocation{Longitude: p.Lon, Latitude: p.Lat, Name: p.DriverID}
	if err := rc.GeoAdd(ctx, baseKey, loc); err != nil {
		return err
	}
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}
	meta := map[string]interface{}{"updated": at.UTC().Format(time.RFC3339)}
	if p.VehicleType != "" {
		if err := rc.GeoAdd(ctx, geo.TypeKey(baseKey, p.VehicleType), loc); err != nil {
			return err
		}
		meta["vehicle_type"] = p.VehicleType
	}
	return rc.HSet(ctx, geo.MetaKey(p.DriverID), meta)
}

// updateRedisWithRetry applies the ping, doubling delay between attempts.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, baseKey string, p models.LocationPing, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = applyPing(ctx, rc, baseKey, p); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		if serr := sleepCtx(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
