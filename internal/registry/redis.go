package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

// Redis is a Registry shared by several API instances. Dedup entries expire
// through Redis TTLs so no sweeper is needed.
type Redis struct {
	client  *redis.Client
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedis(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultDispatchTTL
	}
	return &Redis{client: client, ttl: ttl, timeout: 500 * time.Millisecond, logger: logging.OrDiscard(logger)}
}

func dispatchedKey(bookingID, driverID string) string {
	return fmt.Sprintf("dispatch:booking:%s:driver:%s", bookingID, driverID)
}

func bookingDriversKey(bookingID string) string {
	return fmt.Sprintf("dispatch:booking:%s:drivers", bookingID)
}

func liveKey(driverID string) string      { return "driver:live:" + driverID }
func connsKey(driverID string) string     { return "driver:conns:" + driverID }
func availableKey(driverID string) string { return "driver:available:" + driverID }

func (r *Redis) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *Redis) warn(op string, err error, args ...any) {
	r.logger.Warn("registry redis "+op+" failed", append(args, "error", err)...)
}

// MarkDispatched fails open: when Redis cannot answer, the offer goes out
// and the booking store's conditional accept still keeps it safe.
func (r *Redis) MarkDispatched(bookingID, driverID string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	ok, err := r.client.SetNX(ctx, dispatchedKey(bookingID, driverID), time.Now().Unix(), r.ttl).Result()
	if err != nil {
		r.warn("mark dispatched", err, "booking_id", bookingID, "driver_id", driverID)
		return true
	}
	if ok {
		pipe := r.client.Pipeline()
		pipe.SAdd(ctx, bookingDriversKey(bookingID), driverID)
		pipe.Expire(ctx, bookingDriversKey(bookingID), r.ttl)
		if _, err := pipe.Exec(ctx); err != nil {
			r.warn("index dispatched", err, "booking_id", bookingID)
		}
	}
	return ok
}

func (r *Redis) WasDispatched(bookingID, driverID string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.client.Exists(ctx, dispatchedKey(bookingID, driverID)).Result()
	if err != nil {
		r.warn("was dispatched", err, "booking_id", bookingID, "driver_id", driverID)
		return false
	}
	return n > 0
}

func (r *Redis) UnmarkDispatched(bookingID, driverID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.Pipeline()
	pipe.Del(ctx, dispatchedKey(bookingID, driverID))
	pipe.SRem(ctx, bookingDriversKey(bookingID), driverID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.warn("unmark dispatched", err, "booking_id", bookingID, "driver_id", driverID)
	}
}

func (r *Redis) ClearBooking(bookingID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	drivers, err := r.client.SMembers(ctx, bookingDriversKey(bookingID)).Result()
	if err != nil {
		r.warn("clear booking", err, "booking_id", bookingID)
		return
	}
	keys := make([]string, 0, len(drivers)+1)
	for _, d := range drivers {
		keys = append(keys, dispatchedKey(bookingID, d))
	}
	keys = append(keys, bookingDriversKey(bookingID))
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.warn("clear booking", err, "booking_id", bookingID)
	}
}

func (r *Redis) SetLiveLocation(driverID string, loc models.LiveLocation) {
	if loc.UpdatedAt.IsZero() {
		loc.UpdatedAt = time.Now()
	}
	ctx, cancel := r.ctx()
	defer cancel()
	err := r.client.HSet(ctx, liveKey(driverID), map[string]interface{}{
		"lat":     strconv.FormatFloat(loc.Lat, 'f', -1, 64),
		"lon":     strconv.FormatFloat(loc.Lon, 'f', -1, 64),
		"bearing": strconv.FormatFloat(loc.Bearing, 'f', -1, 64),
		"updated": loc.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		r.warn("set live location", err, "driver_id", driverID)
	}
}

func (r *Redis) LiveLocation(driverID string) (models.LiveLocation, bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	m, err := r.client.HGetAll(ctx, liveKey(driverID)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.warn("live location", err, "driver_id", driverID)
		}
		return models.LiveLocation{}, false
	}
	return parseLive(m)
}

func parseLive(m map[string]string) (models.LiveLocation, bool) {
	if len(m) == 0 {
		return models.LiveLocation{}, false
	}
	var loc models.LiveLocation
	var err error
	if loc.Lat, err = strconv.ParseFloat(m["lat"], 64); err != nil {
		return models.LiveLocation{}, false
	}
	if loc.Lon, err = strconv.ParseFloat(m["lon"], 64); err != nil {
		return models.LiveLocation{}, false
	}
	loc.Bearing, _ = strconv.ParseFloat(m["bearing"], 64)
	loc.UpdatedAt, _ = time.Parse(time.RFC3339Nano, m["updated"])
	return loc, true
}

func (r *Redis) RegisterConnection(driverID, connID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	if err := r.client.SAdd(ctx, connsKey(driverID), connID).Err(); err != nil {
		r.warn("register connection", err, "driver_id", driverID)
	}
}

func (r *Redis) UnregisterConnection(driverID, connID string) {
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, connsKey(driverID), connID)
	pipe.SRem(ctx, availableKey(driverID), connID)
	remaining := pipe.SCard(ctx, connsKey(driverID))
	if _, err := pipe.Exec(ctx); err != nil {
		r.warn("unregister connection", err, "driver_id", driverID)
		return
	}
	if remaining.Val() == 0 {
		_ = r.client.Del(ctx, liveKey(driverID)).Err()
	}
}

func (r *Redis) SetAvailability(driverID, connID string, available bool) {
	ctx, cancel := r.ctx()
	defer cancel()
	var err error
	if available {
		err = r.client.SAdd(ctx, availableKey(driverID), connID).Err()
	} else {
		err = r.client.SRem(ctx, availableKey(driverID), connID).Err()
	}
	if err != nil {
		r.warn("set availability", err, "driver_id", driverID)
	}
}

func (r *Redis) IsAvailable(driverID string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.client.SCard(ctx, availableKey(driverID)).Result()
	if err != nil {
		r.warn("is available", err, "driver_id", driverID)
		return false
	}
	return n > 0
}
