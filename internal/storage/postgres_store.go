package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

const bookingColumns = `id, passenger_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	dropoff_lat, dropoff_lon, dropoff_address, start_lat, start_lon, end_lat, end_lon,
	vehicle_type, status, distance_km, fare_estimated, fare_final, fare_breakdown,
	waiting_minutes, commission_amount, driver_earnings,
	created_at, accepted_at, started_at, completed_at, updated_at, canceled_by, canceled_reason`

func nullCoord(c *models.Coord) (sql.NullFloat64, sql.NullFloat64) {
	if c == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: c.Lat, Valid: true}, sql.NullFloat64{Float64: c.Lon, Valid: true}
}

func coordFrom(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func bookingArgs(b *models.Booking) ([]any, error) {
	fb, err := json.Marshal(b.FareBreakdown)
	if err != nil {
		return nil, err
	}
	startLat, startLon := nullCoord(b.StartLocation)
	endLat, endLon := nullCoord(b.EndLocation)
	return []any{
		b.ID, b.PassengerID, nullString(b.DriverID), b.Pickup.Lat, b.Pickup.Lon, b.Pickup.Address,
		b.Dropoff.Lat, b.Dropoff.Lon, b.Dropoff.Address, startLat, startLon, endLat, endLon,
		b.VehicleType, string(b.Status), b.DistanceKm, b.FareEstimated, b.FareFinal, fb,
		b.WaitingMinutes, b.CommissionAmount, b.DriverEarnings,
		b.CreatedAt, nullTime(b.AcceptedAt), nullTime(b.StartedAt), nullTime(b.CompletedAt), b.UpdatedAt,
		nullString(string(b.CanceledBy)), b.CanceledReason,
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var (
		b                                  models.Booking
		driverID, canceledBy               sql.NullString
		startLat, startLon, endLat, endLon sql.NullFloat64
		fb                                 []byte
		status                             string
		acceptedAt, startedAt, completed   sql.NullTime
	)
	err := row.Scan(
		&b.ID, &b.PassengerID, &driverID, &b.Pickup.Lat, &b.Pickup.Lon, &b.Pickup.Address,
		&b.Dropoff.Lat, &b.Dropoff.Lon, &b.Dropoff.Address, &startLat, &startLon, &endLat, &endLon,
		&b.VehicleType, &status, &b.DistanceKm, &b.FareEstimated, &b.FareFinal, &fb,
		&b.WaitingMinutes, &b.CommissionAmount, &b.DriverEarnings,
		&b.CreatedAt, &acceptedAt, &startedAt, &completed, &b.UpdatedAt, &canceledBy, &b.CanceledReason,
	)
	if err != nil {
		return nil, err
	}
	b.DriverID = driverID.String
	b.Status = models.BookingStatus(status)
	b.CanceledBy = models.CanceledBy(canceledBy.String)
	b.StartLocation = coordFrom(startLat, startLon)
	b.EndLocation = coordFrom(endLat, endLon)
	b.AcceptedAt = timePtr(acceptedAt)
	b.StartedAt = timePtr(startedAt)
	b.CompletedAt = timePtr(completed)
	if len(fb) > 0 {
		if err := json.Unmarshal(fb, &b.FareBreakdown); err != nil {
			return nil, fmt.Errorf("decode fare breakdown: %w", err)
		}
	}
	return &b, nil
}

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	args, err := bookingArgs(b)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO bookings(`+bookingColumns+`) VALUES(
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
		$21,$22,$23,$24,$25,$26,$27,$28,$29)`, args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return errs.Wrap(errs.ConcurrencyConflict, err, "booking already exists")
	}
	return err
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id=$1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "booking %s not found", id)
	}
	return b, err
}

func (p *PostgresStore) AcceptBooking(ctx context.Context, id, driverID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE bookings
		SET status='accepted', driver_id=$2, accepted_at=$3, updated_at=$3
		WHERE id=$1 AND status='requested' AND driver_id IS NULL`, id, driverID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, p.ensureBooking(ctx, id)
	}
	return true, nil
}

func (p *PostgresStore) ensureBooking(ctx context.Context, id string) error {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM bookings WHERE id=$1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.NotFound, "booking %s not found", id)
	}
	return err
}

func (p *PostgresStore) UpdateBookingIf(ctx context.Context, b *models.Booking, expected models.BookingStatus) (bool, error) {
	args, err := bookingArgs(b)
	if err != nil {
		return false, err
	}
	args = append(args, string(expected))
	res, err := p.db.ExecContext(ctx, `UPDATE bookings SET
		passenger_id=$2, driver_id=$3, pickup_lat=$4, pickup_lon=$5, pickup_address=$6,
		dropoff_lat=$7, dropoff_lon=$8, dropoff_address=$9, start_lat=$10, start_lon=$11, end_lat=$12, end_lon=$13,
		vehicle_type=$14, status=$15, distance_km=$16, fare_estimated=$17, fare_final=$18, fare_breakdown=$19,
		waiting_minutes=$20, commission_amount=$21, driver_earnings=$22,
		created_at=$23, accepted_at=$24, started_at=$25, completed_at=$26, updated_at=$27,
		canceled_by=$28, canceled_reason=$29
		WHERE id=$1 AND status=$30`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, p.ensureBooking(ctx, b.ID)
	}
	return true, nil
}

func (p *PostgresStore) ListBookings(ctx context.Context, status models.BookingStatus, vehicleType string) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status=$1 AND ($2 = '' OR vehicle_type=$2) ORDER BY created_at`, string(status), vehicleType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (p *PostgresStore) OfferAssignment(ctx context.Context, bookingID, driverID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO booking_assignments(id, booking_id, driver_id, status, created_at, updated_at)
		VALUES($1,$2,$3,'offered',$4,$4) ON CONFLICT (booking_id, driver_id) DO NOTHING`,
		uuid.NewString(), bookingID, driverID, at)
	return err
}

func (p *PostgresStore) ListAssignments(ctx context.Context, bookingID string) ([]models.Assignment, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, booking_id, driver_id, status, created_at, updated_at
		FROM booking_assignments WHERE booking_id=$1 ORDER BY created_at`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Assignment, 0)
	for rows.Next() {
		var a models.Assignment
		var status string
		if err := rows.Scan(&a.ID, &a.BookingID, &a.DriverID, &status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Status = models.AssignmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveAssignments(ctx context.Context, bookingID, winner string, at time.Time) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE booking_assignments SET status='canceled', updated_at=$3
		WHERE booking_id=$1 AND driver_id<>$2 AND status<>'canceled'`, bookingID, winner, at); err != nil {
		return err
	}
	if winner != "" {
		if _, err := tx.ExecContext(ctx, `INSERT INTO booking_assignments(id, booking_id, driver_id, status, created_at, updated_at)
			VALUES($1,$2,$3,'accepted',$4,$4)
			ON CONFLICT (booking_id, driver_id) DO UPDATE SET status='accepted', updated_at=EXCLUDED.updated_at`,
			uuid.NewString(), bookingID, winner, at); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) StartTrip(ctx context.Context, h *models.TripHistory) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_histories(booking_id, driver_id, passenger_id, vehicle_type, started_at)
		VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (booking_id) DO UPDATE SET driver_id=EXCLUDED.driver_id, started_at=EXCLUDED.started_at`,
		h.BookingID, h.DriverID, h.PassengerID, h.VehicleType, h.StartedAt)
	return err
}

// AppendPathPoint inserts the point and returns the path in arrival order.
func (p *PostgresStore) AppendPathPoint(ctx context.Context, bookingID string, pt models.PathPoint) ([]models.PathPoint, error) {
	if _, err := p.db.ExecContext(ctx, `INSERT INTO trip_path_points(booking_id, lat, lon, recorded_at)
		SELECT $1,$2,$3,$4 WHERE EXISTS (SELECT 1 FROM trip_histories WHERE booking_id=$1)`,
		bookingID, pt.Lat, pt.Lon, pt.Timestamp); err != nil {
		return nil, err
	}
	path, err := p.path(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, errs.New(errs.NotFound, "trip %s not found", bookingID)
	}
	return path, nil
}

func (p *PostgresStore) path(ctx context.Context, bookingID string) ([]models.PathPoint, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT lat, lon, recorded_at FROM trip_path_points
		WHERE booking_id=$1 ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.PathPoint, 0)
	for rows.Next() {
		var pt models.PathPoint
		if err := rows.Scan(&pt.Lat, &pt.Lon, &pt.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetTrip(ctx context.Context, bookingID string) (*models.TripHistory, error) {
	var (
		h                models.TripHistory
		completedAt      sql.NullTime
		dropLat, dropLon sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT booking_id, driver_id, passenger_id, vehicle_type, started_at, completed_at,
		fare, distance_km, waiting_minutes, commission, net_income, dropoff_lat, dropoff_lon
		FROM trip_histories WHERE booking_id=$1`, bookingID).Scan(
		&h.BookingID, &h.DriverID, &h.PassengerID, &h.VehicleType, &h.StartedAt, &completedAt,
		&h.Fare, &h.DistanceKm, &h.WaitingMinutes, &h.Commission, &h.NetIncome, &dropLat, &dropLon)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "trip %s not found", bookingID)
	}
	if err != nil {
		return nil, err
	}
	h.CompletedAt = timePtr(completedAt)
	h.DropoffLocation = coordFrom(dropLat, dropLon)
	if h.Path, err = p.path(ctx, bookingID); err != nil {
		return nil, err
	}
	return &h, nil
}

func (p *PostgresStore) FinalizeTrip(ctx context.Context, h *models.TripHistory) error {
	dropLat, dropLon := nullCoord(h.DropoffLocation)
	res, err := p.db.ExecContext(ctx, `UPDATE trip_histories SET completed_at=$2, fare=$3, distance_km=$4,
		waiting_minutes=$5, commission=$6, net_income=$7, dropoff_lat=$8, dropoff_lon=$9
		WHERE booking_id=$1`,
		h.BookingID, nullTime(h.CompletedAt), h.Fare, h.DistanceKm, h.WaitingMinutes, h.Commission, h.NetIncome, dropLat, dropLon)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.NotFound, "trip %s not found", h.BookingID)
	}
	return nil
}

func (p *PostgresStore) RecordDriverEarnings(ctx context.Context, e models.DriverEarnings) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_earnings(booking_id, driver_id, fare, commission, net_income, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, e.BookingID, e.DriverID, e.Fare, e.Commission, e.NetIncome, e.CreatedAt)
	return err
}

func (p *PostgresStore) RecordAdminEarnings(ctx context.Context, e models.AdminEarnings) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO admin_earnings(booking_id, driver_id, fare, commission, commission_rate, created_at)
		VALUES($1,$2,$3,$4,$5,$6)`, e.BookingID, e.DriverID, e.Fare, e.Commission, e.CommissionRate, e.CreatedAt)
	return err
}

func (p *PostgresStore) ActiveRule(ctx context.Context, vehicleType string) (models.PricingRule, error) {
	var r models.PricingRule
	var maxFare sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT vehicle_type, base_fare, per_km, per_minute, waiting_per_minute,
		minimum_fare, maximum_fare, surge_multiplier, active, updated_at
		FROM pricing_rules WHERE vehicle_type=$1 AND active ORDER BY updated_at DESC LIMIT 1`, vehicleType).Scan(
		&r.VehicleType, &r.BaseFare, &r.PerKm, &r.PerMinute, &r.WaitingPerMinute,
		&r.MinimumFare, &maxFare, &r.SurgeMultiplier, &r.Active, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PricingRule{}, errs.New(errs.PricingNotFound, "no active pricing for vehicle type %q", vehicleType)
	}
	r.MaximumFare = maxFare.Float64
	return r, err
}

func (p *PostgresStore) PutRule(ctx context.Context, r models.PricingRule) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	maxFare := sql.NullFloat64{Float64: r.MaximumFare, Valid: r.MaximumFare > 0}
	_, err := p.db.ExecContext(ctx, `INSERT INTO pricing_rules(vehicle_type, base_fare, per_km, per_minute, waiting_per_minute,
		minimum_fare, maximum_fare, surge_multiplier, active, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		r.VehicleType, r.BaseFare, r.PerKm, r.PerMinute, r.WaitingPerMinute,
		r.MinimumFare, maxFare, r.SurgeMultiplier, r.Active, r.UpdatedAt)
	return err
}

func (p *PostgresStore) LatestCommissionRate(ctx context.Context, driverID string) (float64, bool, error) {
	var rate float64
	err := p.db.QueryRowContext(ctx, `SELECT rate FROM commission_overrides
		WHERE driver_id=$1 ORDER BY created_at DESC LIMIT 1`, driverID).Scan(&rate)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rate, true, nil
}

func (p *PostgresStore) PutCommissionOverride(ctx context.Context, o models.CommissionOverride) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO commission_overrides(driver_id, rate, created_at) VALUES($1,$2,$3)`,
		o.DriverID, o.Rate, o.CreatedAt)
	return err
}
