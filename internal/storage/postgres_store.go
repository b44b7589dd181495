package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

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
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(id, request_id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
			pickup_address, dest_address, ride_class, status, fare, distance_km, duration_min,
			payment_status, payment_ref, requested_at, accepted_at, started_at, completed_at, cancelled_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		r.ID, nullStr(r.RequestID), r.RiderID, nullStr(r.DriverID), r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		r.PickupAddress, r.DestinationAddress, string(r.Class), string(r.Status), r.Fare, r.DistanceKm, r.DurationMin,
		string(r.PaymentStatus), r.PaymentRef, r.RequestedAt, nullTime(r.AcceptedAt), nullTime(r.StartedAt),
		nullTime(r.CompletedAt), nullTime(r.CancelledAt))
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	res, err := p.db.Exec(`UPDATE rides SET driver_id=$1, status=$2, fare=$3, payment_status=$4, payment_ref=$5,
			accepted_at=$6, started_at=$7, completed_at=$8, cancelled_at=$9 WHERE id=$10`,
		nullStr(r.DriverID), string(r.Status), r.Fare, string(r.PaymentStatus), r.PaymentRef,
		nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt), nullTime(r.CancelledAt), r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	row := p.db.QueryRow(rideSelect+` WHERE id=$1`, id)
	return scanRide(row)
}

func (p *PostgresStore) ActiveRideForRider(riderID string) (*models.Ride, error) {
	row := p.db.QueryRow(rideSelect+` WHERE rider_id=$1 AND status NOT IN ('completed','cancelled') LIMIT 1`, riderID)
	return scanRide(row)
}

func (p *PostgresStore) RideForRequest(requestID string) (*models.Ride, error) {
	row := p.db.QueryRow(rideSelect+` WHERE request_id=$1 LIMIT 1`, requestID)
	return scanRide(row)
}

func (p *PostgresStore) SaveRequest(r *models.RideRequest) error {
	_, err := p.db.Exec(`INSERT INTO ride_requests(id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
			ride_class, max_wait_seconds, created_at, expires_at, is_active, claimed_by,
			est_distance_km, est_duration_min, est_base_fare, est_surge, est_total)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon,
		string(r.Class), int(r.MaxWait.Seconds()), r.CreatedAt, r.ExpiresAt, r.Active, nullStr(r.ClaimedBy),
		r.Estimate.DistanceKm, r.Estimate.DurationMin, r.Estimate.BaseFare, r.Estimate.SurgeMultiplier, r.Estimate.Total)
	return err
}

func (p *PostgresStore) UpdateRequest(r *models.RideRequest) error {
	res, err := p.db.Exec(`UPDATE ride_requests SET pickup_lat=$1, pickup_lon=$2, is_active=$3, claimed_by=$4,
			est_distance_km=$5, est_duration_min=$6, est_base_fare=$7, est_surge=$8, est_total=$9 WHERE id=$10`,
		r.Pickup.Lat, r.Pickup.Lon, r.Active, nullStr(r.ClaimedBy),
		r.Estimate.DistanceKm, r.Estimate.DurationMin, r.Estimate.BaseFare, r.Estimate.SurgeMultiplier, r.Estimate.Total, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetRequest(id string) (*models.RideRequest, error) {
	row := p.db.QueryRow(requestSelect+` WHERE id=$1`, id)
	return scanRequest(row)
}

func (p *PostgresStore) ActiveRequestForRider(riderID string, now time.Time) (*models.RideRequest, error) {
	row := p.db.QueryRow(requestSelect+` WHERE rider_id=$1 AND is_active AND expires_at > $2 LIMIT 1`, riderID, now)
	return scanRequest(row)
}

// Claim is a single conditional update; RowsAffected decides the race.
// Never read-then-write here.
func (p *PostgresStore) Claim(id, driverID string, now time.Time) (*models.RideRequest, error) {
	res, err := p.db.Exec(`UPDATE ride_requests SET claimed_by=$2, is_active=false
		WHERE id=$1 AND is_active AND claimed_by IS NULL AND expires_at > $3`, id, driverID, now)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return p.GetRequest(id)
	}
	// Lost or invalid: classify from the current row.
	r, err := p.GetRequest(id)
	if err != nil {
		return nil, err
	}
	switch {
	case r.ClaimedBy == driverID:
		return r, nil // duplicate accept from the winner
	case r.ClaimedBy != "":
		return nil, ErrAlreadyMatched
	case !r.ExpiresAt.After(now):
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyCancelled
	}
}

func (p *PostgresStore) OpenRequests(now time.Time) ([]models.RideRequest, error) {
	rows, err := p.db.Query(requestSelect+` WHERE is_active AND claimed_by IS NULL AND expires_at > $1`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RideRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeactivateExpired(now time.Time) (int, error) {
	res, err := p.db.Exec(`UPDATE ride_requests SET is_active=false WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) AppendPoint(pt *models.TrackingPoint) error {
	_, err := p.db.Exec(`INSERT INTO tracking_points(ride_id, lat, lon, speed_kph, heading, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6)`,
		pt.RideID, pt.Loc.Lat, pt.Loc.Lon, nullFloat(pt.SpeedKph), nullFloat(pt.Heading), pt.RecordedAt)
	return err
}

func (p *PostgresStore) PointsForRide(rideID string) ([]models.TrackingPoint, error) {
	rows, err := p.db.Query(`SELECT ride_id, lat, lon, speed_kph, heading, recorded_at
		FROM tracking_points WHERE ride_id=$1 ORDER BY recorded_at ASC`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TrackingPoint
	for rows.Next() {
		var pt models.TrackingPoint
		var speed, heading sql.NullFloat64
		if err := rows.Scan(&pt.RideID, &pt.Loc.Lat, &pt.Loc.Lon, &speed, &heading, &pt.RecordedAt); err != nil {
			return nil, err
		}
		if speed.Valid {
			v := speed.Float64
			pt.SpeedKph = &v
		}
		if heading.Valid {
			v := heading.Float64
			pt.Heading = &v
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SaveZone(z *models.SurgeZone) error {
	poly, err := json.Marshal(z.Polygon)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(`INSERT INTO surge_zones(id, name, polygon, multiplier, starts_at, ends_at, is_active)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		z.ID, z.Name, poly, z.Multiplier, z.StartsAt, nullTime(z.EndsAt), z.Active)
	return err
}

func (p *PostgresStore) UpdateZone(z *models.SurgeZone) error {
	poly, err := json.Marshal(z.Polygon)
	if err != nil {
		return err
	}
	res, err := p.db.Exec(`UPDATE surge_zones SET name=$1, polygon=$2, multiplier=$3, starts_at=$4, ends_at=$5, is_active=$6
		WHERE id=$7`, z.Name, poly, z.Multiplier, z.StartsAt, nullTime(z.EndsAt), z.Active, z.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListZones() ([]models.SurgeZone, error) {
	rows, err := p.db.Query(`SELECT id, name, polygon, multiplier, starts_at, ends_at, is_active FROM surge_zones`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SurgeZone
	for rows.Next() {
		var z models.SurgeZone
		var poly []byte
		var ends sql.NullTime
		if err := rows.Scan(&z.ID, &z.Name, &poly, &z.Multiplier, &z.StartsAt, &ends, &z.Active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(poly, &z.Polygon); err != nil {
			return nil, err
		}
		if ends.Valid {
			t := ends.Time
			z.EndsAt = &t
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

const rideSelect = `SELECT id, request_id, rider_id, driver_id, pickup_lat, pickup_lon, dest_lat, dest_lon,
	pickup_address, dest_address, ride_class, status, fare, distance_km, duration_min,
	payment_status, payment_ref, requested_at, accepted_at, started_at, completed_at, cancelled_at FROM rides`

const requestSelect = `SELECT id, rider_id, pickup_lat, pickup_lon, dest_lat, dest_lon, ride_class,
	max_wait_seconds, created_at, expires_at, is_active, claimed_by,
	est_distance_km, est_duration_min, est_base_fare, est_surge, est_total FROM ride_requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var reqID, driver, class, status, payStatus sql.NullString
	var accepted, started, completed, cancelled sql.NullTime
	err := row.Scan(&r.ID, &reqID, &r.RiderID, &driver, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.PickupAddress, &r.DestinationAddress, &class, &status, &r.Fare, &r.DistanceKm, &r.DurationMin,
		&payStatus, &r.PaymentRef, &r.RequestedAt, &accepted, &started, &completed, &cancelled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.RequestID = reqID.String
	r.DriverID = driver.String
	r.Class = models.RideClass(class.String)
	r.Status = models.RideStatus(status.String)
	r.PaymentStatus = models.PaymentStatus(payStatus.String)
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	r.CancelledAt = timePtr(cancelled)
	return &r, nil
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var class string
	var maxWaitSec int
	var claimed sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon, &class,
		&maxWaitSec, &r.CreatedAt, &r.ExpiresAt, &r.Active, &claimed,
		&r.Estimate.DistanceKm, &r.Estimate.DurationMin, &r.Estimate.BaseFare, &r.Estimate.SurgeMultiplier, &r.Estimate.Total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Class = models.RideClass(class)
	r.MaxWait = time.Duration(maxWaitSec) * time.Second
	r.ClaimedBy = claimed.String
	return &r, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
