package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/errs"
	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db  *sql.DB
	dsn string
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
	return &PostgresStore{db: db, dsn: dsn}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate brings the schema up to the newest embedded migration on its own
// connection and returns the resulting version.
func (p *PostgresStore) Migrate(ctx context.Context) (uint, error) {
	db, err := sql.Open("postgres", p.dsn)
	if err != nil {
		return 0, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return 0, err
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return 0, err
	}
	drv, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		_ = src.Close()
		_ = db.Close()
		return 0, fmt.Errorf("migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		// the driver owns db
		_ = src.Close()
		_ = drv.Close()
		return 0, fmt.Errorf("migrate init: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate up: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, err
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

const rideColumns = `id, rider_id, driver_id, cancelled_driver_id, cancelled_by,
	pickup_lat, pickup_lon, dest_lat, dest_lon, vehicle_class, status,
	fare_amount, fare_currency, otp,
	created_at, accepted_at, started_at, completed_at, cancelled_at, updated_at, version`

func (p *PostgresStore) Create(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		r.ID, r.RiderID, nullString(r.DriverID), nullString(r.CancelledDriverID), nullString(string(r.CancelledBy)),
		r.Pickup.Lat, r.Pickup.Lon, r.Destination.Lat, r.Destination.Lon, string(r.VehicleClass), string(r.Status),
		r.FareEstimate.Amount, r.FareEstimate.Currency, nullString(r.OTP),
		r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt, r.Version)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return fmt.Errorf("ride %s exists: %w", r.ID, errs.ErrConflict)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("ride %s: %w", id, errs.ErrNotFound)
	}
	return r, err
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, r models.Ride, expectedVersion int64) (models.Ride, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE rides SET
			driver_id = $1, cancelled_driver_id = $2, cancelled_by = $3, status = $4, otp = $5,
			accepted_at = $6, started_at = $7, completed_at = $8, cancelled_at = $9, updated_at = $10,
			version = version + 1
		WHERE id = $11 AND version = $12`,
		nullString(r.DriverID), nullString(r.CancelledDriverID), nullString(string(r.CancelledBy)), string(r.Status), nullString(r.OTP),
		r.AcceptedAt, r.StartedAt, r.CompletedAt, r.CancelledAt, r.UpdatedAt,
		r.ID, expectedVersion)
	if err != nil {
		return models.Ride{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.Ride{}, err
	}
	if n == 0 {
		cur, err := p.Get(ctx, r.ID)
		if err != nil {
			return models.Ride{}, err
		}
		return cur, fmt.Errorf("ride %s at version %d, expected %d: %w", r.ID, cur.Version, expectedVersion, errs.ErrConflict)
	}
	r.Version = expectedVersion + 1
	return r, nil
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.RideStatus, limit int) ([]models.Ride, error) {
	return p.list(ctx, `WHERE status = $1 ORDER BY created_at, id`, limit, string(status))
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]models.Ride, error) {
	return p.list(ctx, `WHERE driver_id = $1 OR cancelled_driver_id = $1 ORDER BY created_at DESC, id`, limit, driverID)
}

func (p *PostgresStore) ListCreatedBetween(ctx context.Context, from, to time.Time, limit int) ([]models.Ride, error) {
	return p.list(ctx, `WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, id`, limit, from, to)
}

func (p *PostgresStore) list(ctx context.Context, where string, limit int, args ...any) ([]models.Ride, error) {
	q := `SELECT ` + rideColumns + ` FROM rides ` + where
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []models.Ride{}
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                                               models.Ride
		driverID, cancelledDriverID, cancelledBy, otp   sql.NullString
		class, status                                   string
		acceptedAt, startedAt, completedAt, cancelledAt sql.NullTime
	)
	err := s.Scan(
		&r.ID, &r.RiderID, &driverID, &cancelledDriverID, &cancelledBy,
		&r.Pickup.Lat, &r.Pickup.Lon, &r.Destination.Lat, &r.Destination.Lon, &class, &status,
		&r.FareEstimate.Amount, &r.FareEstimate.Currency, &otp,
		&r.CreatedAt, &acceptedAt, &startedAt, &completedAt, &cancelledAt, &r.UpdatedAt, &r.Version,
	)
	if err != nil {
		return models.Ride{}, err
	}
	r.DriverID = driverID.String
	r.CancelledDriverID = cancelledDriverID.String
	r.CancelledBy = models.Role(cancelledBy.String)
	r.OTP = otp.String
	r.VehicleClass = models.VehicleClass(class)
	r.Status = models.RideStatus(status)
	r.AcceptedAt = timePtr(acceptedAt)
	r.StartedAt = timePtr(startedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return r, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
