package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/urbanflow/internal/models"
)

const rideColumns = `id, rider_id, pickup_lat, pickup_lon, drop_lat, drop_lon, distance_km, fare_rupees,
	status, driver_id, otp, cancel_reason, created_at, updated_at, accepted_at, started_at, completed_at, cancelled_at`

const offerColumns = `id, ride_id, driver_id, status, created_at, expires_at, responded_at`

const paymentColumns = `ride_id, provider, order_id, status, created_at, updated_at`

const ratingColumns = `id, ride_id, rider_id, driver_id, rating, comment, created_at`

const notificationColumns = `id, user_id, type, title, message, ride_id, is_read, created_at, read_at`

// PostgresStore implements Store on PostgreSQL. It also answers nearby-driver
// lookups through the nearby_drivers SQL function.
type PostgresStore struct {
	db *sql.DB
	// MaxAge is passed to nearby_drivers to skip stale locations. Zero disables.
	MaxAge time.Duration
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) DB() *sql.DB                    { return p.db }
func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *PostgresStore) Close() error                   { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(s rowScanner) (*models.RideRequest, error) {
	var (
		r                                  models.RideRequest
		status                             string
		driverID, code                     sql.NullString
		accepted, started, done, cancelled sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &r.PickupLat, &r.PickupLon, &r.DropLat, &r.DropLon, &r.DistanceKm, &r.FareRupees,
		&status, &driverID, &code, &r.CancelReason, &r.CreatedAt, &r.UpdatedAt, &accepted, &started, &done, &cancelled)
	if err != nil {
		return nil, err
	}
	r.Status = models.RideStatus(status)
	r.DriverID = nullString(driverID)
	r.OTP = nullString(code)
	r.AcceptedAt = nullTime(accepted)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(done)
	r.CancelledAt = nullTime(cancelled)
	return &r, nil
}

func scanOffer(s rowScanner) (*models.RideOffer, error) {
	var (
		o         models.RideOffer
		status    string
		responded sql.NullTime
	)
	if err := s.Scan(&o.ID, &o.RideID, &o.DriverID, &status, &o.CreatedAt, &o.ExpiresAt, &responded); err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	o.RespondedAt = nullTime(responded)
	return &o, nil
}

func scanPayment(s rowScanner) (*models.RidePayment, error) {
	var (
		p      models.RidePayment
		status string
	)
	if err := s.Scan(&p.RideID, &p.Provider, &p.OrderID, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Status = models.PaymentStatus(status)
	return &p, nil
}

func scanRating(s rowScanner) (*models.Rating, error) {
	var r models.Rating
	if err := s.Scan(&r.ID, &r.RideID, &r.RiderID, &r.DriverID, &r.Score, &r.Comment, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanNotification(s rowScanner) (*models.Notification, error) {
	var (
		n    models.Notification
		read sql.NullTime
	)
	if err := s.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.RideID, &n.IsRead, &n.CreatedAt, &read); err != nil {
		return nil, err
	}
	n.ReadAt = nullTime(read)
	return &n, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests (id, rider_id, pickup_lat, pickup_lon, drop_lat, drop_lon,
		distance_km, fare_rupees, status, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.RiderID, r.PickupLat, r.PickupLon, r.DropLat, r.DropLon, r.DistanceKm, r.FareRupees, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) TransitionRide(ctx context.Context, id string, from models.RideStatus, u RideUpdate) (*models.RideRequest, error) {
	args := []any{id, string(from), string(u.To), u.At}
	sets := []string{"status = $3", "updated_at = $4"}
	if col := stampColumn(u.To); col != "" {
		sets = append(sets, col+" = $4")
	}
	if u.DriverID != nil {
		args = append(args, *u.DriverID)
		sets = append(sets, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if u.OTP != nil {
		args = append(args, *u.OTP)
		sets = append(sets, fmt.Sprintf("otp = $%d", len(args)))
	} else if u.ClearOTP {
		sets = append(sets, "otp = NULL")
	}
	if u.CancelReason != "" {
		args = append(args, u.CancelReason)
		sets = append(sets, fmt.Sprintf("cancel_reason = $%d", len(args)))
	}
	where := "id = $1 AND status = $2"
	if u.ExpectDriverID != "" {
		args = append(args, u.ExpectDriverID)
		where += fmt.Sprintf(" AND driver_id = $%d", len(args))
	}

	q := `UPDATE ride_requests SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the compare-and-set, or the ride does not exist.
		var one int
		err := p.db.QueryRowContext(ctx, `SELECT 1 FROM ride_requests WHERE id = $1`, id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("transition ride: %w", err)
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("transition ride: %w", err)
	}
	return r, nil
}

func stampColumn(s models.RideStatus) string {
	switch s {
	case models.RideAccepted:
		return "accepted_at"
	case models.RideOngoing:
		return "started_at"
	case models.RideCompleted:
		return "completed_at"
	case models.RideCancelled:
		return "cancelled_at"
	}
	return ""
}

func (p *PostgresStore) ListRidesByStatus(ctx context.Context, status models.RideStatus) ([]models.RideRequest, error) {
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM ride_requests WHERE status = $1 ORDER BY created_at`, string(status))
}

func (p *PostgresStore) ListRideHistory(ctx context.Context, userID string, limit int) ([]models.RideRequest, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return p.queryRides(ctx, `SELECT `+rideColumns+` FROM ride_requests
		WHERE status = 'completed' AND (rider_id = $1 OR driver_id = $1)
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) queryRides(ctx context.Context, q string, args ...any) ([]models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()
	out := make([]models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateOffers(ctx context.Context, rideID string, driverIDs []string, createdAt, expiresAt time.Time) ([]models.RideOffer, error) {
	if len(driverIDs) == 0 {
		return []models.RideOffer{}, nil
	}
	ids := make([]string, len(driverIDs))
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	rows, err := p.db.QueryContext(ctx, `INSERT INTO ride_offers (id, ride_id, driver_id, status, created_at, expires_at)
		SELECT o.id, $1, o.driver_id, 'pending', $2, $3
		FROM unnest($4::text[], $5::text[]) AS o(id, driver_id)
		ON CONFLICT (ride_id, driver_id) DO NOTHING
		RETURNING `+offerColumns,
		rideID, createdAt, expiresAt, pq.Array(ids), pq.Array(driverIDs))
	if err != nil {
		return nil, fmt.Errorf("insert offers: %w", err)
	}
	defer rows.Close()
	out := make([]models.RideOffer, 0, len(driverIDs))
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindOffer(ctx context.Context, rideID, driverID string) (*models.RideOffer, error) {
	o, err := scanOffer(p.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM ride_offers WHERE ride_id = $1 AND driver_id = $2`, rideID, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find offer: %w", err)
	}
	return o, nil
}

func (p *PostgresStore) ListLiveOffers(ctx context.Context, driverID string, now time.Time) ([]models.RideOffer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM ride_offers
		WHERE driver_id = $1 AND status = 'pending' AND expires_at > $2 ORDER BY created_at DESC`, driverID, now)
	if err != nil {
		return nil, fmt.Errorf("list offers: %w", err)
	}
	defer rows.Close()
	out := make([]models.RideOffer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ResolveOffers(ctx context.Context, rideID, acceptedDriverID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE ride_offers
		SET status = CASE WHEN driver_id = $2 THEN 'accepted' ELSE 'withdrawn' END, responded_at = $3
		WHERE ride_id = $1 AND status = 'pending'`, rideID, acceptedDriverID, at)
	if err != nil {
		return fmt.Errorf("resolve offers: %w", err)
	}
	return nil
}

func (p *PostgresStore) DeclineOffer(ctx context.Context, rideID, driverID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_offers SET status = 'declined', responded_at = $3
		WHERE ride_id = $1 AND driver_id = $2 AND status = 'pending'`, rideID, driverID, at)
	if err != nil {
		return fmt.Errorf("decline offer: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.FindOffer(ctx, rideID, driverID); err != nil {
		return err
	}
	return ErrConflict
}

func (p *PostgresStore) ExpireOffers(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE ride_offers SET status = 'expired' WHERE status = 'pending' AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) UpsertDriverLocation(ctx context.Context, loc models.DriverLocation) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_locations (driver_id, lat, lon, online, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (driver_id) DO UPDATE SET lat = EXCLUDED.lat, lon = EXCLUDED.lon, online = EXCLUDED.online, updated_at = EXCLUDED.updated_at`,
		loc.DriverID, loc.Lat, loc.Lon, loc.Online, loc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert driver location: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error) {
	var loc models.DriverLocation
	err := p.db.QueryRowContext(ctx, `SELECT driver_id, lat, lon, online, updated_at FROM driver_locations WHERE driver_id = $1`, driverID).
		Scan(&loc.DriverID, &loc.Lat, &loc.Lon, &loc.Online, &loc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get driver location: %w", err)
	}
	return &loc, nil
}

// Nearby calls the nearby_drivers SQL function.
func (p *PostgresStore) Nearby(ctx context.Context, lat, lon, radiusKm float64, limit int) ([]models.NearbyDriver, error) {
	q := `SELECT driver_id, lat, lon, distance_km FROM nearby_drivers($1, $2, $3, $4)`
	args := []any{lat, lon, radiusKm, int(p.MaxAge / time.Second)}
	if limit > 0 {
		q += ` LIMIT $5`
		args = append(args, limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("nearby_drivers: %w", err)
	}
	defer rows.Close()
	out := make([]models.NearbyDriver, 0)
	for rows.Next() {
		var d models.NearbyDriver
		if err := rows.Scan(&d.DriverID, &d.Lat, &d.Lon, &d.DistanceKm); err != nil {
			return nil, fmt.Errorf("scan nearby driver: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateTransaction(ctx context.Context, tx *models.Transaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO transactions (id, ride_id, rider_id, driver_id, amount, payment_method,
		platform_fee, driver_earnings, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		tx.ID, tx.RideID, tx.RiderID, tx.DriverID, tx.Amount, string(tx.PaymentMethod), tx.PlatformFee, tx.DriverEarnings, tx.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (p *PostgresStore) SavePayment(ctx context.Context, pay *models.RidePayment) error {
	res, err := p.db.ExecContext(ctx, `INSERT INTO ride_payments (`+paymentColumns+`) VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (ride_id) DO UPDATE SET provider = EXCLUDED.provider, order_id = EXCLUDED.order_id,
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
		WHERE ride_payments.status = 'created'`,
		pay.RideID, pay.Provider, pay.OrderID, string(pay.Status), pay.CreatedAt, pay.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save payment: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) GetPayment(ctx context.Context, rideID string) (*models.RidePayment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM ride_payments WHERE ride_id = $1`, rideID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return pay, nil
}

func (p *PostgresStore) SettlePayment(ctx context.Context, rideID string, to models.PaymentStatus, at time.Time) (*models.RidePayment, error) {
	pay, err := scanPayment(p.db.QueryRowContext(ctx, `UPDATE ride_payments SET status = $2, updated_at = $3
		WHERE ride_id = $1 AND status = 'created' RETURNING `+paymentColumns, rideID, string(to), at))
	if errors.Is(err, sql.ErrNoRows) {
		if _, gerr := p.GetPayment(ctx, rideID); gerr != nil {
			return nil, gerr
		}
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	return pay, nil
}

func (p *PostgresStore) CreateRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_ratings (`+ratingColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		r.ID, r.RideID, r.RiderID, r.DriverID, r.Score, r.Comment, r.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListDriverRatings(ctx context.Context, driverID string, limit int) ([]models.Rating, error) {
	if limit <= 0 {
		limit = DefaultRatingsLimit
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+ratingColumns+` FROM driver_ratings
		WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ratings: %w", err)
	}
	defer rows.Close()
	out := make([]models.Rating, 0)
	for rows.Next() {
		r, err := scanRating(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rating: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (id, user_id, type, title, message, ride_id, is_read, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.RideID, n.IsRead, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetNotification(ctx context.Context, id string) (*models.Notification, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]models.Notification, error) {
	q := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if unreadOnly {
		q += ` AND NOT is_read`
	}
	q += ` ORDER BY created_at DESC`
	rows, err := p.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id string, at time.Time) (*models.Notification, error) {
	n, err := scanNotification(p.db.QueryRowContext(ctx, `UPDATE notifications SET is_read = TRUE, read_at = COALESCE(read_at, $2)
		WHERE id = $1 RETURNING `+notificationColumns, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
