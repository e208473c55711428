package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DefaultLease is the reservation window applied when a caller does not
// ask for one.
const DefaultLease = 60 * time.Second

// leaseTimeFormat is RFC3339 with exactly three fractional digits.
// Fixed width keeps lexicographic comparison of stored UTC timestamps
// chronological, so expiry checks can happen inside the SQL statement.
const leaseTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// Lease is one reservation row.
type Lease struct {
	Key        string    `json:"key"`
	Actor      string    `json:"actor"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// LeaseKey builds the reservation key for a module on a device.
// Keys are case-sensitive.
func LeaseKey(module, deviceID string) string {
	return module + ":" + deviceID
}

// LeaseStore persists reservations in the leases table.
type LeaseStore struct {
	db *sql.DB
}

// NewLeaseStore creates a lease store on an open database.
func NewLeaseStore(db *sql.DB) *LeaseStore {
	return &LeaseStore{db: db}
}

// Lock acquires or extends the lease on key for actor. It reports false
// when the key is held by a different actor whose lease has not expired.
// The grant decision and the write happen in one statement, so two
// racing callers get exactly one grant.
func (s *LeaseStore) Lock(ctx context.Context, key, actor string, lease time.Duration) (bool, error) {
	if key == "" || actor == "" {
		return false, errors.New("lease key and actor required")
	}
	if lease <= 0 {
		lease = DefaultLease
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, actor, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			actor = excluded.actor,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE leases.actor = excluded.actor OR leases.expires_at <= ?`,
		key, actor,
		now.Format(leaseTimeFormat), now.Add(lease).Format(leaseTimeFormat),
		now.Format(leaseTimeFormat),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring lease %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lease %q: %w", key, err)
	}
	return n > 0, nil
}

// Release drops the lease on key if actor holds it. A non-holder gets
// false and the lease stays in place.
func (s *LeaseStore) Release(ctx context.Context, key, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE key = ? AND actor = ?`, key, actor)
	if err != nil {
		return false, fmt.Errorf("releasing lease %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("releasing lease %q: %w", key, err)
	}
	return n > 0, nil
}

// CanUse reports whether actor may command the resource behind key:
// the key is free, expired, or held by actor itself.
func (s *LeaseStore) CanUse(ctx context.Context, key, actor string) (bool, error) {
	var holder, expiresAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT actor, expires_at FROM leases WHERE key = ?`, key).Scan(&holder, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking lease %q: %w", key, err)
	}

	expiry, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return false, fmt.Errorf("parsing lease expiry %q: %w", expiresAt, err)
	}
	if time.Now().After(expiry) {
		return true, nil
	}
	return holder == actor, nil
}

// Live returns all unexpired leases ordered by key.
func (s *LeaseStore) Live(ctx context.Context) ([]Lease, error) {
	now := time.Now().UTC().Format(leaseTimeFormat)
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, actor, acquired_at, expires_at FROM leases WHERE expires_at > ? ORDER BY key`, now)
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	defer rows.Close()

	leases := []Lease{}
	for rows.Next() {
		var l Lease
		var acquiredAt, expiresAt string
		if err := rows.Scan(&l.Key, &l.Actor, &acquiredAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scanning lease: %w", err)
		}
		if l.AcquiredAt, err = time.Parse(time.RFC3339, acquiredAt); err != nil {
			return nil, fmt.Errorf("parsing lease timestamp %q: %w", acquiredAt, err)
		}
		if l.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
			return nil, fmt.Errorf("parsing lease timestamp %q: %w", expiresAt, err)
		}
		leases = append(leases, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating leases: %w", err)
	}
	return leases, nil
}

// Sweep deletes expired lease rows and returns how many went.
func (s *LeaseStore) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(leaseTimeFormat)
	res, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweeping leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweeping leases: %w", err)
	}
	return int(n), nil
}
