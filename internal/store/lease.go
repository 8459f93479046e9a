package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Lease is the current same-task exclusivity claim on a task row.
type Lease struct {
	TaskID    string
	Owner     string
	ExpiresAt time.Time
}

// Valid reports whether the lease is held by owner at now.
func (l Lease) Valid(owner string, now time.Time) bool {
	return l.Owner != "" && l.Owner == owner && now.Before(l.ExpiresAt)
}

// AcquireLease claims the task for owner until now+ttl. It succeeds when the
// task is unleased, the lease has expired, or owner already holds it.
// Returns false without error when another owner holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, taskID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_owner = ?, lease_expires_at = ?
		WHERE task_id = ?
		  AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at <= ?)
	`, owner, now.Add(ttl).UnixMilli(), taskID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	if n == 0 {
		if _, err := s.GetLease(ctx, taskID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// Heartbeat extends a live lease held by owner. Returns false when the
// lease was lost (expired or taken over).
func (s *Store) Heartbeat(ctx context.Context, taskID, owner string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_expires_at = ?
		WHERE task_id = ? AND lease_owner = ? AND lease_expires_at > ?
	`, now.Add(ttl).UnixMilli(), taskID, owner, now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return n == 1, nil
}

// ReleaseLease drops owner's lease. Releasing a lease you do not hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, taskID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET lease_owner = NULL, lease_expires_at = NULL
		WHERE task_id = ? AND lease_owner = ?
	`, taskID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetLease returns the task's lease. An unleased task returns a zero Owner.
func (s *Store) GetLease(ctx context.Context, taskID string) (Lease, error) {
	var owner sql.NullString
	var expires sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT lease_owner, lease_expires_at FROM tasks WHERE task_id = ?`, taskID,
	).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, fmt.Errorf("get lease %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return Lease{}, fmt.Errorf("get lease: %w", err)
	}
	l := Lease{TaskID: taskID, Owner: owner.String}
	if expires.Valid {
		l.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	return l, nil
}
