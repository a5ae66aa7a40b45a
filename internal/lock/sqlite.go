package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"safeline/internal/db"
)

// SQLite keeps leases in the workspace database. Suitable for a single host.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s SQLite) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s SQLite) Acquire(ctx context.Context, resource, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now().UTC()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Lease{}, err
	}
	defer tx.Rollback()

	var holder, expires string
	err = tx.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM leases WHERE resource=?`, resource).Scan(&holder, &expires)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Lease{}, err
	default:
		exp, perr := db.ParseTime(expires)
		if perr != nil {
			return Lease{}, fmt.Errorf("lease %s: %w", resource, perr)
		}
		if holder != owner && exp.After(now) {
			return Lease{}, ErrHeld
		}
	}

	lease := Lease{Resource: resource, Owner: owner, ExpiresAt: now.Add(ttl)}
	_, err = tx.ExecContext(ctx, `INSERT INTO leases(resource, owner_id, acquired_at, expires_at) VALUES (?,?,?,?)
		ON CONFLICT(resource) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		resource, owner, db.FormatTime(now), db.FormatTime(lease.ExpiresAt))
	if err != nil {
		return Lease{}, err
	}
	if err := tx.Commit(); err != nil {
		return Lease{}, err
	}
	return lease, nil
}

func (s SQLite) Release(ctx context.Context, l Lease) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM leases WHERE resource=? AND owner_id=? AND expires_at>?`,
		l.Resource, l.Owner, db.FormatTime(s.now()))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (s SQLite) Holder(ctx context.Context, resource string) (Lease, bool, error) {
	var owner, expires string
	err := s.DB.QueryRowContext(ctx, `SELECT owner_id, expires_at FROM leases WHERE resource=?`, resource).Scan(&owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	exp, err := db.ParseTime(expires)
	if err != nil {
		return Lease{}, false, err
	}
	if !exp.After(s.now()) {
		return Lease{}, false, nil
	}
	return Lease{Resource: resource, Owner: owner, ExpiresAt: exp}, true, nil
}
