package async

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/teranos/fetchq/errors"
)

// DefaultLeaseTTL is how long a coordinator's claim on the database survives
// without a heartbeat. A crashed owner blocks new coordinators for at most this long.
const DefaultLeaseTTL = 15 * time.Second

var (
	// ErrLeaseHeld means another live coordinator owns the transfer database
	ErrLeaseHeld = errors.Mark(errors.New("transfer database is in use by another coordinator"), errors.ErrConflict)

	// ErrLeaseLost means this coordinator's lease was taken over after it went stale
	ErrLeaseLost = errors.New("coordinator lease lost")
)

// AcquireLease claims the database for owner. A lease held by a different
// owner whose last heartbeat is younger than ttl is refused with ErrLeaseHeld.
func (s *Store) AcquireLease(ctx context.Context, owner string, ttl time.Duration) error {
	now := time.Now()
	const query = `
		INSERT INTO coordinator_lease (id, owner, pid, heartbeat_at) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner = excluded.owner,
			pid = excluded.pid,
			heartbeat_at = excluded.heartbeat_at
		WHERE coordinator_lease.owner = excluded.owner
		   OR coordinator_lease.heartbeat_at < ?
	`
	res, err := s.db.ExecContext(ctx, query, owner, os.Getpid(), now.UnixMilli(), now.Add(-ttl).UnixMilli())
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to acquire coordinator lease"), ErrStorage)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to acquire coordinator lease"), ErrStorage)
	} else if n > 0 {
		return nil
	}

	held := errors.Wrap(ErrLeaseHeld, "failed to acquire coordinator lease")
	var pid int
	var heartbeat int64
	err = s.db.QueryRowContext(ctx,
		`SELECT pid, heartbeat_at FROM coordinator_lease WHERE id = 1`).Scan(&pid, &heartbeat)
	if err == nil {
		held = errors.WithDetail(held, fmt.Sprintf("Holder PID: %d, last heartbeat %s ago",
			pid, now.Sub(time.UnixMilli(heartbeat)).Round(time.Millisecond)))
	}
	return held
}

// RenewLease refreshes owner's heartbeat. It fails with ErrLeaseLost when the
// lease now belongs to someone else.
func (s *Store) RenewLease(ctx context.Context, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE coordinator_lease SET heartbeat_at = ? WHERE id = 1 AND owner = ?`,
		time.Now().UnixMilli(), owner)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to renew coordinator lease"), ErrStorage)
	}
	if n, err := res.RowsAffected(); err != nil {
		return errors.Mark(errors.Wrap(err, "failed to renew coordinator lease"), ErrStorage)
	} else if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReleaseLease gives up owner's lease. Releasing a lease owner does not hold is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM coordinator_lease WHERE id = 1 AND owner = ?`, owner)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "failed to release coordinator lease"), ErrStorage)
	}
	return nil
}
