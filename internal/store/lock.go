package store

import (
	"context"
	"database/sql"
	"time"
)

// The engine_lock table holds exactly one row (id=1). These operations
// implement the lease primitive the engine's Lock is built on; every
// write is conditioned on the holder observed by the caller so two
// concurrent acquirers cannot both win.

func (s *sqliteStore) GetLock(ctx context.Context) (*string, *time.Time, error) {
	var holder sql.NullString
	var heartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT holder_id, last_heartbeat FROM engine_lock WHERE id=1`).Scan(&holder, &heartbeat)
	if err != nil {
		return nil, nil, err
	}
	return strPtr(holder), timePtr(heartbeat), nil
}

// TryAcquireLock conditionally installs holderID as the lock holder. The
// update only applies while holder_id still equals prevHolder (NULL when
// prevHolder is nil), so a concurrent acquirer that got there first makes
// this report false.
func (s *sqliteStore) TryAcquireLock(ctx context.Context, holderID string, prevHolder *string) (bool, error) {
	var res sql.Result
	var err error
	if prevHolder == nil {
		res, err = s.db.ExecContext(ctx, `
UPDATE engine_lock SET holder_id=?, acquired_at=CURRENT_TIMESTAMP, last_heartbeat=CURRENT_TIMESTAMP
WHERE id=1 AND holder_id IS NULL`, holderID)
	} else {
		res, err = s.db.ExecContext(ctx, `
UPDATE engine_lock SET holder_id=?, acquired_at=CURRENT_TIMESTAMP, last_heartbeat=CURRENT_TIMESTAMP
WHERE id=1 AND holder_id=?`, holderID, *prevHolder)
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HeartbeatLock refreshes last_heartbeat while we still hold the lock.
// Returns false if the holder changed underneath us.
func (s *sqliteStore) HeartbeatLock(ctx context.Context, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE engine_lock SET last_heartbeat=CURRENT_TIMESTAMP WHERE id=1 AND holder_id=?`, holderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) ReleaseLock(ctx context.Context, holderID string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE engine_lock SET holder_id=NULL, acquired_at=NULL, last_heartbeat=NULL
WHERE id=1 AND holder_id=?`, holderID)
	return err
}
