package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/untoldecay/elogd/internal/types"
)

const lockCols = `id, entry_id, created_at, expires_at, owned_by_ip,
    cancelled_at, cancelled_by_ip`

// GetLock returns the active lock on the entry, or ErrNotFound when
// the entry is unlocked.
func (s *Store) GetLock(ctx context.Context, entryID int64) (*types.Lock, error) {
	if _, err := getEntry(ctx, s.db, entryID); err != nil {
		return nil, err
	}
	lock, err := getActiveLock(ctx, s.db, entryID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, fmt.Errorf("entry %d has no active lock: %w", entryID, types.ErrNotFound)
	}
	return lock, nil
}

// getActiveLock returns the entry's active lock, or nil. Expiry is
// passive: an expired row simply stops matching.
func getActiveLock(ctx context.Context, q querier, entryID int64, now time.Time) (*types.Lock, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+lockCols+` FROM entrylock
		WHERE entry_id = ? AND cancelled_at IS NULL AND expires_at > ?
		ORDER BY id DESC LIMIT 1`, entryID, utc(now))
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return lock, err
}

// AcquireLock locks the entry for ip. Re-acquiring one's own lock
// returns the existing lock unchanged. A foreign active lock yields
// LockedError unless steal is set, in which case the old lock is
// cancelled and a fresh one created.
func (s *Store) AcquireLock(ctx context.Context, entryID int64, ip string, steal bool) (*types.Lock, error) {
	var acquired *types.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getEntry(ctx, tx, entryID); err != nil {
			return err
		}
		now := time.Now().UTC()
		active, err := getActiveLock(ctx, tx, entryID, now)
		if err != nil {
			return err
		}
		if active != nil {
			if active.OwnedByIP == ip {
				acquired = active
				return nil
			}
			if !steal {
				return &types.LockedError{Lock: active}
			}
			if _, err := cancelLock(ctx, tx, active.ID, ip, now); err != nil {
				return err
			}
		}
		acquired, err = insertLock(ctx, tx, entryID, ip, now, now.Add(s.lockTTL))
		return err
	})
	return acquired, err
}

// CancelLock cancels the lock with the given ID, recording who did it.
// Cancelling an already cancelled lock is a no-op.
func (s *Store) CancelLock(ctx context.Context, lockID int64, ip string) (*types.Lock, error) {
	var cancelled *types.Lock
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		lock, err := getLockByID(ctx, tx, lockID)
		if err != nil {
			return err
		}
		if lock.CancelledAt != nil {
			cancelled = lock
			return nil
		}
		cancelled, err = cancelLock(ctx, tx, lockID, ip, time.Now().UTC())
		return err
	})
	return cancelled, err
}

func getLockByID(ctx context.Context, q querier, id int64) (*types.Lock, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+lockCols+` FROM entrylock WHERE id = ?`, id)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lock %d: %w", id, types.ErrNotFound)
	}
	return lock, err
}

func insertLock(ctx context.Context, tx *sql.Tx, entryID int64, ip string, now, expires time.Time) (*types.Lock, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO entrylock (entry_id, created_at, expires_at, owned_by_ip)
		VALUES (?, ?, ?, ?)`, entryID, utc(now), utc(expires), ip)
	if err != nil {
		return nil, fmt.Errorf("failed to insert lock: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get lock id: %w", err)
	}
	return getLockByID(ctx, tx, id)
}

func cancelLock(ctx context.Context, tx *sql.Tx, lockID int64, ip string, now time.Time) (*types.Lock, error) {
	_, err := tx.ExecContext(ctx, `
		UPDATE entrylock SET cancelled_at = ?, cancelled_by_ip = ?
		WHERE id = ? AND cancelled_at IS NULL`, utc(now), ip, lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel lock: %w", err)
	}
	return getLockByID(ctx, tx, lockID)
}

func scanLock(row rowScanner) (*types.Lock, error) {
	var (
		lock          types.Lock
		cancelledAt   sql.NullTime
		cancelledByIP sql.NullString
	)
	err := row.Scan(&lock.ID, &lock.EntryID, &lock.CreatedAt, &lock.ExpiresAt,
		&lock.OwnedByIP, &cancelledAt, &cancelledByIP)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan lock: %w", err)
	}
	lock.CreatedAt = utc(lock.CreatedAt)
	lock.ExpiresAt = utc(lock.ExpiresAt)
	if cancelledAt.Valid {
		t := utc(cancelledAt.Time)
		lock.CancelledAt = &t
	}
	lock.CancelledByIP = cancelledByIP.String
	return &lock, nil
}
