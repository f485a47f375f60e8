package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
)

// AccountLockRepository stores account locks. Every state change is a single
// conditional statement so concurrent requests cannot create duplicate active
// locks or redeem one token twice.
type AccountLockRepository struct {
	pool *pgxpool.Pool
}

// NewAccountLockRepository creates a new AccountLockRepository
func NewAccountLockRepository(db *database.DB) *AccountLockRepository {
	return &AccountLockRepository{pool: db.Pool}
}

const lockColumns = `id, identity, user_id, is_active, reason, attempt_count, origins_seen,
	unlock_token, unlock_token_expires_at, locked_at, notified, notified_at, unlocked_at, unlocked_by`

// scanLockRow handles nullable columns and the origins array.
// extra receives any trailing columns selected after lockColumns.
func scanLockRow(scanner rowScanner, extra ...interface{}) (*models.AccountLock, error) {
	var lock models.AccountLock
	var reason string
	var unlockedBy *string

	dest := []interface{}{
		&lock.ID, &lock.Identity, &lock.UserID, &lock.IsActive, &reason, &lock.AttemptCount,
		pq.Array(&lock.OriginsSeen), &lock.UnlockToken, &lock.UnlockTokenExpiresAt, &lock.LockedAt,
		&lock.Notified, &lock.NotifiedAt, &lock.UnlockedAt, &unlockedBy,
	}
	dest = append(dest, extra...)

	if err := scanner.Scan(dest...); err != nil {
		return nil, database.MapPostgresError(err)
	}

	lock.Reason = models.LockReason(reason)
	if unlockedBy != nil {
		method := models.UnlockMethod(*unlockedBy)
		lock.UnlockedBy = &method
	}
	if lock.OriginsSeen == nil {
		lock.OriginsSeen = []string{}
	}

	return &lock, nil
}

func scanLockRows(rows pgx.Rows) ([]*models.AccountLock, error) {
	defer rows.Close()

	locks := make([]*models.AccountLock, 0)
	for rows.Next() {
		lock, err := scanLockRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		locks = append(locks, lock)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return locks, nil
}

// Upsert creates an active lock for lock.Identity, or refreshes the existing one.
// On refresh attempt_count becomes GREATEST(existing, lock.AttemptCount) and the
// origins are unioned; the token and locked_at of the existing row are kept.
// inserted reports whether a new row was created. A clash on unlock_token surfaces
// as models.ErrConflict so the caller can retry with a fresh token.
func (r *AccountLockRepository) Upsert(ctx context.Context, lock *models.AccountLock) (*models.AccountLock, bool, error) {
	query := `
		INSERT INTO account_locks (identity, user_id, is_active, reason, attempt_count, origins_seen,
			unlock_token, unlock_token_expires_at, locked_at)
		VALUES ($1, $2, TRUE, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identity) WHERE is_active DO UPDATE SET
			attempt_count = GREATEST(account_locks.attempt_count, EXCLUDED.attempt_count),
			origins_seen = ARRAY(
				SELECT DISTINCT o FROM unnest(account_locks.origins_seen || EXCLUDED.origins_seen) AS o ORDER BY o
			)
		RETURNING ` + lockColumns + `, (xmax = 0) AS inserted
	`

	origins := lock.OriginsSeen
	if origins == nil {
		origins = []string{}
	}

	var inserted bool
	saved, err := scanLockRow(r.pool.QueryRow(ctx, query,
		lock.Identity, lock.UserID, string(lock.Reason), lock.AttemptCount, pq.Array(origins),
		lock.UnlockToken, lock.UnlockTokenExpiresAt, lock.LockedAt,
	), &inserted)
	if err != nil {
		return nil, false, err
	}

	return saved, inserted, nil
}

// GetActive returns the active lock for identity, or models.ErrNotFound
func (r *AccountLockRepository) GetActive(ctx context.Context, identity string) (*models.AccountLock, error) {
	query := `SELECT ` + lockColumns + ` FROM account_locks WHERE identity = $1 AND is_active`

	return scanLockRow(r.pool.QueryRow(ctx, query, identity))
}

// Expire resolves lock id as UNLOCKED(expiry) if it is still active.
// It returns false when another request already resolved it.
func (r *AccountLockRepository) Expire(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE account_locks
		SET is_active = FALSE, unlocked_at = $2, unlocked_by = 'expiry'
		WHERE id = $1 AND is_active
	`

	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// RedeemToken resolves the lock holding token as UNLOCKED(token).
// Unknown, expired, already used and inactive tokens all yield models.ErrNotFound.
func (r *AccountLockRepository) RedeemToken(ctx context.Context, token string, now time.Time) (*models.AccountLock, error) {
	query := `
		UPDATE account_locks
		SET is_active = FALSE, unlocked_at = $2, unlocked_by = 'token'
		WHERE unlock_token = $1
			AND is_active
			AND unlocked_at IS NULL
			AND unlock_token_expires_at > $2
		RETURNING ` + lockColumns

	return scanLockRow(r.pool.QueryRow(ctx, query, token, now))
}

// AdminUnlock resolves the active lock for identity as UNLOCKED(admin), or returns models.ErrNotFound
func (r *AccountLockRepository) AdminUnlock(ctx context.Context, identity string, now time.Time) (*models.AccountLock, error) {
	query := `
		UPDATE account_locks
		SET is_active = FALSE, unlocked_at = $2, unlocked_by = 'admin'
		WHERE identity = $1 AND is_active
		RETURNING ` + lockColumns

	return scanLockRow(r.pool.QueryRow(ctx, query, identity, now))
}

// MarkNotified records that the lock email went out
func (r *AccountLockRepository) MarkNotified(ctx context.Context, id string, now time.Time) error {
	query := `UPDATE account_locks SET notified = TRUE, notified_at = $2 WHERE id = $1`

	result, err := r.pool.Exec(ctx, query, id, now)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// LatestUnlockAt returns when identity's most recent lock was resolved, or nil if never
func (r *AccountLockRepository) LatestUnlockAt(ctx context.Context, identity string) (*time.Time, error) {
	query := `SELECT MAX(unlocked_at) FROM account_locks WHERE identity = $1`

	var at *time.Time
	if err := r.pool.QueryRow(ctx, query, identity).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, database.MapPostgresError(err)
	}
	return at, nil
}

// CountLockedSince counts locks created at or after since, active or not
func (r *AccountLockRepository) CountLockedSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM account_locks WHERE locked_at >= $1`, since).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// CountActive counts locks that are still active, including lapsed ones not yet expired lazily
func (r *AccountLockRepository) CountActive(ctx context.Context) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM account_locks WHERE is_active`).Scan(&count)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// ListActive returns active locks, newest first
func (r *AccountLockRepository) ListActive(ctx context.Context, limit int) ([]*models.AccountLock, error) {
	query := `
		SELECT ` + lockColumns + `
		FROM account_locks
		WHERE is_active
		ORDER BY locked_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	return scanLockRows(rows)
}

// DeleteResolvedOlderThan removes resolved locks unlocked before cutoff. Active locks are never deleted.
func (r *AccountLockRepository) DeleteResolvedOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM account_locks WHERE NOT is_active AND unlocked_at < $1`

	result, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
