package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoginAttemptRepository is the append-only store behind the attempt log.
// It has no update path; DeleteOlderThan exists only for the retention sweep.
type LoginAttemptRepository struct {
	db   *database.DB
	pool *pgxpool.Pool
}

// NewLoginAttemptRepository creates a new LoginAttemptRepository
func NewLoginAttemptRepository(db *database.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: db, pool: db.Pool}
}

const attemptColumns = `id, identity, origin, user_agent, succeeded, failure_reason, tier_at_attempt, response_time_ms, occurred_at`

func scanAttemptRow(scanner rowScanner) (*models.AttemptLog, error) {
	var a models.AttemptLog
	var reason string

	err := scanner.Scan(
		&a.ID, &a.Identity, &a.Origin, &a.UserAgent, &a.Succeeded,
		&reason, &a.TierAtAttempt, &a.ResponseTimeMs, &a.OccurredAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	a.FailureReason = models.FailureReason(reason)

	return &a, nil
}

func scanAttemptRows(rows pgx.Rows) ([]*models.AttemptLog, error) {
	defer rows.Close()

	attempts := make([]*models.AttemptLog, 0)
	for rows.Next() {
		a, err := scanAttemptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return attempts, nil
}

const (
	insertAttemptQuery = `
		INSERT INTO login_attempts (identity, origin, user_agent, succeeded, failure_reason, tier_at_attempt, response_time_ms, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	countFailuresQuery = `
		SELECT COUNT(*) FROM login_attempts
		WHERE identity = $1 AND succeeded = false AND occurred_at >= $2
	`
)

// queryRower is satisfied by both *pgxpool.Pool and pgx.Tx
type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func insertAttempt(ctx context.Context, q queryRower, attempt *models.AttemptLog) error {
	return q.QueryRow(ctx, insertAttemptQuery,
		attempt.Identity,
		attempt.Origin,
		attempt.UserAgent,
		attempt.Succeeded,
		string(attempt.FailureReason),
		attempt.TierAtAttempt,
		attempt.ResponseTimeMs,
		attempt.OccurredAt,
	).Scan(&attempt.ID)
}

// Record appends one attempt row and fills in its generated ID
func (r *LoginAttemptRepository) Record(ctx context.Context, attempt *models.AttemptLog) error {
	return database.MapPostgresError(insertAttempt(ctx, r.pool, attempt))
}

// RecordFailure appends a failed attempt and returns the identity's failure count
// at or after since, this row included. A transaction-scoped advisory lock on the
// identity serializes concurrent failures, so no two callers get the same count.
// tierFor sees that count before the insert and decides tier_at_attempt.
func (r *LoginAttemptRepository) RecordFailure(ctx context.Context, attempt *models.AttemptLog, since time.Time, tierFor func(failedCount int) int) (int, error) {
	var count int
	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, attempt.Identity); err != nil {
			return fmt.Errorf("failed to lock identity: %w", err)
		}
		if err := tx.QueryRow(ctx, countFailuresQuery, attempt.Identity, since).Scan(&count); err != nil {
			return fmt.Errorf("failed to count failures: %w", err)
		}

		count++
		attempt.Succeeded = false
		attempt.TierAtAttempt = tierFor(count)
		return insertAttempt(ctx, tx, attempt)
	})
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// CountFailuresSince returns the number of failed attempts for an identity at or after since
func (r *LoginAttemptRepository) CountFailuresSince(ctx context.Context, identity string, since time.Time) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, countFailuresQuery, identity, since).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// ListFailureOrigins returns the distinct origins of failed attempts for an identity at or after since
func (r *LoginAttemptRepository) ListFailureOrigins(ctx context.Context, identity string, since time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT origin FROM login_attempts
		WHERE identity = $1 AND succeeded = false AND occurred_at >= $2
		ORDER BY origin
	`

	rows, err := r.pool.Query(ctx, query, identity, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query origins: %w", err)
	}
	defer rows.Close()

	origins := make([]string, 0)
	for rows.Next() {
		var origin string
		if err := rows.Scan(&origin); err != nil {
			return nil, fmt.Errorf("failed to scan origin: %w", err)
		}
		origins = append(origins, origin)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return origins, nil
}

// Stats aggregates all attempts at or after since
func (r *LoginAttemptRepository) Stats(ctx context.Context, since time.Time) (models.AttemptStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT succeeded),
			COUNT(*) FILTER (WHERE succeeded),
			COUNT(*) FILTER (WHERE tier_at_attempt = 5)
		FROM login_attempts
		WHERE occurred_at >= $1
	`

	var s models.AttemptStats
	err := r.pool.QueryRow(ctx, query, since).Scan(&s.Total, &s.Failed, &s.Successful, &s.Tier5)
	if err != nil {
		return models.AttemptStats{}, database.MapPostgresError(err)
	}
	return s, nil
}

// RecentFailures returns the newest failed attempts across all identities
func (r *LoginAttemptRepository) RecentFailures(ctx context.Context, limit int) ([]*models.AttemptLog, error) {
	query := `
		SELECT ` + attemptColumns + `
		FROM login_attempts
		WHERE succeeded = false
		ORDER BY occurred_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	return scanAttemptRows(rows)
}

// DeleteOlderThan removes attempt rows that occurred before cutoff
func (r *LoginAttemptRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM login_attempts WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
