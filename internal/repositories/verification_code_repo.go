package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/loginguard/internal/database"
	"github.com/BradenHooton/loginguard/internal/models"
	"github.com/jackc/pgx/v5"
)

// VerificationCodeRepository stores the emailed one-time codes of the tier-4 challenge.
// Only the newest unused, unsuperseded code for an identity is ever consulted.
type VerificationCodeRepository struct {
	db *database.DB
}

// NewVerificationCodeRepository creates a new VerificationCodeRepository
func NewVerificationCodeRepository(db *database.DB) *VerificationCodeRepository {
	return &VerificationCodeRepository{db: db}
}

const codeColumns = `id, identity, code, origin, created_at, expires_at, is_used, used_at, attempts, max_attempts, superseded_at`

func scanCodeRow(row rowScanner) (*models.VerificationCode, error) {
	var c models.VerificationCode

	err := row.Scan(
		&c.ID, &c.Identity, &c.Code, &c.Origin, &c.CreatedAt, &c.ExpiresAt,
		&c.IsUsed, &c.UsedAt, &c.Attempts, &c.MaxAttempts, &c.SupersededAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	return &c, nil
}

// Issue voids every older unused code for the identity and stores code, in one transaction.
// Concurrent issuers are last-writer-wins: the newest row is the authoritative one.
func (r *VerificationCodeRepository) Issue(ctx context.Context, code *models.VerificationCode) (*models.VerificationCode, error) {
	var issued *models.VerificationCode

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		supersede := `
			UPDATE verification_codes
			SET superseded_at = $2
			WHERE identity = $1 AND NOT is_used AND superseded_at IS NULL
		`
		if _, err := tx.Exec(ctx, supersede, code.Identity, code.CreatedAt); err != nil {
			return database.MapPostgresError(err)
		}

		insert := `
			INSERT INTO verification_codes (identity, code, origin, created_at, expires_at, max_attempts)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING ` + codeColumns

		var err error
		issued, err = scanCodeRow(tx.QueryRow(ctx, insert,
			code.Identity, code.Code, code.Origin, code.CreatedAt, code.ExpiresAt, code.MaxAttempts,
		))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to issue verification code: %w", err)
	}

	return issued, nil
}

// GetLatestLive returns the newest code that is neither used nor superseded.
// Expiry and exhaustion are left for the caller to judge. models.ErrNotFound if none.
func (r *VerificationCodeRepository) GetLatestLive(ctx context.Context, identity string) (*models.VerificationCode, error) {
	query := `
		SELECT ` + codeColumns + `
		FROM verification_codes
		WHERE identity = $1 AND NOT is_used AND superseded_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanCodeRow(r.db.Pool.QueryRow(ctx, query, identity))
}

// IncrementAttempts consumes one verification try on code id.
// models.ErrNotFound means the code was used, superseded or exhausted in the meantime.
func (r *VerificationCodeRepository) IncrementAttempts(ctx context.Context, id string) (*models.VerificationCode, error) {
	query := `
		UPDATE verification_codes
		SET attempts = attempts + 1
		WHERE id = $1 AND NOT is_used AND superseded_at IS NULL AND attempts < max_attempts
		RETURNING ` + codeColumns

	return scanCodeRow(r.db.Pool.QueryRow(ctx, query, id))
}

// MarkUsed consumes code id. It returns false if the code is no longer live.
func (r *VerificationCodeRepository) MarkUsed(ctx context.Context, id string, now time.Time) (bool, error) {
	query := `
		UPDATE verification_codes
		SET is_used = TRUE, used_at = $2
		WHERE id = $1 AND NOT is_used AND superseded_at IS NULL AND expires_at >= $2
	`

	result, err := r.db.Pool.Exec(ctx, query, id, now)
	if err != nil {
		return false, database.MapPostgresError(err)
	}
	return result.RowsAffected() == 1, nil
}

// CountIssuedSince counts codes issued for identity at or after since, used for resend limiting
func (r *VerificationCodeRepository) CountIssuedSince(ctx context.Context, identity string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM verification_codes WHERE identity = $1 AND created_at >= $2`

	var count int
	if err := r.db.Pool.QueryRow(ctx, query, identity, since).Scan(&count); err != nil {
		return 0, database.MapPostgresError(err)
	}
	return count, nil
}

// DeleteExpiredBefore removes codes whose expiry passed before cutoff
func (r *VerificationCodeRepository) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM verification_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
