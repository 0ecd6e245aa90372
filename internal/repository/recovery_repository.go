package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/portfolio-risk/api/internal/domain"
)

// RecoveryRepository defines recovery codes data operations
type RecoveryRepository interface {
	// ReplaceCodes drops every earlier code of the user and stores the new set.
	ReplaceCodes(ctx context.Context, userID int64, codeHashes []string) error
	GetUnusedCodes(ctx context.Context, userID int64) ([]*domain.RecoveryCode, error)
	// MarkCodeUsed returns false when the code was already used.
	MarkCodeUsed(ctx context.Context, userID, codeID int64) (bool, error)
	CountUnusedCodes(ctx context.Context, userID int64) (int64, error)
}

type recoveryRepository struct {
	pool *pgxpool.Pool
}

func NewRecoveryRepository(pool *pgxpool.Pool) RecoveryRepository {
	return &recoveryRepository{pool: pool}
}

func (r *recoveryRepository) ReplaceCodes(ctx context.Context, userID int64, codeHashes []string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM recovery_codes WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete recovery codes: %w", err)
		}

		rows := make([][]any, len(codeHashes))
		for i, h := range codeHashes {
			rows[i] = []any{userID, h, int16(i)}
		}
		_, err := tx.CopyFrom(ctx,
			pgx.Identifier{"recovery_codes"},
			[]string{"user_id", "code_hash", "code_index"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("insert recovery codes: %w", err)
		}
		return nil
	})
}

func (r *recoveryRepository) GetUnusedCodes(ctx context.Context, userID int64) ([]*domain.RecoveryCode, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, code_hash, code_index, used_at, created_at
		FROM recovery_codes
		WHERE user_id = $1 AND used_at IS NULL
		ORDER BY code_index`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get unused recovery codes: %w", err)
	}

	codes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*domain.RecoveryCode, error) {
		var rc domain.RecoveryCode
		var idx int16
		if err := row.Scan(&rc.ID, &rc.UserID, &rc.CodeHash, &idx, &rc.UsedAt, &rc.CreatedAt); err != nil {
			return nil, err
		}
		rc.CodeIndex = int(idx)
		return &rc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan recovery codes: %w", err)
	}
	return codes, nil
}

func (r *recoveryRepository) MarkCodeUsed(ctx context.Context, userID, codeID int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE recovery_codes SET used_at = now()
		WHERE id = $1 AND user_id = $2 AND used_at IS NULL`, codeID, userID)
	if err != nil {
		return false, fmt.Errorf("mark recovery code used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *recoveryRepository) CountUnusedCodes(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT count(*) FROM recovery_codes WHERE user_id = $1 AND used_at IS NULL`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return n, nil
}
