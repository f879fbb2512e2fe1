package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

// CreateVerification は確認コードを保存します。
// 同じユーザー・用途の未使用コードは先に削除し、有効なコードが常に1件になるようにします。
func (s *Storage) CreateVerification(ctx context.Context, v *models.EmailVerification) error {
	const op = "storage.CreateVerification"

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM email_verifications WHERE user_id = $1 AND purpose = $2 AND used_at IS NULL`,
			v.UserID, v.Purpose); err != nil {
			return err
		}

		var newEmail *string
		if v.NewEmail != "" {
			newEmail = &v.NewEmail
		}
		return tx.QueryRow(ctx, `
			INSERT INTO email_verifications (user_id, purpose, new_email, verification_code, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id, created_at`,
			v.UserID, v.Purpose, newEmail, v.Code, v.ExpiresAt,
		).Scan(&v.ID, &v.CreatedAt)
	})
	return wrap(op, err)
}

// ConsumeVerification は有効なコードを1回だけ使用済みにして返します。
// 一致するコードがない・期限切れ・使用済みの場合は ErrNotFound です。
func (s *Storage) ConsumeVerification(ctx context.Context, userID int64, purpose models.VerificationPurpose, code string) (*models.EmailVerification, error) {
	const op = "storage.ConsumeVerification"

	v := &models.EmailVerification{}
	var newEmail *string
	err := s.pool.QueryRow(ctx, `
		UPDATE email_verifications
		SET used_at = now()
		WHERE user_id = $1 AND purpose = $2 AND verification_code = $3
		  AND used_at IS NULL AND expires_at > now()
		RETURNING id, user_id, purpose, new_email, verification_code, used_at, expires_at, created_at`,
		userID, purpose, code,
	).Scan(&v.ID, &v.UserID, &v.Purpose, &newEmail, &v.Code, &v.UsedAt, &v.ExpiresAt, &v.CreatedAt)
	if err != nil {
		return nil, wrap(op, err)
	}
	if newEmail != nil {
		v.NewEmail = *newEmail
	}
	return v, nil
}
