package storage

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/fengjnw/10-health-33915059-sub000/internal/models"
)

const userColumns = `id, username, email, password_hash, first_name, last_name, is_admin, created_at`

func scanUser(row pgx.Row) (*models.User, error) {
	u := &models.User{}
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash,
		&u.FirstName, &u.LastName, &u.IsAdmin, &u.CreatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser はユーザーを登録し、採番された ID と作成日時を u に設定します。
func (s *Storage) CreateUser(ctx context.Context, u *models.User) error {
	const op = "storage.CreateUser"

	query := `INSERT INTO users (username, email, password_hash, first_name, last_name, is_admin)
			  VALUES ($1, $2, $3, $4, $5, $6)
			  RETURNING id, created_at`
	err := s.pool.QueryRow(ctx, query,
		u.Username, strings.ToLower(u.Email), u.PasswordHash, u.FirstName, u.LastName, u.IsAdmin,
	).Scan(&u.ID, &u.CreatedAt)
	return wrap(op, err)
}

// GetUserByID はユーザーを ID で取得します。
func (s *Storage) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	const op = "storage.GetUserByID"
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, wrap(op, err)
	}
	return u, nil
}

// GetUserByUsername はユーザーをユーザー名で取得します。
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.GetUserByUsername"
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username))
	if err != nil {
		return nil, wrap(op, err)
	}
	return u, nil
}

// GetUserByEmail はユーザーをメールアドレスで取得します（大文字小文字は区別しません）。
func (s *Storage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const op = "storage.GetUserByEmail"
	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE lower(email) = lower($1)`, email))
	if err != nil {
		return nil, wrap(op, err)
	}
	return u, nil
}

// ListUsers は管理画面用にユーザー一覧と総数を返します。
func (s *Storage) ListUsers(ctx context.Context, limit, offset int) ([]models.User, int, error) {
	const op = "storage.ListUsers"

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM users`).Scan(&total); err != nil {
		return nil, 0, wrap(op, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, wrap(op, err)
	}
	defer rows.Close()

	users := make([]models.User, 0, limit)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, wrap(op, err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, wrap(op, err)
	}
	return users, total, nil
}

// UpdateProfile は氏名を更新します。
func (s *Storage) UpdateProfile(ctx context.Context, id int64, firstName, lastName string) error {
	const op = "storage.UpdateProfile"
	return s.execOne(ctx, op,
		`UPDATE users SET first_name = $1, last_name = $2 WHERE id = $3`, firstName, lastName, id)
}

// UpdatePassword はパスワードハッシュを更新します。
func (s *Storage) UpdatePassword(ctx context.Context, id int64, passwordHash string) error {
	const op = "storage.UpdatePassword"
	return s.execOne(ctx, op, `UPDATE users SET password_hash = $1 WHERE id = $2`, passwordHash, id)
}

// UpdateEmail はメールアドレスを更新します。
func (s *Storage) UpdateEmail(ctx context.Context, id int64, email string) error {
	const op = "storage.UpdateEmail"
	return s.execOne(ctx, op, `UPDATE users SET email = $1 WHERE id = $2`, strings.ToLower(email), id)
}

// SetAdmin は管理者フラグを更新します。
func (s *Storage) SetAdmin(ctx context.Context, id int64, isAdmin bool) error {
	const op = "storage.SetAdmin"
	return s.execOne(ctx, op, `UPDATE users SET is_admin = $1 WHERE id = $2`, isAdmin, id)
}

// DeleteUser はユーザーを削除します。運動記録と確認コードは外部キーでカスケード削除されます。
func (s *Storage) DeleteUser(ctx context.Context, id int64) error {
	const op = "storage.DeleteUser"
	return s.execOne(ctx, op, `DELETE FROM users WHERE id = $1`, id)
}

// execOne は1行以上に作用しなかった場合 ErrNotFound を返します。
func (s *Storage) execOne(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return wrap(op, err)
	}
	if tag.RowsAffected() == 0 {
		return wrap(op, pgx.ErrNoRows)
	}
	return nil
}
