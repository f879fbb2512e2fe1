// Package storage は PostgreSQL（pgx/v5）を使ったリレーショナルストアを提供します。
// ユーザー、運動記録、確認コード、監査ログの4テーブルを扱います。
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound は対象行が存在しない（または条件により更新されなかった）場合に返されます。
	ErrNotFound = errors.New("not found")
	// ErrDuplicate は一意制約違反の場合に返されます。
	ErrDuplicate = errors.New("duplicate")
)

// DuplicateError は一意制約違反の対象列を保持します。
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return e.Field + " already exists"
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrDuplicate
}

// Storage はコネクションプールを保持します。
type Storage struct {
	pool *pgxpool.Pool
}

// New はプールを作成し、疎通確認を行います。
func New(ctx context.Context, url string, maxConns int) (*Storage, error) {
	const op = "storage.New"

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{pool: pool}, nil
}

// Close はプールを閉じます。
func (s *Storage) Close() {
	s.pool.Close()
}

// Ping はヘルスチェック用です。
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// wrap は op 名を付けてエラーを包み、pgx 固有のエラーをパッケージのエラーに変換します。
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", op, &DuplicateError{Field: duplicateField(pgErr.ConstraintName)})
	}
	return fmt.Errorf("%s: %w", op, err)
}

func duplicateField(constraint string) string {
	switch {
	case strings.Contains(constraint, "username"):
		return "username"
	case strings.Contains(constraint, "email"):
		return "email"
	default:
		return constraint
	}
}

// DuplicateField は err が一意制約違反の場合に列名を返します。
func DuplicateField(err error) (string, bool) {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Field, true
	}
	return "", false
}
